package apply_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/syncchanges/internal/apply"
	"github.com/vitaliisemenov/syncchanges/internal/domain"
	"github.com/vitaliisemenov/syncchanges/internal/gateway"
)

func table() *domain.TableDescriptor {
	return &domain.TableDescriptor{
		Name:         "[dbo].[T]",
		KeyColumns:   []string{"[Id]"},
		OtherColumns: []string{"[V]"},
	}
}

// S1: a single insert produces the IDENTITY_INSERT-wrapped statement, then
// SyncInfo advances to the batch's source version.
func TestApplyInsertWrapsIdentityInsertAndAdvancesVersion(t *testing.T) {
	gw := &gateway.Fake{}
	batch := &domain.ChangeBatch{
		SourceCurrentVersion: 7,
		Records: []domain.ChangeRecord{
			{
				Table:   table(),
				Op:      domain.OpInsert,
				Version: 6,
				Keys:    []domain.ColumnValue{{Column: "[Id]", Value: 42}},
				Others:  []domain.ColumnValue{{Column: "[V]", Value: "x"}},
			},
		},
	}

	err := apply.New(nil).Apply(context.Background(), "dest1", gw, batch, false)
	require.NoError(t, err)

	require.Len(t, gw.Execs, 2)
	assert.Contains(t, gw.Execs[0].Query, "SET IDENTITY_INSERT [dbo].[T] ON")
	assert.Contains(t, gw.Execs[0].Query, "INSERT INTO [dbo].[T] ([Id], [V]) VALUES (@p1, @p2)")
	assert.Contains(t, gw.Execs[0].Query, "SET IDENTITY_INSERT [dbo].[T] OFF")
	assert.Equal(t, []any{42, "x"}, gw.Execs[0].Args)

	assert.Contains(t, gw.Execs[1].Query, "UPDATE SyncInfo SET Version")
	assert.Equal(t, []any{int64(7)}, gw.Execs[1].Args)
	assert.Equal(t, 1, gw.Commits)
}

func TestApplyUpdateUsesKeysThenOthersParamOrder(t *testing.T) {
	gw := &gateway.Fake{}
	batch := &domain.ChangeBatch{
		SourceCurrentVersion: 3,
		Records: []domain.ChangeRecord{
			{
				Table:   table(),
				Op:      domain.OpUpdate,
				Version: 3,
				Keys:    []domain.ColumnValue{{Column: "[Id]", Value: 1}},
				Others:  []domain.ColumnValue{{Column: "[V]", Value: "y"}},
			},
		},
	}

	err := apply.New(nil).Apply(context.Background(), "dest1", gw, batch, false)
	require.NoError(t, err)

	assert.Equal(t, "UPDATE [dbo].[T] SET [V] = @p2 WHERE [Id] = @p1", gw.Execs[0].Query)
	assert.Equal(t, []any{1, "y"}, gw.Execs[0].Args)
}

func TestApplyDeleteUsesKeysOnly(t *testing.T) {
	gw := &gateway.Fake{}
	batch := &domain.ChangeBatch{
		SourceCurrentVersion: 4,
		Records: []domain.ChangeRecord{
			{Table: table(), Op: domain.OpDelete, Version: 4, Keys: []domain.ColumnValue{{Column: "[Id]", Value: 9}}},
		},
	}

	err := apply.New(nil).Apply(context.Background(), "dest1", gw, batch, false)
	require.NoError(t, err)

	assert.Equal(t, "DELETE FROM [dbo].[T] WHERE [Id] = @p1", gw.Execs[0].Query)
	assert.Equal(t, []any{9}, gw.Execs[0].Args)
}

func TestApplyOrdersByVersionThenTableName(t *testing.T) {
	tableA := &domain.TableDescriptor{Name: "[dbo].[A]", KeyColumns: []string{"[Id]"}}
	tableB := &domain.TableDescriptor{Name: "[dbo].[B]", KeyColumns: []string{"[Id]"}}

	gw := &gateway.Fake{}
	batch := &domain.ChangeBatch{
		SourceCurrentVersion: 2,
		Records: []domain.ChangeRecord{
			{Table: tableB, Op: domain.OpDelete, Version: 1, Keys: []domain.ColumnValue{{Column: "[Id]", Value: 1}}},
			{Table: tableA, Op: domain.OpDelete, Version: 1, Keys: []domain.ColumnValue{{Column: "[Id]", Value: 2}}},
			{Table: tableA, Op: domain.OpDelete, Version: 2, Keys: []domain.ColumnValue{{Column: "[Id]", Value: 3}}},
		},
	}

	err := apply.New(nil).Apply(context.Background(), "dest1", gw, batch, false)
	require.NoError(t, err)

	require.Len(t, gw.Execs, 4) // 3 deletes + SyncInfo advance
	assert.Contains(t, gw.Execs[0].Query, "[dbo].[A]")
	assert.Contains(t, gw.Execs[1].Query, "[dbo].[B]")
	assert.Contains(t, gw.Execs[2].Query, "[dbo].[A]")
}

func TestApplyDryRunSkipsTransactionAndSyncInfo(t *testing.T) {
	gw := &gateway.Fake{}
	batch := &domain.ChangeBatch{
		SourceCurrentVersion: 7,
		Records: []domain.ChangeRecord{
			{Table: table(), Op: domain.OpInsert, Version: 6,
				Keys: []domain.ColumnValue{{Column: "[Id]", Value: 1}}, Others: []domain.ColumnValue{{Column: "[V]", Value: "x"}}},
		},
	}

	err := apply.New(nil).Apply(context.Background(), "dest1", gw, batch, true)
	require.NoError(t, err)
	assert.Empty(t, gw.Execs)
	assert.Equal(t, 0, gw.Commits)
}

func TestApplyRollsBackOnFailure(t *testing.T) {
	gw := &gateway.Fake{
		ExecFunc: func(ctx context.Context, query string, args ...any) (sql.Result, error) {
			return nil, assert.AnError
		},
	}
	batch := &domain.ChangeBatch{
		SourceCurrentVersion: 7,
		Records: []domain.ChangeRecord{
			{Table: table(), Op: domain.OpDelete, Version: 6, Keys: []domain.ColumnValue{{Column: "[Id]", Value: 1}}},
		},
	}

	err := apply.New(nil).Apply(context.Background(), "dest1", gw, batch, false)
	require.Error(t, err)
	assert.Equal(t, 0, gw.Commits)
}
