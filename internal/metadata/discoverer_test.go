package metadata_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/syncchanges/internal/domain"
	"github.com/vitaliisemenov/syncchanges/internal/gateway"
	"github.com/vitaliisemenov/syncchanges/internal/metadata"
)

func TestDiscoverGroupsColumnsByTable(t *testing.T) {
	src := &gateway.Fake{
		QueryFunc: func(ctx context.Context, query string, args ...any) (gateway.Rows, error) {
			return gateway.NewMemRows(
				[]string{"table_name", "column_name", "is_key"},
				[][]any{
					{"[dbo].[Orders]", "[Id]", int64(1)},
					{"[dbo].[Orders]", "[CustomerId]", int64(0)},
					{"[dbo].[Orders]", "[Total]", int64(0)},
					{"[dbo].[NoKeyTable]", "[Value]", int64(0)},
				},
			), nil
		},
	}

	tables, err := metadata.New(nil).Discover(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, tables, 2)

	var orders, noKey domain.TableDescriptor
	for _, tbl := range tables {
		switch tbl.Name {
		case "[dbo].[Orders]":
			orders = tbl
		case "[dbo].[NoKeyTable]":
			noKey = tbl
		}
	}

	assert.Equal(t, []string{"[Id]"}, orders.KeyColumns)
	assert.Equal(t, []string{"[CustomerId]", "[Total]"}, orders.OtherColumns)
	assert.Empty(t, noKey.KeyColumns)
	assert.Equal(t, []string{"[Value]"}, noKey.OtherColumns)
}

func TestFilterReplicableDropsNoKeyTables(t *testing.T) {
	tables := []domain.TableDescriptor{
		{Name: "[dbo].[Orders]", KeyColumns: []string{"[Id]"}, OtherColumns: []string{"[Total]"}},
		{Name: "[dbo].[NoKeyTable]", OtherColumns: []string{"[Value]"}},
	}

	filtered := metadata.FilterReplicable(nil, tables, nil)
	require.Len(t, filtered, 1)
	assert.Equal(t, "[dbo].[Orders]", filtered[0].Name)
}

func TestFilterReplicableAppliesAllowlist(t *testing.T) {
	tables := []domain.TableDescriptor{
		{Name: "[dbo].[Orders]", KeyColumns: []string{"[Id]"}},
		{Name: "[dbo].[OrderLines]", KeyColumns: []string{"[Id]"}},
	}

	filtered := metadata.FilterReplicable(nil, tables, []string{"Orders"})
	require.Len(t, filtered, 1)
	assert.Equal(t, "[dbo].[Orders]", filtered[0].Name)
}

func TestFilterReplicableAllowlistEntryForNoKeyTableIsHarmless(t *testing.T) {
	tables := []domain.TableDescriptor{
		{Name: "[dbo].[NoKeyTable]", OtherColumns: []string{"[Value]"}},
	}

	filtered := metadata.FilterReplicable(nil, tables, []string{"NoKeyTable"})
	assert.Empty(t, filtered)
}
