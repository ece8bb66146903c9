package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mit.edu/dsg/minibase/common"
)

func accountColumns() []Column {
	return []Column{
		{Name: "id", Type: common.IntType},
		{Name: "owner", Type: common.StringType},
		{Name: "balance", Type: common.IntType},
	}
}

func TestCatalog_AddAndLookupTable(t *testing.T) {
	provider := NewDiskCatalogManager(t.TempDir())
	cat, err := NewCatalog(provider)
	require.NoError(t, err)

	table, err := cat.AddTable("accounts", accountColumns(), provider)
	require.NoError(t, err)
	assert.Equal(t, common.TableOID(1), table.Oid)

	_, err = cat.AddTable("accounts", accountColumns(), provider)
	require.Error(t, err)
	assert.True(t, common.IsCode(err, common.DuplicateObjectError))

	byName, err := cat.GetTableMetadata("accounts")
	require.NoError(t, err)
	byOid, err := cat.GetTableByOid(table.Oid)
	require.NoError(t, err)
	assert.Same(t, byName, byOid)

	_, err = cat.GetTableMetadata("missing")
	assert.True(t, common.IsCode(err, common.NoSuchObjectError))
}

func TestCatalog_Indexes(t *testing.T) {
	provider := NewDiskCatalogManager(t.TempDir())
	cat, err := NewCatalog(provider)
	require.NoError(t, err)
	table, err := cat.AddTable("accounts", accountColumns(), provider)
	require.NoError(t, err)

	idx, err := cat.AddIndex("accounts_pk", "accounts", "id", provider)
	require.NoError(t, err)
	assert.Equal(t, table.Oid, idx.TableOid)

	// String columns are not indexable by the fixed-width B+-tree.
	_, err = cat.AddIndex("accounts_owner", "accounts", "owner", provider)
	require.Error(t, err)

	_, err = cat.AddIndex("accounts_pk", "accounts", "balance", provider)
	assert.True(t, common.IsCode(err, common.DuplicateObjectError))

	indexes, err := cat.IndexesOn(table.Oid)
	require.NoError(t, err)
	require.Len(t, indexes, 1)
	assert.Equal(t, "accounts_pk", indexes[0].Name)

	got, err := cat.GetIndex("accounts_pk")
	require.NoError(t, err)
	assert.Equal(t, "id", got.KeyColumn)
}

func TestCatalog_PersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	provider := NewDiskCatalogManager(dir)

	cat, err := NewCatalog(provider)
	require.NoError(t, err)
	_, err = cat.AddTable("accounts", accountColumns(), provider)
	require.NoError(t, err)
	_, err = cat.AddIndex("accounts_pk", "accounts", "id", provider)
	require.NoError(t, err)

	reloaded, err := NewCatalog(NewDiskCatalogManager(dir))
	require.NoError(t, err)
	table, err := reloaded.GetTableMetadata("accounts")
	require.NoError(t, err)
	assert.Len(t, table.Columns, 3)
	idx, err := reloaded.GetIndex("accounts_pk")
	require.NoError(t, err)
	assert.Equal(t, table.Oid, idx.TableOid)

	// Oids keep growing from where they left off.
	next, err := reloaded.AddTable("orders", accountColumns(), provider)
	require.NoError(t, err)
	assert.Equal(t, common.TableOID(3), next.Oid)
}
