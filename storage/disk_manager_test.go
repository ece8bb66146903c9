package storage

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mit.edu/dsg/minibase/common"
)

func newTestDiskManager(t *testing.T) *DiskManager {
	t.Helper()
	dm, err := NewDiskManager(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Close() })
	return dm
}

func TestDiskManager_HeaderPageReserved(t *testing.T) {
	dm := newTestDiskManager(t)
	// A fresh pagefile already holds page 0.
	assert.Equal(t, 1, dm.NumPages())

	pid, err := dm.AllocatePage()
	require.NoError(t, err)
	assert.Equal(t, common.PageID(1), pid, "first user page comes after the header")
}

func TestDiskManager_ReadWriteRoundTrip(t *testing.T) {
	dm := newTestDiskManager(t)
	pid, err := dm.AllocatePage()
	require.NoError(t, err)

	out := make([]byte, common.PageSize)
	copy(out, []byte("hello page"))
	require.NoError(t, dm.WritePage(pid, out))

	in := make([]byte, common.PageSize)
	require.NoError(t, dm.ReadPage(pid, in))
	assert.True(t, bytes.Equal(out, in))

	// Fresh pages read back zeroed.
	pid2, err := dm.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, dm.ReadPage(pid2, in))
	assert.True(t, bytes.Equal(in, make([]byte, common.PageSize)))
}

func TestDiskManager_OutOfBounds(t *testing.T) {
	dm := newTestDiskManager(t)
	buf := make([]byte, common.PageSize)
	assert.Error(t, dm.ReadPage(5, buf))
	assert.Error(t, dm.WritePage(5, buf))
	assert.Error(t, dm.ReadPage(common.InvalidPageID, buf))
}

func TestDiskManager_ReopenKeepsPages(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	dm, err := NewDiskManager(path)
	require.NoError(t, err)
	pid, err := dm.AllocatePage()
	require.NoError(t, err)
	out := make([]byte, common.PageSize)
	copy(out, []byte("persisted"))
	require.NoError(t, dm.WritePage(pid, out))
	require.NoError(t, dm.Sync())
	require.NoError(t, dm.Close())

	dm2, err := NewDiskManager(path)
	require.NoError(t, err)
	defer dm2.Close()
	assert.Equal(t, 2, dm2.NumPages())
	in := make([]byte, common.PageSize)
	require.NoError(t, dm2.ReadPage(pid, in))
	assert.True(t, bytes.HasPrefix(in, []byte("persisted")))
}
