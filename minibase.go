// Package minibase wires the storage and transaction subsystems into one
// database instance: a disk-backed pagefile behind a buffer pool, B+-tree
// indexes described by the catalog, and two-phase locking with background
// deadlock detection.
package minibase

import (
	"os"
	"path/filepath"

	"mit.edu/dsg/minibase/catalog"
	"mit.edu/dsg/minibase/common"
	"mit.edu/dsg/minibase/concurrency"
	"mit.edu/dsg/minibase/index"
	"mit.edu/dsg/minibase/storage"
)

// PagefileName is the single flat file holding every page of the database.
const PagefileName = "minibase.db"

// DefaultLRUKHistory is the access-history depth the buffer pool ranks
// eviction candidates with.
const DefaultLRUKHistory = 2

// MiniBase is the top-level container for the database system.
type MiniBase struct {
	Catalog            *catalog.Catalog
	DiskManager        *storage.DiskManager
	BufferPool         *storage.BufferPoolManager
	LockManager        *concurrency.LockManager
	TransactionManager *concurrency.TransactionManager

	catalogProvider catalog.PersistenceProvider
	indexes         map[string]*index.BPlusTree
}

// NewMiniBase opens (or creates) a database under dataDir with the given
// buffer pool capacity and starts the deadlock detector.
func NewMiniBase(dataDir string, bufferPoolSize int) (*MiniBase, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}

	provider := catalog.NewDiskCatalogManager(dataDir)
	cat, err := catalog.NewCatalog(provider)
	if err != nil {
		return nil, err
	}

	disk, err := storage.NewDiskManager(filepath.Join(dataDir, PagefileName))
	if err != nil {
		return nil, err
	}
	bufferPool := storage.NewBufferPoolManager(bufferPoolSize, DefaultLRUKHistory, disk)
	lockManager := concurrency.NewLockManager()
	transactionManager := concurrency.NewTransactionManager(lockManager)

	db := &MiniBase{
		Catalog:            cat,
		DiskManager:        disk,
		BufferPool:         bufferPool,
		LockManager:        lockManager,
		TransactionManager: transactionManager,
		catalogProvider:    provider,
		indexes:            make(map[string]*index.BPlusTree),
	}

	// Reattach every cataloged index to its persisted root.
	for _, table := range cat.Tables {
		for _, idx := range table.Indexes {
			tree, err := index.NewBPlusTree(idx.Name, bufferPool, index.DefaultMaxSize, index.DefaultMaxSize)
			if err != nil {
				_ = disk.Close()
				return nil, err
			}
			db.indexes[idx.Name] = tree
		}
	}

	lockManager.StartDeadlockDetection(concurrency.DefaultDeadlockInterval)
	return db, nil
}

// CreateIndex registers a new B+-tree index over an integer column and opens
// its (empty) tree.
func (db *MiniBase) CreateIndex(indexName, tableName, keyColumn string) (*index.BPlusTree, error) {
	if _, err := db.Catalog.AddIndex(indexName, tableName, keyColumn, db.catalogProvider); err != nil {
		return nil, err
	}
	tree, err := index.NewBPlusTree(indexName, db.BufferPool, index.DefaultMaxSize, index.DefaultMaxSize)
	if err != nil {
		return nil, err
	}
	db.indexes[indexName] = tree
	return tree, nil
}

// Index returns the opened tree for a cataloged index.
func (db *MiniBase) Index(indexName string) (*index.BPlusTree, error) {
	tree, ok := db.indexes[indexName]
	if !ok {
		return nil, common.DBError{
			Code:      common.NoSuchObjectError,
			ErrString: "index '" + indexName + "' is not open",
		}
	}
	return tree, nil
}

// Close stops the deadlock detector, flushes every resident page, and syncs
// and closes the pagefile.
func (db *MiniBase) Close() error {
	db.LockManager.StopDeadlockDetection()
	if err := db.BufferPool.FlushAllPages(); err != nil {
		return err
	}
	if err := db.DiskManager.Sync(); err != nil {
		return err
	}
	return db.DiskManager.Close()
}
