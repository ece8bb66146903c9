// Package catalog manages the database schema: table definitions and the
// indexes attached to them.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"mit.edu/dsg/minibase/common"
)

// Catalog holds the schema and provides fast lookups by name and oid.
// For simplicity it is serialized as a single JSON blob. In a production
// DBMS the catalog is usually stored as standard database tables (e.g.
// 'pg_class' in Postgres) that enjoy the same ACID guarantees as user
// tables; the recursive dependency that creates is solved by hard-coding the
// physical locations of the core catalog files.
//
// The catalog is immutable during runtime except for creating tables and
// indexes; there is no ALTER or DROP.
type Catalog struct {
	catalogState

	// In-memory structures for fast lookups
	tableMap    map[string]*Table
	tableOidMap map[common.TableOID]*Table
	indexMap    map[string]*Index
}

// Column represents the basic unit of a table schema.
type Column struct {
	Name string      `json:"name"`
	Type common.Type `json:"type"`
}

// Index describes a B+-tree access path over a single integer column of a
// table. The index name doubles as its record key in the pagefile's header
// page, which is where the tree finds its root.
type Index struct {
	Oid       uint32          `json:"oid"`
	TableOid  common.TableOID `json:"table_oid"`
	Name      string          `json:"name"`
	KeyColumn string          `json:"key_column"`
}

// Table is the primary metadata structure. It groups columns and their
// associated indexes under a unique oid.
type Table struct {
	Oid     common.TableOID `json:"oid"`
	Name    string          `json:"name"`
	Columns []Column        `json:"columns"`
	Indexes []Index         `json:"indexes"`
}

func (t *Table) String() string {
	b, _ := json.MarshalIndent(t, "", "  ")
	return string(b)
}

// PersistenceProvider abstracts how the catalog is saved to and loaded from
// disk.
type PersistenceProvider interface {
	LoadCatalogState() (json string, err error)
	SaveCatalogState(json string) error
}

type catalogState struct {
	NextId uint32   `json:"next_id"`
	Tables []*Table `json:"tables"`
}

func (c *Catalog) toJSON() (string, error) {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (c *Catalog) fromJSON(jsonData string) error {
	if err := json.Unmarshal([]byte(jsonData), c); err != nil {
		return err
	}
	for _, t := range c.Tables {
		c.tableMap[t.Name] = t
		c.tableOidMap[t.Oid] = t
		for i := range t.Indexes {
			c.indexMap[t.Indexes[i].Name] = &t.Indexes[i]
		}
	}
	return nil
}

// NewCatalog initializes a catalog. It attempts to load existing state from
// the provider; if no state exists, it starts with an empty database.
func NewCatalog(provider PersistenceProvider) (*Catalog, error) {
	result := &Catalog{
		catalogState: catalogState{
			NextId: 0,
			Tables: make([]*Table, 0),
		},
		tableMap:    make(map[string]*Table),
		tableOidMap: make(map[common.TableOID]*Table),
		indexMap:    make(map[string]*Index),
	}

	jsonData, err := provider.LoadCatalogState()
	if errors.Is(err, os.ErrNotExist) {
		// Start from scratch
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	if err = result.fromJSON(jsonData); err != nil {
		// Parsing errors are fatal system errors, usually indicating corruption
		return nil, fmt.Errorf("failed to parse catalog state: %v", err)
	}

	return result, nil
}

// AddTable registers a new table, assigns it a unique oid, and persists the
// updated state. Returns DuplicateObjectError if the name is taken.
func (c *Catalog) AddTable(tableName string, columns []Column, provider PersistenceProvider) (*Table, error) {
	if _, exists := c.tableMap[tableName]; exists {
		return nil, common.DBError{
			Code:      common.DuplicateObjectError,
			ErrString: fmt.Sprintf("table '%s' already exists", tableName),
		}
	}

	// oid 0 is reserved for INVALID
	c.NextId++

	t := &Table{
		Oid:     common.TableOID(c.NextId),
		Name:    tableName,
		Columns: columns,
		Indexes: make([]Index, 0),
	}

	c.Tables = append(c.Tables, t)
	c.tableMap[tableName] = t
	c.tableOidMap[t.Oid] = t

	jsonData, err := c.toJSON()
	if err != nil {
		return nil, err
	}
	return t, provider.SaveCatalogState(jsonData)
}

// GetTableMetadata fetches the schema for a specific table name.
func (c *Catalog) GetTableMetadata(tableName string) (*Table, error) {
	table, exists := c.tableMap[tableName]
	if !exists {
		return nil, common.DBError{
			Code:      common.NoSuchObjectError,
			ErrString: fmt.Sprintf("table '%s' does not exist", tableName),
		}
	}
	return table, nil
}

// GetTableByOid fetches a table by its oid.
func (c *Catalog) GetTableByOid(oid common.TableOID) (*Table, error) {
	table, exists := c.tableOidMap[oid]
	if !exists {
		return nil, common.DBError{
			Code:      common.NoSuchObjectError,
			ErrString: fmt.Sprintf("table oid %d does not exist", oid),
		}
	}
	return table, nil
}

// GetIndex fetches an index definition by name.
func (c *Catalog) GetIndex(indexName string) (*Index, error) {
	idx, exists := c.indexMap[indexName]
	if !exists {
		return nil, common.DBError{
			Code:      common.NoSuchObjectError,
			ErrString: fmt.Sprintf("index '%s' does not exist", indexName),
		}
	}
	return idx, nil
}

// IndexesOn lists the index definitions attached to a table.
func (c *Catalog) IndexesOn(oid common.TableOID) ([]Index, error) {
	table, err := c.GetTableByOid(oid)
	if err != nil {
		return nil, err
	}
	return table.Indexes, nil
}

// AddIndex attaches a new single-column index definition to a table and
// persists the updated state. The key column must be an integer column.
func (c *Catalog) AddIndex(indexName string, tableName string, keyColumn string, provider PersistenceProvider) (*Index, error) {
	table, err := c.GetTableMetadata(tableName)
	if err != nil {
		return nil, err
	}

	if _, exists := c.indexMap[indexName]; exists {
		return nil, common.DBError{
			Code:      common.DuplicateObjectError,
			ErrString: fmt.Sprintf("index '%s' already exists", indexName),
		}
	}

	found := false
	for _, col := range table.Columns {
		if col.Name == keyColumn {
			if col.Type != common.IntType {
				return nil, common.DBError{
					Code:      common.NoSuchObjectError,
					ErrString: fmt.Sprintf("column '%s' is not indexable (need %s)", keyColumn, common.IntType),
				}
			}
			found = true
			break
		}
	}
	if !found {
		return nil, common.DBError{
			Code:      common.NoSuchObjectError,
			ErrString: fmt.Sprintf("column '%s' does not exist in table '%s'", keyColumn, tableName),
		}
	}

	c.NextId++
	idx := Index{
		Oid:       c.NextId,
		TableOid:  table.Oid,
		Name:      indexName,
		KeyColumn: keyColumn,
	}

	table.Indexes = append(table.Indexes, idx)
	c.indexMap[indexName] = &table.Indexes[len(table.Indexes)-1]

	jsonData, err := c.toJSON()
	if err != nil {
		return nil, err
	}
	return &idx, provider.SaveCatalogState(jsonData)
}

const CatalogFileName = "catalog.json"

// DiskCatalogManager persists the catalog as a JSON file under a directory.
type DiskCatalogManager struct {
	rootPath string
}

func NewDiskCatalogManager(rootPath string) *DiskCatalogManager {
	return &DiskCatalogManager{
		rootPath: rootPath,
	}
}

// LoadCatalogState implements the PersistenceProvider interface.
func (dcm *DiskCatalogManager) LoadCatalogState() (string, error) {
	path := filepath.Join(dcm.rootPath, CatalogFileName)
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err // Let the caller (Catalog) handle os.ErrNotExist
	}
	return string(content), nil
}

// SaveCatalogState implements the PersistenceProvider interface.
func (dcm *DiskCatalogManager) SaveCatalogState(jsonData string) error {
	// Write through a temporary file so a crash cannot leave a torn catalog.
	tmpPath := filepath.Join(dcm.rootPath, CatalogFileName+".tmp")
	finalPath := filepath.Join(dcm.rootPath, CatalogFileName)

	if err := os.WriteFile(tmpPath, []byte(jsonData), 0644); err != nil {
		return err
	}

	return os.Rename(tmpPath, finalPath)
}
