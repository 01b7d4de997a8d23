// Package catalog implements the process-wide schema catalog of spec
// §4.8: a table/column registry, stored itself as rows under reserved
// `__schema__/{table}` keys so catalog mutations flow through the same
// WAL/transaction machinery as any other write. Grounded on the teacher's
// `pkg/storage/table.go` (`TableMetaData`/`Table`/`Index`/`DataType`),
// generalized from a single primary-key `*btree.BPlusTree` per table into
// full column definitions and a named index-manager registry per table
// (spec §3/§4.6).
package catalog

import (
	"fmt"
	"sync"

	kverrors "github.com/bobboyms/kvengine/pkg/errors"
	"github.com/bobboyms/kvengine/pkg/index"
	"github.com/bobboyms/kvengine/pkg/types"
)

// Column is one entry of a table's ordered schema (spec §3).
type Column struct {
	Name            string
	Type            types.Kind
	IsPrimaryKey    bool
	IsUnique        bool
	IsNullable      bool
	IsAutoIncrement bool
}

// Table is one catalog entry: its column list plus the index manager that
// owns every per-column unique/PK index and the default_value_index.
type Table struct {
	Name       string
	Columns    []Column
	PrimaryKey string // column name; empty if the table has no primary key
	Indexes    *index.Manager

	nextAutoIncrement int64
}

// ColumnByName looks up a column definition, for validating writes.
func (t *Table) ColumnByName(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// NextAutoIncrement returns the next value for this table's auto-increment
// column (there can be at most one, conventionally the primary key) and
// advances the counter. Not itself transactional: callers must still push
// the write through the normal WAL path, matching the teacher's in-memory
// counter style elsewhere in the engine.
func (t *Table) NextAutoIncrement() int64 {
	t.nextAutoIncrement++
	return t.nextAutoIncrement
}

// EncodePrimaryKey builds the `{table}_pk_{column}_{value}` row key
// convention of spec §3.
func EncodePrimaryKey(table, column string, value types.Value) (string, error) {
	encoded, err := value.Encode()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s_pk_%s_%x", table, column, encoded), nil
}

// Catalog is the process-wide table registry, itself persisted as rows
// under `__schema__/{table}` (spec §4.8) by the storage engine layer that
// owns the KV store; this package only holds the in-memory projection and
// enforces the invariants schema changes must uphold.
type Catalog struct {
	mu     sync.RWMutex
	tables map[string]*Table
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{tables: make(map[string]*Table)}
}

// CreateTable registers a new table. Exactly zero or one primary-key
// column is allowed (spec §3); a primary-key column is implicitly
// non-nullable and unique regardless of what the caller passed.
func (c *Catalog) CreateTable(name string, columns []Column) (*Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.tables[name]; exists {
		return nil, kverrors.Newf(kverrors.KindAlreadyExists, "table %q already exists", name)
	}

	primaryKeyCount := 0
	var primaryKeyColumn string
	normalized := make([]Column, len(columns))
	for i, col := range columns {
		if col.IsPrimaryKey {
			primaryKeyCount++
			primaryKeyColumn = col.Name
			col.IsNullable = false
			col.IsUnique = true
		}
		normalized[i] = col
	}
	if primaryKeyCount > 1 {
		return nil, kverrors.Newf(kverrors.KindInvalidQuery, "table %q declares %d primary key columns, want at most 1", name, primaryKeyCount)
	}

	table := &Table{
		Name:       name,
		Columns:    normalized,
		PrimaryKey: primaryKeyColumn,
		Indexes:    index.NewManager(nil),
	}

	for _, col := range normalized {
		if !col.IsPrimaryKey && !col.IsUnique {
			continue
		}
		indexName := fmt.Sprintf("idx_%s_%s", name, col.Name)
		table.Indexes.RegisterScalar(indexName, index.NewBTreeIndex(defaultTreeOrder, true))
	}

	c.tables[name] = table
	return table, nil
}

const defaultTreeOrder = 64

// DropTable removes a table from the catalog.
func (c *Catalog) DropTable(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.tables[name]; !exists {
		return kverrors.Newf(kverrors.KindNotFound, "table %q not found", name)
	}
	delete(c.tables, name)
	return nil
}

// Table looks up a table by name.
func (c *Catalog) Table(name string) (*Table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	table, ok := c.tables[name]
	if !ok {
		return nil, kverrors.Newf(kverrors.KindNotFound, "table %q not found", name)
	}
	return table, nil
}

// Tables returns every registered table name, for schema introspection.
func (c *Catalog) Tables() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.tables))
	for name := range c.tables {
		names = append(names, name)
	}
	return names
}

// AddIndex registers a new secondary index on column, used for an
// explicit CREATE INDEX beyond the unique/PK indexes CreateTable wires in
// automatically.
func (c *Catalog) AddIndex(tableName, column string, idx index.ScalarIndex) error {
	table, err := c.Table(tableName)
	if err != nil {
		return err
	}
	if _, ok := table.ColumnByName(column); !ok {
		return kverrors.Newf(kverrors.KindNotFound, "column %q not found on table %q", column, tableName)
	}
	table.Indexes.RegisterScalar(fmt.Sprintf("idx_%s_%s", tableName, column), idx)
	return nil
}
