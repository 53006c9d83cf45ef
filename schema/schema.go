// Package schema implements the Transaction Manager's per-table primary-key
// attribute name cache (spec §4.5): "Caches (per table) the ordered list of
// primary-key attribute names; the cache is populated lazily on first use
// and is immutable thereafter."
//
// Every component that must turn a full item (e.g. a PutRow request's Item)
// into a key.Key depends on this cache, since the backing store itself
// carries no schema (spec §1: table creation/verification is an external
// collaborator).
package schema

import (
	"fmt"
	"sync"

	"github.com/txkv/txkv/key"
	"github.com/txkv/txkv/kvstore"
)

// Cache maps table name to its ordered primary-key attribute names. It is
// populated by Register (explicit, for tables the caller already knows the
// shape of) and is otherwise immutable once a table's entry is set — the
// spec calls for lazy population, but since table creation is an external
// collaborator (spec §1), txkv requires the caller to Register a table's key
// shape before its first use rather than guessing it from an arbitrary item.
type Cache struct {
	mu     sync.RWMutex
	tables map[string][]string
}

// NewCache returns an empty schema cache.
func NewCache() *Cache {
	return &Cache{tables: make(map[string][]string)}
}

// Register records the ordered primary-key attribute names for table. Safe
// to call more than once with the same value; re-registering with a
// different value is rejected, since the schema is immutable once observed
// by any in-flight transaction.
func (c *Cache) Register(table string, keyAttrs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.tables[table]; ok {
		if !equalSlices(existing, keyAttrs) {
			return fmt.Errorf("schema: table %q already registered with key attrs %v, cannot change to %v", table, existing, keyAttrs)
		}
		return nil
	}
	cp := append([]string(nil), keyAttrs...)
	c.tables[table] = cp
	return nil
}

// KeyAttrs returns the cached primary-key attribute names for table, or
// false if table was never registered.
func (c *Cache) KeyAttrs(table string) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.tables[table]
	return a, ok
}

// KeyOf extracts the key.Key portion of item using table's registered
// primary-key attribute names.
func (c *Cache) KeyOf(table string, item kvstore.Item) (key.Key, error) {
	attrs, ok := c.KeyAttrs(table)
	if !ok {
		return key.Key{}, fmt.Errorf("schema: table %q has no registered primary key", table)
	}
	kvs := make(map[string]key.Value, len(attrs))
	for _, a := range attrs {
		v, ok := item[a]
		if !ok {
			return key.Key{}, fmt.Errorf("schema: item for table %q missing key attribute %q", table, a)
		}
		kvs[a] = v
	}
	return key.New(table, kvs), nil
}

func equalSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
