// Package testutil provides shared fixtures for txkv's package tests, the
// way tinySQL's internal/testhelper centralizes its own test scaffolding.
package testutil

import (
	"testing"

	"github.com/txkv/txkv/key"
	"github.com/txkv/txkv/kvstore"
	"github.com/txkv/txkv/schema"
	"github.com/txkv/txkv/txcore"
	"github.com/txkv/txkv/txrecord"
)

// Clock is a mutable time source for tests that need to advance the sweeper's
// or the record store's notion of "now" mid-test.
type Clock struct {
	unix int64
}

// NewClock returns a Clock fixed at unix.
func NewClock(unix int64) *Clock { return &Clock{unix: unix} }

// Unix returns the current fixed time as a unix timestamp.
func (c *Clock) Unix() int64 { return c.unix }

// Advance moves the clock forward by seconds.
func (c *Clock) Advance(seconds int64) { c.unix += seconds }

// Fixture bundles the objects almost every txkv package test needs: a
// memory-backed record store, a schema cache with one table pre-registered,
// and the default core config.
type Fixture struct {
	Store  *txrecord.Store
	Schema *schema.Cache
	Config txcore.Config
	Clock  *Clock
}

// New builds a Fixture with a single table registered under the given
// primary-key attribute names, backed by an in-memory kvstore.Client.
func New(t *testing.T, table string, pkAttrs ...string) *Fixture {
	t.Helper()
	clock := NewClock(1000)
	store := &txrecord.Store{
		Client:     kvstore.NewMemClient(),
		TxTable:    "tx",
		ImageTable: "img",
		Now:        clock.Unix,
	}
	sc := schema.NewCache()
	if err := sc.Register(table, pkAttrs); err != nil {
		t.Fatalf("testutil: register table %q: %v", table, err)
	}
	return &Fixture{Store: store, Schema: sc, Config: txcore.DefaultConfig(), Clock: clock}
}

// NewCoordinator starts a fresh transaction coordinator against the
// fixture's store and schema.
func (f *Fixture) NewCoordinator(t *testing.T, txid string) *txcore.Coordinator {
	t.Helper()
	co, err := txcore.New(t.Context(), f.Store, f.Schema, f.Config, txid)
	if err != nil {
		t.Fatalf("testutil: new coordinator %q: %v", txid, err)
	}
	return co
}

// Key builds a single-attribute string primary key for table, the shape
// nearly every txkv test needs for a "users"-style fixture row.
func Key(table, attr, value string) key.Key {
	return key.New(table, map[string]key.Value{attr: key.S(value)})
}
