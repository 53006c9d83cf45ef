// Package kvstore defines the contract a backing key/value store must
// satisfy (spec §6) and provides two reference implementations: memkv, an
// in-process store for unit tests, and sqlitekv, a database/sql-backed
// adapter over modernc.org/sqlite that demonstrates the same conditional-put
// contract against a real embeddable engine.
//
// txkv treats the backing store as an external collaborator (spec §1): this
// package only defines what it must provide, never how it provides it.
package kvstore

import (
	"context"
	"errors"

	"github.com/txkv/txkv/errs"
	"github.com/txkv/txkv/key"
)

// Item is one row: attribute name to value. Reserved attribute names (the
// caller-configured prefix) may appear here; kvstore itself does not
// interpret them.
type Item map[string]key.Value

// Clone returns a deep-enough copy for callers that need to mutate without
// aliasing the original map.
func (it Item) Clone() Item {
	cp := make(Item, len(it))
	for k, v := range it {
		cp[k] = v
	}
	return cp
}

// Predicate is one attribute-level condition attached to a conditional
// write, per spec §6: "exists=false" or "value=v".
type Predicate struct {
	ExistsFalse bool
	Equals      *key.Value
}

// NotExists builds a predicate asserting the attribute is absent.
func NotExists() Predicate { return Predicate{ExistsFalse: true} }

// EqualTo builds a predicate asserting the attribute equals v.
func EqualTo(v key.Value) Predicate { return Predicate{Equals: &v} }

// Conditions is the attribute-name-keyed predicate set evaluated atomically
// by Put/Update/Delete.
type Conditions map[string]Predicate

// ActionKind selects an Update's per-attribute effect.
type ActionKind uint8

const (
	ActionPut ActionKind = iota
	ActionDelete
	ActionAdd // numeric add; also used for set-union on set-typed attributes
)

// Action is one attribute mutation inside an Update call.
type Action struct {
	Kind  ActionKind
	Value key.Value // meaningful for ActionPut and ActionAdd
}

// Page is one page of a Scan.
type Page struct {
	Items []Item
	Token string // empty when the scan is exhausted
}

// Client is the contract a backing KV store must satisfy. All methods must
// be safe for concurrent use by multiple goroutines across multiple
// coordinators and processes — the store is the only point of true
// synchronization in the protocol.
type Client interface {
	// Get performs a strongly consistent read by primary key. ok is false
	// when the item does not exist.
	Get(ctx context.Context, table string, k key.Key) (item Item, ok bool, err error)

	// Put writes item in full under key k, subject to cond. item carries
	// both the key attributes and the rest of the row; k is passed
	// explicitly because a store has no schema of its own to tell primary
	// key attributes apart from the rest (spec §4.5: the Transaction
	// Manager, not the store, caches that schema). A failing predicate
	// returns an error wrapping errs.ErrConditionFailed.
	Put(ctx context.Context, table string, k key.Key, item Item, cond Conditions) error

	// Update applies actions to the row addressed by k, subject to cond.
	// The row need not already exist unless cond requires it.
	Update(ctx context.Context, table string, k key.Key, actions map[string]Action, cond Conditions) error

	// Delete removes the row addressed by k, subject to cond.
	Delete(ctx context.Context, table string, k key.Key, cond Conditions) error

	// Scan returns one page of items from table, continuing from token
	// (empty token starts a new scan).
	Scan(ctx context.Context, table string, token string, pageSize int) (Page, error)
}

// wrapBackingError maps anything that is not a condition failure into
// errs.ErrBackingStore, per spec §6 ("a conditional failure must be
// distinguishable from other errors").
func wrapBackingError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errs.ErrConditionFailed) {
		return err
	}
	return &errs.ErrBackingStore{Op: op, Err: err}
}
