package txcore

import (
	"context"
	"errors"
	"testing"

	"github.com/txkv/txkv/errs"
	"github.com/txkv/txkv/internal/testutil"
	"github.com/txkv/txkv/key"
	"github.com/txkv/txkv/kvstore"
	"github.com/txkv/txkv/request"
	"github.com/txkv/txkv/schema"
	"github.com/txkv/txkv/txrecord"
)

func newHarness(t *testing.T) (*txrecord.Store, *schema.Cache, Config) {
	t.Helper()
	fx := testutil.New(t, "users", "id")
	return fx.Store, fx.Schema, fx.Config
}

func userKey(id string) key.Key {
	return testutil.Key("users", "id", id)
}

func TestPutCommitLeavesCleanRow(t *testing.T) {
	ctx := context.Background()
	store, sc, cfg := newHarness(t)

	co, err := New(ctx, store, sc, cfg, "tx1")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	item := kvstore.Item{"id": key.S("u1"), "name": key.S("ada")}
	if err := co.Put(ctx, "users", item, request.ReturnNone); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := co.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	row, ok, err := store.Client.Get(ctx, "users", userKey("u1"))
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	for _, attr := range []string{"_txid", "_date", "_transient", "_applied"} {
		if _, has := row[attr]; has {
			t.Fatalf("committed row still carries reserved attribute %q: %+v", attr, row)
		}
	}
	if row["name"].S != "ada" {
		t.Fatalf("expected name=ada, got %v", row["name"].S)
	}
}

func TestReadAfterWriteWithinTransaction(t *testing.T) {
	ctx := context.Background()
	store, sc, cfg := newHarness(t)
	co, _ := New(ctx, store, sc, cfg, "tx1")

	item := kvstore.Item{"id": key.S("u1"), "name": key.S("ada")}
	if err := co.Put(ctx, "users", item, request.ReturnNone); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := co.Get(ctx, "users", userKey("u1"))
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got["name"].S != "ada" {
		t.Fatalf("expected to observe own uncommitted write, got %v", got["name"].S)
	}
}

func TestDeleteThenGetSameTxReturnsAbsent(t *testing.T) {
	ctx := context.Background()
	store, sc, cfg := newHarness(t)
	co, _ := New(ctx, store, sc, cfg, "tx1")

	item := kvstore.Item{"id": key.S("u1"), "name": key.S("ada")}
	if err := co.Put(ctx, "users", item, request.ReturnNone); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := co.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	co2, err := New(ctx, store, sc, cfg, "tx2")
	if err != nil {
		t.Fatalf("new tx2: %v", err)
	}
	if err := co2.Delete(ctx, "users", userKey("u1")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, ok, err := co2.Get(ctx, "users", userKey("u1"))
	if err != nil {
		t.Fatalf("get after own delete: %v", err)
	}
	if ok {
		t.Fatalf("a key deleted earlier in this transaction must read back absent")
	}
}

func TestRollbackRestoresPreimage(t *testing.T) {
	ctx := context.Background()
	store, sc, cfg := newHarness(t)

	setup, _ := New(ctx, store, sc, cfg, "tx-setup")
	if err := setup.Put(ctx, "users", kvstore.Item{"id": key.S("u1"), "name": key.S("ada")}, request.ReturnNone); err != nil {
		t.Fatalf("setup put: %v", err)
	}
	if err := setup.Commit(ctx); err != nil {
		t.Fatalf("setup commit: %v", err)
	}

	co, _ := New(ctx, store, sc, cfg, "tx1")
	if err := co.Update(ctx, "users", userKey("u1"), map[string]kvstore.Action{
		"name": {Kind: kvstore.ActionPut, Value: key.S("changed")},
	}, request.ReturnNone); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := co.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	row, ok, err := store.Client.Get(ctx, "users", userKey("u1"))
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if row["name"].S != "ada" {
		t.Fatalf("expected rollback to restore original name, got %v", row["name"].S)
	}
	for _, attr := range []string{"_txid", "_date", "_transient", "_applied"} {
		if _, has := row[attr]; has {
			t.Fatalf("rolled-back row still carries reserved attribute %q", attr)
		}
	}
}

func TestRollbackDeletesTransientItem(t *testing.T) {
	ctx := context.Background()
	store, sc, cfg := newHarness(t)
	co, _ := New(ctx, store, sc, cfg, "tx1")

	if err := co.Put(ctx, "users", kvstore.Item{"id": key.S("new"), "name": key.S("brand-new")}, request.ReturnNone); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := co.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	_, ok, err := store.Client.Get(ctx, "users", userKey("new"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("a transient row created and then rolled back must not persist")
	}
}

func TestDuplicateMutatingRequestRejected(t *testing.T) {
	ctx := context.Background()
	store, sc, cfg := newHarness(t)
	co, _ := New(ctx, store, sc, cfg, "tx1")

	if err := co.Put(ctx, "users", kvstore.Item{"id": key.S("u1"), "name": key.S("ada")}, request.ReturnNone); err != nil {
		t.Fatalf("put: %v", err)
	}
	err := co.Update(ctx, "users", userKey("u1"), map[string]kvstore.Action{
		"name": {Kind: kvstore.ActionPut, Value: key.S("dup")},
	}, request.ReturnNone)
	if err == nil {
		t.Fatalf("expected a second mutating request against the same row in one transaction to be rejected")
	}
}

func TestContentionRollsBackBlockingTransaction(t *testing.T) {
	ctx := context.Background()
	store, sc, cfg := newHarness(t)

	setup, _ := New(ctx, store, sc, cfg, "tx-setup")
	if err := setup.Put(ctx, "users", kvstore.Item{"id": key.S("u1"), "who": key.S("nobody")}, request.ReturnNone); err != nil {
		t.Fatalf("setup put: %v", err)
	}
	if err := setup.Commit(ctx); err != nil {
		t.Fatalf("setup commit: %v", err)
	}

	t1, err := New(ctx, store, sc, cfg, "t1")
	if err != nil {
		t.Fatalf("new t1: %v", err)
	}
	if err := t1.Update(ctx, "users", userKey("u1"), map[string]kvstore.Action{
		"who": {Kind: kvstore.ActionPut, Value: key.S("t1")},
	}, request.ReturnNone); err != nil {
		t.Fatalf("t1 update: %v", err)
	}

	t2, err := New(ctx, store, sc, cfg, "t2")
	if err != nil {
		t.Fatalf("new t2: %v", err)
	}
	if err := t2.Update(ctx, "users", userKey("u1"), map[string]kvstore.Action{
		"who": {Kind: kvstore.ActionPut, Value: key.S("t2")},
	}, request.ReturnNone); err != nil {
		t.Fatalf("t2 update should win contention by rolling back t1: %v", err)
	}
	if err := t2.Commit(ctx); err != nil {
		t.Fatalf("t2 commit: %v", err)
	}

	if err := t1.Commit(ctx); err == nil {
		t.Fatalf("expected t1's commit to observe it was rolled back")
	}

	row, ok, err := store.Client.Get(ctx, "users", userKey("u1"))
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if row["who"].S != "t2" {
		t.Fatalf("expected t2's write to win, got %v", row["who"].S)
	}
}

func TestCommitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, sc, cfg := newHarness(t)
	co, _ := New(ctx, store, sc, cfg, "tx1")
	if err := co.Put(ctx, "users", kvstore.Item{"id": key.S("u1")}, request.ReturnNone); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := co.Commit(ctx); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := co.Commit(ctx); err != nil {
		t.Fatalf("second commit on an already-committed transaction must be a no-op, got %v", err)
	}
}

func TestResumeDrivesPartiallyAppliedTransaction(t *testing.T) {
	ctx := context.Background()
	store, sc, cfg := newHarness(t)
	co, _ := New(ctx, store, sc, cfg, "tx1")
	if err := co.Put(ctx, "users", kvstore.Item{"id": key.S("u1"), "name": key.S("ada")}, request.ReturnNone); err != nil {
		t.Fatalf("put: %v", err)
	}

	resumed, err := Resume(ctx, store, sc, cfg, "tx1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := resumed.Commit(ctx); err != nil {
		t.Fatalf("commit via resumed coordinator: %v", err)
	}
	row, ok, err := store.Client.Get(ctx, "users", userKey("u1"))
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if row["name"].S != "ada" {
		t.Fatalf("expected resumed coordinator's commit to finalize the original write, got %v", row["name"].S)
	}
}

func TestUpdateAddOnIncompatibleAttributeRollsBack(t *testing.T) {
	ctx := context.Background()
	store, sc, cfg := newHarness(t)

	setup, _ := New(ctx, store, sc, cfg, "tx-setup")
	if err := setup.Put(ctx, "users", kvstore.Item{"id": key.S("u1"), "score": key.S("not-a-number")}, request.ReturnNone); err != nil {
		t.Fatalf("setup put: %v", err)
	}
	if err := setup.Commit(ctx); err != nil {
		t.Fatalf("setup commit: %v", err)
	}

	co, _ := New(ctx, store, sc, cfg, "tx1")
	err := co.Update(ctx, "users", userKey("u1"), map[string]kvstore.Action{
		"score": {Kind: kvstore.ActionAdd, Value: key.N(5)},
	}, request.ReturnNone)
	if err == nil {
		t.Fatalf("expected ADD of a number onto a string attribute to fail mid-apply")
	}
	var backingErr *errs.ErrBackingStore
	if !errors.As(err, &backingErr) {
		t.Fatalf("expected a BackingStoreError, got %v (%T)", err, err)
	}

	if err := co.Rollback(ctx); err != nil {
		t.Fatalf("rollback after failed apply: %v", err)
	}

	row, ok, gerr := store.Client.Get(ctx, "users", userKey("u1"))
	if gerr != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, gerr)
	}
	if row["score"].S != "not-a-number" {
		t.Fatalf("expected rollback to restore the original pre-image, got %+v", row["score"])
	}
	for _, attr := range []string{"_txid", "_date", "_transient", "_applied"} {
		if _, has := row[attr]; has {
			t.Fatalf("expected rollback to release the lock, but row still carries %q: %+v", attr, row)
		}
	}
}
