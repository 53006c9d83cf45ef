package isolation

import (
	"context"
	"testing"

	"github.com/txkv/txkv/internal/testutil"
	"github.com/txkv/txkv/key"
	"github.com/txkv/txkv/kvstore"
	"github.com/txkv/txkv/request"
	"github.com/txkv/txkv/schema"
	"github.com/txkv/txkv/txcore"
	"github.com/txkv/txkv/txrecord"
)

func newHandler(t *testing.T) (*Handler, *txrecord.Store, *schema.Cache, txcore.Config) {
	t.Helper()
	fx := testutil.New(t, "users", "id")
	h := &Handler{Client: fx.Store.Client, Records: fx.Store, Schema: fx.Schema, Cfg: fx.Config}
	return h, fx.Store, fx.Schema, fx.Config
}

func userKey(id string) key.Key {
	return testutil.Key("users", "id", id)
}

func TestUncommittedHidesTransientRow(t *testing.T) {
	ctx := context.Background()
	h, store, sc, cfg := newHandler(t)
	co, err := txcore.New(ctx, store, sc, cfg, "tx1")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	// Acquire a read lock on a row that does not exist, leaving it
	// transient-and-unapplied.
	if _, _, err := co.Get(ctx, "users", userKey("u1")); err != nil {
		t.Fatalf("readlock: %v", err)
	}
	_, ok, err := h.Get(ctx, "users", userKey("u1"), LevelUncommitted)
	if err != nil {
		t.Fatalf("uncommitted get: %v", err)
	}
	if ok {
		t.Fatalf("a transient, unapplied row must read as absent under uncommitted isolation")
	}
}

func TestCommittedHidesInFlightAppliedWriteAndReturnsPreimage(t *testing.T) {
	ctx := context.Background()
	h, store, sc, cfg := newHandler(t)

	setup, _ := txcore.New(ctx, store, sc, cfg, "tx-setup")
	if err := setup.Put(ctx, "users", kvstore.Item{"id": key.S("u1"), "color": key.S("red")}, request.ReturnNone); err != nil {
		t.Fatalf("setup put: %v", err)
	}
	if err := setup.Commit(ctx); err != nil {
		t.Fatalf("setup commit: %v", err)
	}

	writer, err := txcore.New(ctx, store, sc, cfg, "tx-writer")
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := writer.Update(ctx, "users", userKey("u1"), map[string]kvstore.Action{
		"color": {Kind: kvstore.ActionPut, Value: key.S("purple")},
	}, request.ReturnNone); err != nil {
		t.Fatalf("writer update: %v", err)
	}

	committed, ok, err := h.Get(ctx, "users", userKey("u1"), LevelCommitted)
	if err != nil {
		t.Fatalf("committed get: %v", err)
	}
	if !ok || committed["color"].S != "red" {
		t.Fatalf("expected committed-isolation read to see the last committed value (red), got ok=%v color=%v", ok, committed["color"])
	}

	uncommitted, ok, err := h.Get(ctx, "users", userKey("u1"), LevelUncommitted)
	if err != nil {
		t.Fatalf("uncommitted get: %v", err)
	}
	if !ok || uncommitted["color"].S != "purple" {
		t.Fatalf("expected uncommitted-isolation read to see the in-flight value (purple), got ok=%v color=%v", ok, uncommitted["color"])
	}
}

func TestCommittedReadsThroughOnceTransactionCommits(t *testing.T) {
	ctx := context.Background()
	h, store, sc, cfg := newHandler(t)

	setup, _ := txcore.New(ctx, store, sc, cfg, "tx-setup")
	if err := setup.Put(ctx, "users", kvstore.Item{"id": key.S("u1"), "color": key.S("red")}, request.ReturnNone); err != nil {
		t.Fatalf("setup put: %v", err)
	}
	if err := setup.Commit(ctx); err != nil {
		t.Fatalf("setup commit: %v", err)
	}

	writer, _ := txcore.New(ctx, store, sc, cfg, "tx-writer")
	if err := writer.Update(ctx, "users", userKey("u1"), map[string]kvstore.Action{
		"color": {Kind: kvstore.ActionPut, Value: key.S("purple")},
	}, request.ReturnNone); err != nil {
		t.Fatalf("writer update: %v", err)
	}
	if err := writer.Commit(ctx); err != nil {
		t.Fatalf("writer commit: %v", err)
	}

	committed, ok, err := h.Get(ctx, "users", userKey("u1"), LevelCommitted)
	if err != nil {
		t.Fatalf("committed get: %v", err)
	}
	if !ok || committed["color"].S != "purple" {
		t.Fatalf("expected committed-isolation read to observe the new value once committed, got ok=%v color=%v", ok, committed["color"])
	}
}
