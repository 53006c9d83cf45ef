package txkv

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/txkv/txkv/isolation"
	"github.com/txkv/txkv/key"
	"github.com/txkv/txkv/kvstore"
	"github.com/txkv/txkv/request"
	"github.com/txkv/txkv/sweeper"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m := New(kvstore.NewMemClient(), "tx_records", "tx_images", defaultManagerConfig().TxCoreConfig())
	if err := m.RegisterTable("users", []string{"id"}); err != nil {
		t.Fatalf("register table: %v", err)
	}
	return m
}

func TestManagerPutCommitAndGetRow(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	co, err := m.NewTx(ctx)
	if err != nil {
		t.Fatalf("new tx: %v", err)
	}
	item := kvstore.Item{"id": key.S("u1"), "name": key.S("ada")}
	if err := co.Put(ctx, "users", item, request.ReturnNone); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := m.CommitTx(ctx, co); err != nil {
		t.Fatalf("commit: %v", err)
	}

	row, ok, err := m.GetRow(ctx, "users", kvstore.Item{"id": key.S("u1")}, isolation.LevelCommitted)
	if err != nil {
		t.Fatalf("get row: %v", err)
	}
	if !ok || row["name"].S != "ada" {
		t.Fatalf("expected committed row with name=ada, got ok=%v row=%+v", ok, row)
	}

	snap := m.Stats()
	if snap.Created != 1 || snap.Committed != 1 {
		t.Fatalf("expected one created and one committed transaction, got %+v", snap)
	}
}

func TestManagerBatchGetOmitsAbsentKeys(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	co, _ := m.NewTx(ctx)
	if err := co.Put(ctx, "users", kvstore.Item{"id": key.S("u1"), "name": key.S("ada")}, request.ReturnNone); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := m.CommitTx(ctx, co); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := m.BatchGet(ctx, "users", []kvstore.Item{
		{"id": key.S("u1")},
		{"id": key.S("missing")},
	}, isolation.LevelCommitted)
	if err != nil {
		t.Fatalf("batch get: %v", err)
	}
	if len(got) != 1 || got[0]["name"].S != "ada" {
		t.Fatalf("expected exactly the existing row back, got %+v", got)
	}
}

func TestManagerBreakLockRefusesWhileTxExists(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	co, err := m.NewTx(ctx)
	if err != nil {
		t.Fatalf("new tx: %v", err)
	}
	if err := co.Put(ctx, "users", kvstore.Item{"id": key.S("u1")}, request.ReturnNone); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := m.BreakLock(ctx, "users", kvstore.Item{"id": key.S("u1")}, co.TxID()); err == nil {
		t.Fatalf("expected break_lock to refuse while its named transaction record still exists")
	}

	if err := m.RollbackTx(ctx, co); err != nil {
		t.Fatalf("rollback: %v", err)
	}
}

func TestManagerBreakLockStripsReservedAttributesOnceTxGone(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	co, err := m.NewTx(ctx)
	if err != nil {
		t.Fatalf("new tx: %v", err)
	}
	if err := co.Put(ctx, "users", kvstore.Item{"id": key.S("u1")}, request.ReturnNone); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := m.CommitTx(ctx, co); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Commit finalizes the record but does not delete it; break_lock is given
	// a txid that has no record at all, so it must proceed.
	if err := m.BreakLock(ctx, "users", kvstore.Item{"id": key.S("u1")}, "long-gone-tx"); err != nil {
		t.Fatalf("break_lock: %v", err)
	}
	row, ok, err := m.store.Client.Get(ctx, "users", key.New("users", map[string]key.Value{"id": key.S("u1")}))
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	for _, attr := range []string{"_txid", "_date", "_transient", "_applied"} {
		if _, has := row[attr]; has {
			t.Fatalf("expected break_lock to leave no reserved attribute, but row carries %q: %+v", attr, row)
		}
	}
}

func TestManagerSweepPageOverCommittedTransaction(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	co, err := m.NewTx(ctx)
	if err != nil {
		t.Fatalf("new tx: %v", err)
	}
	if err := co.Put(ctx, "users", kvstore.Item{"id": key.S("u1")}, request.ReturnNone); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := m.CommitTx(ctx, co); err != nil {
		t.Fatalf("commit: %v", err)
	}

	sw := m.Sweeper(sweeper.Thresholds{})
	if _, err := m.SweepPage(ctx, sw, "", 10); err != nil {
		t.Fatalf("sweep page: %v", err)
	}
}

func TestLoadManagerConfigAppliesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "txkv.yaml")
	if err := os.WriteFile(path, []byte("tx_table: custom_tx\nlock_attempts: 7\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadManagerConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.TxTable != "custom_tx" {
		t.Fatalf("expected tx_table to be overridden, got %q", cfg.TxTable)
	}
	if cfg.LockAttempts != 7 {
		t.Fatalf("expected lock_attempts to be overridden, got %d", cfg.LockAttempts)
	}
	// Untouched fields must keep default values rather than zeroing out.
	if cfg.ImageTable != "tx_images" {
		t.Fatalf("expected image_table to keep its default, got %q", cfg.ImageTable)
	}

	th, err := cfg.Thresholds()
	if err != nil {
		t.Fatalf("thresholds: %v", err)
	}
	if th.RollbackAfter <= 0 || th.DeleteAfter <= 0 {
		t.Fatalf("expected both thresholds to parse to positive durations, got %+v", th)
	}

	m := NewFromConfig(kvstore.NewMemClient(), cfg)
	if m == nil {
		t.Fatalf("expected NewFromConfig to build a usable Manager")
	}
}

func TestOpenFromConfigSQLiteBackendDrivesATransaction(t *testing.T) {
	ctx := context.Background()
	cfg := defaultManagerConfig()
	cfg.Backend = "sqlite"
	cfg.SQLitePath = ":memory:"

	m, closeBackend, err := OpenFromConfig(cfg)
	if err != nil {
		t.Fatalf("open from config: %v", err)
	}
	defer closeBackend()

	if err := m.RegisterTable("users", []string{"id"}); err != nil {
		t.Fatalf("register table: %v", err)
	}
	co, err := m.NewTx(ctx)
	if err != nil {
		t.Fatalf("new tx: %v", err)
	}
	if err := co.Put(ctx, "users", kvstore.Item{"id": key.S("u1"), "name": key.S("ada")}, request.ReturnNone); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := m.CommitTx(ctx, co); err != nil {
		t.Fatalf("commit: %v", err)
	}

	row, ok, err := m.GetRow(ctx, "users", kvstore.Item{"id": key.S("u1")}, isolation.LevelCommitted)
	if err != nil {
		t.Fatalf("get row: %v", err)
	}
	if !ok || row["name"].S != "ada" {
		t.Fatalf("expected the sqlite-backed Manager to commit and read back the row, got ok=%v row=%+v", ok, row)
	}
}

func TestOpenFromConfigDefaultsToMemoryBackend(t *testing.T) {
	m, closeBackend, err := OpenFromConfig(defaultManagerConfig())
	if err != nil {
		t.Fatalf("open from config: %v", err)
	}
	defer closeBackend()
	if m == nil {
		t.Fatalf("expected a usable Manager for the default (memory) backend")
	}
}
