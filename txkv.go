// Package txkv implements client-side ACID multi-item transactions over a
// backing key/value store that natively supports only single-item
// conditional writes. The package root is a thin façade (cf. the teacher's
// top-level tinysql.go): it owns the backing store handle, the per-table
// primary-key schema cache, and exposes the factory/session operations a
// caller drives directly — new_tx/resume_tx, the non-transactional read
// path, and the sweeper entry point — while the txcore, txrecord, isolation
// and sweeper packages carry the protocol itself.
package txkv

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/txkv/txkv/errs"
	"github.com/txkv/txkv/isolation"
	"github.com/txkv/txkv/kvstore"
	"github.com/txkv/txkv/schema"
	"github.com/txkv/txkv/sweeper"
	"github.com/txkv/txkv/txcore"
	"github.com/txkv/txkv/txrecord"
)

// Manager is the Transaction Manager (spec §4.5): factory and session
// holder for one backing store. Safe for concurrent use; the schema cache
// and stats counters are the only shared mutable state, and both are
// internally synchronized.
type Manager struct {
	store  *txrecord.Store
	schema *schema.Cache
	cfg    txcore.Config
	iso    *isolation.Handler
	log    *log.Logger
	stats  *Stats
}

// New builds a Manager over client, using txTable/imageTable as the
// transaction-record and pre-image tables (spec §4.2). cfg's zero value is
// not usable directly; callers typically start from txcore.DefaultConfig().
func New(client kvstore.Client, txTable, imageTable string, cfg txcore.Config) *Manager {
	store := &txrecord.Store{
		Client:      client,
		TxTable:     txTable,
		ImageTable:  imageTable,
		Now:         defaultNow,
		MaxItemSize: cfg.MaxItemSize,
	}
	sc := schema.NewCache()
	m := &Manager{
		store:  store,
		schema: sc,
		cfg:    cfg,
		log:    log.New(io.Discard, "txkv: ", log.LstdFlags),
		stats:  &Stats{},
	}
	m.iso = &isolation.Handler{Client: client, Records: store, Schema: sc, Cfg: cfg}
	return m
}

func defaultNow() int64 { return time.Now().Unix() }

// SetLogger installs the Manager's logger; pass nil to discard all output
// (the default). No Manager operation writes to this logger; the retry
// loops, contention resolution and Sweep log nothing through it.
func (m *Manager) SetLogger(l *log.Logger) {
	if l == nil {
		l = log.New(io.Discard, "txkv: ", log.LstdFlags)
	}
	m.log = l
}

// RegisterTable records table's ordered primary-key attribute names, which
// PutRow needs to separate key attributes from the rest of the item (spec
// §4.5). Must be called once per table before any PutRow against it.
func (m *Manager) RegisterTable(table string, keyAttrs []string) error {
	return m.schema.Register(table, keyAttrs)
}

// NewTx starts a brand-new Pending transaction with a fresh, randomly
// generated txid (spec §4.5 "new_tx()").
func (m *Manager) NewTx(ctx context.Context) (*txcore.Coordinator, error) {
	txid := uuid.NewString()
	co, err := txcore.New(ctx, m.store, m.schema, m.cfg, txid)
	if err != nil {
		return nil, err
	}
	m.stats.incCreated()
	return co, nil
}

// ResumeTx attaches a fresh Coordinator to an existing transaction record
// (spec §4.5 "resume_tx(txid | record)"), for coordinator hand-off: a
// caller that observes a stuck or abandoned txid picks it back up here.
func (m *Manager) ResumeTx(ctx context.Context, txid string) (*txcore.Coordinator, error) {
	return txcore.Resume(ctx, m.store, m.schema, m.cfg, txid)
}

// CommitTx commits co and records the outcome in Stats.
func (m *Manager) CommitTx(ctx context.Context, co *txcore.Coordinator) error {
	err := co.Commit(ctx)
	if err == nil {
		m.stats.incCommitted()
	} else {
		m.stats.incRolledBack()
	}
	return err
}

// RollbackTx rolls back co and records the outcome in Stats.
func (m *Manager) RollbackTx(ctx context.Context, co *txcore.Coordinator) error {
	err := co.Rollback(ctx)
	m.stats.incRolledBack()
	return err
}

// GetRow performs a non-transactional read at the chosen isolation level
// (spec §4.5 "get_row(key, iso)").
func (m *Manager) GetRow(ctx context.Context, table string, k kvstore.Item, level isolation.Level) (kvstore.Item, bool, error) {
	kk, err := m.schema.KeyOf(table, k)
	if err != nil {
		return nil, false, err
	}
	return m.iso.Get(ctx, table, kk, level)
}

// Scan returns one page of table filtered through the chosen isolation
// level (spec §4.5 "pass-throughs scan, query, batch_get that filter
// results through the isolation handler"). Rows absent at level are
// dropped from the page rather than replaced, so a returned page may
// contain fewer items than the backing store's raw page size.
func (m *Manager) Scan(ctx context.Context, table string, token string, pageSize int, level isolation.Level) (kvstore.Page, error) {
	raw, err := m.iso.Client.Scan(ctx, table, token, pageSize)
	if err != nil {
		return kvstore.Page{}, fmt.Errorf("txkv: scan %s: %w", table, err)
	}
	out := kvstore.Page{Token: raw.Token}
	for _, item := range raw.Items {
		kk, err := m.schema.KeyOf(table, item)
		if err != nil {
			return kvstore.Page{}, err
		}
		filtered, ok, err := m.iso.Get(ctx, table, kk, level)
		if err != nil {
			return kvstore.Page{}, err
		}
		if ok {
			out.Items = append(out.Items, filtered)
		}
	}
	return out, nil
}

// BatchGet reads every key in keys at level, in order, omitting any that
// are absent at that level (spec §4.5 "pass-throughs ... batch_get").
func (m *Manager) BatchGet(ctx context.Context, table string, keys []kvstore.Item, level isolation.Level) ([]kvstore.Item, error) {
	out := make([]kvstore.Item, 0, len(keys))
	for _, k := range keys {
		item, ok, err := m.GetRow(ctx, table, k, level)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, item)
		}
	}
	return out, nil
}

// BreakLock is the deliberately-unsafe operator tool (spec §4.5): it strips
// the four reserved attributes from a row, but only when the transaction
// record named by txid is confirmed absent. Never call this while the
// owning transaction might still complete — doing so can leave a
// concurrently-applied write half-visible.
func (m *Manager) BreakLock(ctx context.Context, table string, k kvstore.Item, txid string) error {
	kk, err := m.schema.KeyOf(table, k)
	if err != nil {
		return err
	}
	if _, err := m.store.Load(ctx, txid); err == nil {
		return fmt.Errorf("txkv: break_lock: transaction %s still exists, refusing", txid)
	} else if _, notFound := err.(*errs.ErrTxNotFound); !notFound {
		return fmt.Errorf("txkv: break_lock: cannot confirm transaction %s is absent: %w", txid, err)
	}
	actions := map[string]kvstore.Action{
		m.attr("txid"):      {Kind: kvstore.ActionDelete},
		m.attr("date"):      {Kind: kvstore.ActionDelete},
		m.attr("transient"): {Kind: kvstore.ActionDelete},
		m.attr("applied"):   {Kind: kvstore.ActionDelete},
	}
	return m.iso.Client.Update(ctx, table, kk, actions, nil)
}

func (m *Manager) attr(suffix string) string { return m.cfg.ReservedPrefix + suffix }

// Sweeper builds a sweeper.Sweeper bound to this Manager's store, schema,
// and config, ready to drive with the given thresholds (spec §4.5 "runs the
// sweeper entry point").
func (m *Manager) Sweeper(th sweeper.Thresholds) *sweeper.Sweeper {
	return sweeper.New(m.store, m.schema, m.cfg, th)
}

// SweepPage runs one sweeper page over T_TX starting at token, recording
// every non-no-op outcome in Stats. It is the entry point a caller without
// its own scheduling wires into a periodic job; sweeper.Scheduler is the
// equivalent cron-driven convenience for the common case.
func (m *Manager) SweepPage(ctx context.Context, sw *sweeper.Sweeper, token string, pageSize int) (next string, err error) {
	recs, next, err := m.store.Scan(ctx, token, pageSize)
	if err != nil {
		return "", err
	}
	for _, rec := range recs {
		outcome, err := sw.Sweep(ctx, rec)
		if err != nil {
			return "", fmt.Errorf("txkv: sweep %s: %w", rec.TxID, err)
		}
		if outcome != sweeper.OutcomeNone {
			m.stats.incSwept()
		}
	}
	return next, nil
}

// Store exposes the underlying transaction-record store for callers that
// need direct Scan access (e.g. a caller rolling its own sweep loop instead
// of using sweeper.Scheduler).
func (m *Manager) Store() *txrecord.Store { return m.store }
