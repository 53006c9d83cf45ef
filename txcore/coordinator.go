package txcore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/txkv/txkv/errs"
	"github.com/txkv/txkv/key"
	"github.com/txkv/txkv/kvstore"
	"github.com/txkv/txkv/request"
	"github.com/txkv/txkv/schema"
	"github.com/txkv/txkv/txrecord"
)

// Coordinator is a short-lived driver of one transaction, parameterized over
// a durable txrecord.Record handle (spec §9: "the coordinator is a
// short-lived value parameterized over a record handle"). Multiple
// Coordinator values — in one process or many — may drive the same txid;
// safety comes from every write being conditioned on the record's version
// or the row's current owner, never from in-process exclusion between
// coordinators of the same transaction, except the one that a single
// Coordinator value itself requires (spec §5: "coarse-grained mutual
// exclusion around driveRequest, commit, rollback, and delete").
type Coordinator struct {
	store  *txrecord.Store
	schema *schema.Cache
	cfg    Config
	now    func() time.Time

	mu  sync.Mutex
	rec *txrecord.Record

	// fullyApplied remembers which Rids *this* coordinator has already
	// driven through lock+save+apply, so VerifyLocks (spec §4.3-F) can
	// skip redundant work; it is an optimization, never a correctness
	// requirement, since every step it would skip is itself idempotent.
	fullyApplied map[uint64]bool
}

// New starts a brand-new Pending transaction.
func New(ctx context.Context, store *txrecord.Store, sc *schema.Cache, cfg Config, txid string) (*Coordinator, error) {
	rec, err := store.Insert(ctx, txid)
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		store:        store,
		schema:       sc,
		cfg:          cfg,
		now:          time.Now,
		rec:          rec,
		fullyApplied: make(map[uint64]bool),
	}, nil
}

// Resume attaches a fresh Coordinator to an existing transaction record —
// the coordinator-hand-off entry point (spec §3, §9): a second coordinator
// may resume a txid left behind by a crashed one and drive it to
// completion. Because fullyApplied starts empty, the resumed coordinator's
// first Commit or new request runs VerifyLocks over every already-added
// request; Rollback does not run VerifyLocks.
func Resume(ctx context.Context, store *txrecord.Store, sc *schema.Cache, cfg Config, txid string) (*Coordinator, error) {
	rec, err := store.Load(ctx, txid)
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		store:        store,
		schema:       sc,
		cfg:          cfg,
		now:          time.Now,
		rec:          rec,
		fullyApplied: make(map[uint64]bool),
	}, nil
}

// TxID returns the transaction identifier.
func (c *Coordinator) TxID() string { return c.rec.TxID }

// Version returns the transaction record's current version counter,
// primarily for tests and the sweeper.
func (c *Coordinator) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.Version
}

func (c *Coordinator) nowUnix() int64 { return c.now().Unix() }

// requestKey resolves the (table, key) a request addresses, consulting the
// schema cache for Put requests whose key attributes live inside Item.
func (c *Coordinator) requestKey(req request.Request) (key.Key, error) {
	if req.Kind == request.KindPut {
		return c.schema.KeyOf(req.Table, req.Item)
	}
	return req.Key, nil
}

// driveRequest runs spec §4.3 steps A through F for one request and returns
// once it has been durably added, locked, image-saved, and applied (or the
// transaction has reached a terminal state, in which case a terminal error
// is returned per spec §7).
func (c *Coordinator) driveRequest(ctx context.Context, req request.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.driveRequestLocked(ctx, req)
}

func (c *Coordinator) driveRequestLocked(ctx context.Context, req request.Request) error {
	// (A) Verify existing locks, then add the new request to the record.
	if err := c.verifyLocksLocked(ctx); err != nil {
		return err
	}
	if err := request.Validate(req, c.cfg.ReservedPrefix); err != nil {
		return err
	}
	rk, err := c.requestKey(req)
	if err != nil {
		return err
	}
	for _, existing := range c.rec.Requests {
		ek, err := c.requestKey(existing)
		if err != nil {
			return err
		}
		if existing.IsMutating() && req.IsMutating() && ek.Equal(rk) {
			return &errs.ErrDuplicateRequest{Table: req.Table, Key: rk.String()}
		}
	}
	rec, err := c.addRequestWithReclassify(ctx, req)
	if err != nil {
		return err
	}
	c.rec = rec
	added := c.rec.Requests[len(c.rec.Requests)-1]
	return c.driveOneLocked(ctx, added)
}

// addRequestWithReclassify implements spec §4.3-A's "If AddRequest fails
// because state != Pending, surface committed/rolled-back/unknown
// accordingly."
func (c *Coordinator) addRequestWithReclassify(ctx context.Context, req request.Request) (*txrecord.Record, error) {
	rec, err := c.store.AddRequest(ctx, c.rec, req)
	if err == nil {
		return rec, nil
	}
	if !errs.IsConditionFailed(err) {
		return nil, err
	}
	reloaded, lerr := c.store.Load(ctx, c.rec.TxID)
	if lerr != nil {
		if _, ok := lerr.(*errs.ErrTxNotFound); ok {
			// The record vanished after we last observed it: the outcome
			// is unknown.
			return nil, txrecord.Classify(nil, c.rec.TxID)
		}
		return nil, lerr
	}
	if reloaded.State == txrecord.StatePending {
		// Lost the version race against a concurrent coordinator; retry
		// once against the freshly observed version.
		c.rec = reloaded
		return c.store.AddRequest(ctx, c.rec, req)
	}
	return nil, txrecord.Classify(reloaded, c.rec.TxID)
}

// verifyLocksLocked runs spec §4.3-F: for every request already in the
// record that this coordinator has not itself fully applied, re-drive
// lock+save+apply. This is how a second coordinator catches up on a
// partially-applied transaction without redoing work the first one already
// observed complete.
func (c *Coordinator) verifyLocksLocked(ctx context.Context) error {
	for _, r := range c.rec.Requests {
		if c.fullyApplied[r.Rid] {
			continue
		}
		if err := c.driveOneLocked(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// driveOneLocked runs steps B through E for a single already-recorded
// request: lock, save pre-image, re-verify record state, apply.
func (c *Coordinator) driveOneLocked(ctx context.Context, req request.Request) error {
	k, err := c.requestKey(req)
	if err != nil {
		return err
	}

	item, err := c.lockItem(ctx, req.Table, k)
	if err != nil {
		return err
	}

	if err := c.saveImageIfNeeded(ctx, req, item); err != nil {
		return err
	}

	if err := c.reverifyRecordState(ctx, req.Table, k); err != nil {
		return err
	}

	if err := c.applyRequest(ctx, req, item); err != nil {
		return err
	}

	c.fullyApplied[req.Rid] = true
	return nil
}

// saveImageIfNeeded implements spec §4.3-C.
func (c *Coordinator) saveImageIfNeeded(ctx context.Context, req request.Request, item kvstore.Item) error {
	if !req.IsMutating() {
		return nil
	}
	if isTransient(item, c.cfg) {
		return nil
	}
	if isApplied(item, c.cfg) {
		return nil
	}
	return c.store.SaveItemImage(ctx, c.rec.TxID, req.Rid, item)
}

// reverifyRecordState implements spec §4.3-D: reload the record; if it has
// advanced past Pending, drive the corresponding completion path on the
// just-taken lock and surface the matching terminal error.
func (c *Coordinator) reverifyRecordState(ctx context.Context, table string, k key.Key) error {
	reloaded, err := c.store.Load(ctx, c.rec.TxID)
	if err != nil {
		if _, ok := err.(*errs.ErrTxNotFound); ok {
			// The record vanished between lock acquisition and this
			// re-read; release the lock we just took and surface TxNotFound
			// (spec §9 open question: documented as best-effort).
			_ = c.releaseReadLock(ctx, table, k)
			return err
		}
		return err
	}
	c.rec = reloaded
	switch reloaded.State {
	case txrecord.StateCommitted:
		if err := c.doCommit(ctx); err != nil {
			return err
		}
		return &errs.ErrTxCommitted{TxID: c.rec.TxID}
	case txrecord.StateRolledBack:
		if err := c.doRollback(ctx); err != nil {
			return err
		}
		return &errs.ErrTxRolledBack{TxID: c.rec.TxID}
	default:
		return nil
	}
}

// applyRequest implements spec §4.3-E.
func (c *Coordinator) applyRequest(ctx context.Context, req request.Request, item kvstore.Item) error {
	if isApplied(item, c.cfg) {
		return nil
	}
	switch req.Kind {
	case request.KindPut, request.KindUpdate:
		k, err := c.requestKey(req)
		if err != nil {
			return err
		}
		actions := map[string]kvstore.Action{}
		switch req.Kind {
		case request.KindPut:
			// A Put replaces the whole row: drop every non-reserved
			// attribute the item does not carry, keep the lock attributes.
			for attr := range item {
				if !strings.HasPrefix(attr, c.cfg.ReservedPrefix) {
					actions[attr] = kvstore.Action{Kind: kvstore.ActionDelete}
				}
			}
			for attr, v := range req.Item {
				actions[attr] = kvstore.Action{Kind: kvstore.ActionPut, Value: v}
			}
		case request.KindUpdate:
			for attr, a := range req.Updates {
				actions[attr] = a
			}
		}
		actions[c.cfg.attrApplied()] = kvstore.Action{Kind: kvstore.ActionPut, Value: key.N(1)}
		cond := kvstore.Conditions{
			c.cfg.attrTxID():    kvstore.EqualTo(key.S(c.rec.TxID)),
			c.cfg.attrApplied(): kvstore.NotExists(),
		}
		err = c.store.Client.Update(ctx, req.Table, k, actions, cond)
		if err != nil && errs.IsConditionFailed(err) {
			// Another coordinator applied it first, or we raced
			// ourselves; apply-at-most-once means this is success.
			return nil
		}
		return err
	case request.KindDelete, request.KindReadLock:
		// No row mutation at apply time (spec §4.3-E); delete is
		// realized at unlock-after-commit, read-lock never mutates.
		return nil
	default:
		return &errs.ErrAssertion{Invariant: fmt.Sprintf("unknown request kind %v at apply", req.Kind)}
	}
}

func isTransient(item kvstore.Item, cfg Config) bool {
	v, ok := item[cfg.attrTransient()]
	return ok && v.N != 0
}

func isApplied(item kvstore.Item, cfg Config) bool {
	v, ok := item[cfg.attrApplied()]
	return ok && v.N != 0
}

func lockOwner(item kvstore.Item, cfg Config) (string, bool) {
	v, ok := item[cfg.attrTxID()]
	if !ok {
		return "", false
	}
	return v.S, true
}
