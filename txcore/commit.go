package txcore

import (
	"context"
	"fmt"

	"github.com/txkv/txkv/errs"
	"github.com/txkv/txkv/key"
	"github.com/txkv/txkv/kvstore"
	"github.com/txkv/txkv/request"
	"github.com/txkv/txkv/txrecord"
)

// Commit implements spec §4.3-G. It is idempotent (spec §8 "Commit-
// idempotence"): calling Commit on an already-Committed transaction simply
// re-drives cleanup and returns nil.
func (c *Coordinator) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commitLocked(ctx)
}

func (c *Coordinator) commitLocked(ctx context.Context) error {
	for attempt := 0; attempt < c.cfg.CommitAttempts; attempt++ {
		reloaded, err := c.store.Load(ctx, c.rec.TxID)
		if err != nil {
			return err
		}
		c.rec = reloaded
		switch reloaded.State {
		case txrecord.StateCommitted:
			return c.doCommit(ctx)
		case txrecord.StateRolledBack:
			if err := c.doRollback(ctx); err != nil {
				return err
			}
			return &errs.ErrTxRolledBack{TxID: c.rec.TxID}
		default: // Pending
			if err := c.verifyLocksLocked(ctx); err != nil {
				return err
			}
			err := c.store.Finish(ctx, c.rec, txrecord.StateCommitted, c.rec.Version)
			if err == nil {
				return c.doCommit(ctx)
			}
			if !errs.IsConditionFailed(err) {
				return err
			}
			// Lost the race: a concurrent AddRequest bumped the
			// version, or another coordinator already finished this
			// transaction. Loop and reload to find out which.
		}
	}
	return fmt.Errorf("txcore: commit %s: exceeded %d attempts", c.rec.TxID, c.cfg.CommitAttempts)
}

// Rollback implements spec §4.3-H. Per spec §8 "Rollback-idempotence," it
// either drives cleanup to completion or raises TxCommitted, but never
// partially restores an item.
func (c *Coordinator) Rollback(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollbackLocked(ctx, c.cfg.CommitAttempts)
}

func (c *Coordinator) rollbackLocked(ctx context.Context, attemptsLeft int) error {
	if attemptsLeft <= 0 {
		return fmt.Errorf("txcore: rollback %s: exceeded retry budget", c.rec.TxID)
	}
	err := c.store.Finish(ctx, c.rec, txrecord.StateRolledBack, c.rec.Version)
	if err == nil {
		return c.doRollback(ctx)
	}
	if !errs.IsConditionFailed(err) {
		return err
	}
	reloaded, lerr := c.store.Load(ctx, c.rec.TxID)
	if lerr != nil {
		return lerr
	}
	c.rec = reloaded
	switch reloaded.State {
	case txrecord.StatePending:
		// Version moved (a concurrent AddRequest); retry against the
		// freshly observed version.
		return c.rollbackLocked(ctx, attemptsLeft-1)
	case txrecord.StateCommitted:
		if err := c.doCommit(ctx); err != nil {
			return err
		}
		return &errs.ErrTxCommitted{TxID: c.rec.TxID}
	case txrecord.StateRolledBack:
		return c.doRollback(ctx)
	default:
		return &errs.ErrAssertion{Invariant: fmt.Sprintf("unreachable transaction state %q", reloaded.State)}
	}
}

// doCommit drives a Committed record's per-request unlock, pre-image
// deletion, and finalize. Every step is conditioned on current ownership so
// it is safe for two coordinators to run doCommit concurrently (spec §4.3-G
// "Completion failures from any step are safe to retry").
func (c *Coordinator) doCommit(ctx context.Context) error {
	for _, r := range c.rec.Requests {
		if err := c.unlockForCommit(ctx, r); err != nil {
			return err
		}
	}
	for _, r := range c.rec.Requests {
		if err := c.store.DeleteItemImage(ctx, c.rec.TxID, r.Rid); err != nil {
			return err
		}
	}
	if err := c.store.Finalize(ctx, c.rec, txrecord.StateCommitted); err != nil {
		if errs.IsConditionFailed(err) {
			return nil // record no longer Committed: finalized and deleted by another coordinator
		}
		return err
	}
	c.rec.Finalized = true
	return nil
}

// doRollback drives a RolledBack record's per-request restore-and-release,
// pre-image deletion, and finalize.
func (c *Coordinator) doRollback(ctx context.Context) error {
	for _, r := range c.rec.Requests {
		if err := c.rollbackItemAndReleaseLock(ctx, r); err != nil {
			return err
		}
	}
	for _, r := range c.rec.Requests {
		if err := c.store.DeleteItemImage(ctx, c.rec.TxID, r.Rid); err != nil {
			return err
		}
	}
	if err := c.store.Finalize(ctx, c.rec, txrecord.StateRolledBack); err != nil {
		if errs.IsConditionFailed(err) {
			return nil
		}
		return err
	}
	c.rec.Finalized = true
	return nil
}

// unlockForCommit implements spec §4.3-G step 1.
func (c *Coordinator) unlockForCommit(ctx context.Context, req request.Request) error {
	k, err := c.requestKey(req)
	if err != nil {
		return err
	}
	switch req.Kind {
	case request.KindPut, request.KindUpdate:
		actions := map[string]kvstore.Action{
			c.cfg.attrTxID():      {Kind: kvstore.ActionDelete},
			c.cfg.attrDate():      {Kind: kvstore.ActionDelete},
			c.cfg.attrTransient(): {Kind: kvstore.ActionDelete},
			c.cfg.attrApplied():   {Kind: kvstore.ActionDelete},
		}
		cond := kvstore.Conditions{c.cfg.attrTxID(): kvstore.EqualTo(key.S(c.rec.TxID))}
		err := c.store.Client.Update(ctx, req.Table, k, actions, cond)
		if err != nil && errs.IsConditionFailed(err) {
			return nil
		}
		return err
	case request.KindDelete:
		cond := kvstore.Conditions{c.cfg.attrTxID(): kvstore.EqualTo(key.S(c.rec.TxID))}
		err := c.store.Client.Delete(ctx, req.Table, k, cond)
		if err != nil && errs.IsConditionFailed(err) {
			return nil
		}
		return err
	case request.KindReadLock:
		return c.releaseReadLock(ctx, req.Table, k)
	default:
		return &errs.ErrAssertion{Invariant: "unknown request kind at unlock"}
	}
}

// releaseReadLock implements spec §4.3-J.
func (c *Coordinator) releaseReadLock(ctx context.Context, table string, k key.Key) error {
	actions := map[string]kvstore.Action{
		c.cfg.attrTxID(): {Kind: kvstore.ActionDelete},
		c.cfg.attrDate(): {Kind: kvstore.ActionDelete},
	}
	cond := kvstore.Conditions{
		c.cfg.attrTxID():      kvstore.EqualTo(key.S(c.rec.TxID)),
		c.cfg.attrTransient(): kvstore.NotExists(),
		c.cfg.attrApplied():   kvstore.NotExists(),
	}
	err := c.store.Client.Update(ctx, table, k, actions, cond)
	if err == nil {
		return nil
	}
	if !errs.IsConditionFailed(err) {
		return err
	}
	// Phantom case: the lock was taken by a read on a row that did not
	// exist before.
	cond2 := kvstore.Conditions{
		c.cfg.attrTxID():      kvstore.EqualTo(key.S(c.rec.TxID)),
		c.cfg.attrTransient(): kvstore.EqualTo(key.N(1)),
	}
	derr := c.store.Client.Delete(ctx, table, k, cond2)
	if derr == nil || errs.IsConditionFailed(derr) {
		return nil
	}
	return derr
}

// rollbackItemAndReleaseLock implements spec §4.3-I.
func (c *Coordinator) rollbackItemAndReleaseLock(ctx context.Context, req request.Request) error {
	k, err := c.requestKey(req)
	if err != nil {
		return err
	}
	if req.Kind == request.KindReadLock {
		return c.releaseReadLock(ctx, req.Table, k)
	}

	img, ok, err := c.store.LoadItemImage(ctx, c.rec.TxID, req.Rid)
	if err != nil {
		return err
	}
	if ok {
		restored := img.Clone()
		delete(restored, c.cfg.attrTxID())
		delete(restored, c.cfg.attrDate())
		delete(restored, c.cfg.attrTransient())
		if isApplied(restored, c.cfg) {
			return &errs.ErrAssertion{Invariant: "pre-image carries _applied"}
		}
		cond := kvstore.Conditions{c.cfg.attrTxID(): kvstore.EqualTo(key.S(c.rec.TxID))}
		err := c.store.Client.Put(ctx, req.Table, k, restored, cond)
		if err != nil && !errs.IsConditionFailed(err) {
			return err
		}
		return nil
	}

	// No pre-image: the row was transient (did not exist before the
	// transaction touched it).
	cond := kvstore.Conditions{
		c.cfg.attrTxID():      kvstore.EqualTo(key.S(c.rec.TxID)),
		c.cfg.attrTransient(): kvstore.EqualTo(key.N(1)),
	}
	err = c.store.Client.Delete(ctx, req.Table, k, cond)
	if err == nil {
		return nil
	}
	if !errs.IsConditionFailed(err) {
		return err
	}
	item, ok2, gerr := c.store.Client.Get(ctx, req.Table, k)
	if gerr != nil {
		return gerr
	}
	if !ok2 {
		return nil // ownership already released by another coordinator
	}
	owner, has := lockOwner(item, c.cfg)
	if !has || owner != c.rec.TxID {
		return nil // ownership gone
	}
	if isApplied(item, c.cfg) {
		return &errs.ErrAssertion{Invariant: "transient item applied with no pre-image"}
	}
	return c.releaseReadLock(ctx, req.Table, k)
}

// DeleteRecord removes the underlying transaction record once it is
// finalized (spec §4.2 Delete), for use by a caller that wants to clean up
// immediately rather than waiting for the sweeper.
func (c *Coordinator) DeleteRecord(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Delete(ctx, c.rec.TxID)
}
