package txcore

import (
	"context"

	"github.com/txkv/txkv/errs"
	"github.com/txkv/txkv/key"
	"github.com/txkv/txkv/kvstore"
)

// lockItem implements spec §4.3-B and §4.3-K: acquire _txid/_date on the
// user row, trying the expect-exists shape first and flipping to
// expect-not-exists (which also stamps _transient) when the row turns out
// not to exist, resolving contention with another transaction's owner by
// rolling it back and retrying, up to the configured attempt budgets.
func (c *Coordinator) lockItem(ctx context.Context, table string, k key.Key) (kvstore.Item, error) {
	expectNotExists := false
	contentionTries := 0
	lastOwner := "unknown"
	var lastErr error

	for attempt := 0; attempt < c.cfg.LockAttempts; attempt++ {
		item, locked, owner, err := c.tryLock(ctx, table, k, expectNotExists)
		if err != nil {
			return nil, err
		}
		if locked {
			return item, nil
		}
		switch {
		case owner == c.rec.TxID:
			return item, nil
		case owner == "":
			// Our existence assumption was wrong; flip shape and retry
			// without spending a contention attempt.
			expectNotExists = !expectNotExists
			continue
		default:
			lastOwner = owner
			if contentionTries >= c.cfg.ContentionAttempts {
				return nil, &errs.ErrItemNotLocked{Table: table, Key: k.String(), Owner: owner}
			}
			contentionTries++
			if err := c.resolveContention(ctx, owner); err != nil {
				lastErr = err
			}
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, &errs.ErrItemNotLocked{Table: table, Key: k.String(), Owner: lastOwner}
}

// tryLock performs one conditional lock attempt. When the condition fails it
// reads the row back to disambiguate: owner == c.rec.TxID means we already
// hold it (idempotent retry), owner == "" means the row's existence did not
// match expectNotExists, and any other owner means contention with another
// transaction.
func (c *Coordinator) tryLock(ctx context.Context, table string, k key.Key, expectNotExists bool) (item kvstore.Item, locked bool, owner string, err error) {
	actions := map[string]kvstore.Action{
		c.cfg.attrTxID(): {Kind: kvstore.ActionPut, Value: key.S(c.rec.TxID)},
		c.cfg.attrDate(): {Kind: kvstore.ActionPut, Value: key.N(float64(c.nowUnix()))},
	}
	cond := kvstore.Conditions{c.cfg.attrTxID(): kvstore.NotExists()}
	if expectNotExists {
		actions[c.cfg.attrTransient()] = kvstore.Action{Kind: kvstore.ActionPut, Value: key.N(1)}
		for attr := range k.Attrs() {
			cond[attr] = kvstore.NotExists()
		}
	} else {
		for attr, v := range k.Attrs() {
			cond[attr] = kvstore.EqualTo(v)
		}
	}

	werr := c.store.Client.Update(ctx, table, k, actions, cond)
	if werr == nil {
		got, ok, gerr := c.store.Client.Get(ctx, table, k)
		if gerr != nil {
			return nil, false, "", gerr
		}
		if !ok {
			return nil, false, "", &errs.ErrAssertion{Invariant: "row vanished immediately after successful lock write"}
		}
		return got, true, "", nil
	}
	if !errs.IsConditionFailed(werr) {
		return nil, false, "", werr
	}

	got, ok, gerr := c.store.Client.Get(ctx, table, k)
	if gerr != nil {
		return nil, false, "", gerr
	}
	if !ok {
		return nil, false, "", nil
	}
	if o, has := lockOwner(got, c.cfg); has {
		return got, false, o, nil
	}
	return got, false, "", nil
}

// resolveContention implements spec §4.3-K: load the blocking transaction
// and roll it back, releasing its lock so our next lockItem attempt can
// proceed. Errors from the resolve attempt are swallowed as "try again" —
// the caller's remaining lock attempts will surface a fresh ItemNotLocked if
// contention persists.
func (c *Coordinator) resolveContention(ctx context.Context, owner string) error {
	other, err := Resume(ctx, c.store, c.schema, c.cfg, owner)
	if err != nil {
		if _, ok := err.(*errs.ErrTxNotFound); ok {
			// Owner vanished (e.g. swept) between our read and now;
			// the lock will already be gone or will be on our next try.
			return nil
		}
		return nil
	}
	if err := other.Rollback(ctx); err != nil {
		// TxCommitted means the other transaction beat us to completion;
		// that is a legitimate outcome (spec scenario S1), not a failure
		// of contention resolution itself.
		return nil
	}
	return nil
}
