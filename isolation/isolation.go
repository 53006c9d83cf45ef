// Package isolation implements the two lock-free read handlers (spec §4.4):
// Uncommitted, which filters only for transient-but-unapplied rows, and
// Committed, which additionally consults the owning transaction's pre-image
// so a reader never observes an uncommitted write. Serializable reads are
// not a separate handler — they are a txcore.Coordinator.Get ReadLock call,
// since true serializability requires taking a lock.
package isolation

import (
	"context"
	"fmt"

	"github.com/txkv/txkv/errs"
	"github.com/txkv/txkv/key"
	"github.com/txkv/txkv/kvstore"
	"github.com/txkv/txkv/request"
	"github.com/txkv/txkv/schema"
	"github.com/txkv/txkv/txcore"
	"github.com/txkv/txkv/txrecord"
)

// Level selects a read isolation handler.
type Level uint8

const (
	LevelUncommitted Level = iota
	LevelCommitted
)

// Handler reads one row at a chosen isolation level, outside of any
// transaction of the caller's own.
type Handler struct {
	Client  kvstore.Client
	Records *txrecord.Store
	Schema  *schema.Cache
	Cfg     txcore.Config
}

// Get reads table/k at level, returning ok=false when the row is absent at
// that isolation level (which may differ from whether the row exists in the
// backing store, e.g. a transient unapplied row is reported absent).
func (h *Handler) Get(ctx context.Context, table string, k key.Key, level Level) (kvstore.Item, bool, error) {
	switch level {
	case LevelUncommitted:
		return h.getUncommitted(ctx, table, k)
	case LevelCommitted:
		return h.getCommitted(ctx, table, k)
	default:
		return nil, false, fmt.Errorf("isolation: unknown level %d", level)
	}
}

func (h *Handler) attrTxID() string      { return h.Cfg.ReservedPrefix + "txid" }
func (h *Handler) attrDate() string      { return h.Cfg.ReservedPrefix + "date" }
func (h *Handler) attrTransient() string { return h.Cfg.ReservedPrefix + "transient" }
func (h *Handler) attrApplied() string   { return h.Cfg.ReservedPrefix + "applied" }

func (h *Handler) isTransient(item kvstore.Item) bool {
	v, ok := item[h.attrTransient()]
	return ok && v.N != 0
}

func (h *Handler) isApplied(item kvstore.Item) bool {
	v, ok := item[h.attrApplied()]
	return ok && v.N != 0
}

func (h *Handler) lockOwner(item kvstore.Item) (string, bool) {
	v, ok := item[h.attrTxID()]
	if !ok {
		return "", false
	}
	return v.S, true
}

// getUncommitted implements spec §4.4 "Uncommitted."
func (h *Handler) getUncommitted(ctx context.Context, table string, k key.Key) (kvstore.Item, bool, error) {
	item, ok, err := h.Client.Get(ctx, table, k)
	if err != nil {
		return nil, false, fmt.Errorf("isolation: uncommitted get %s/%s: %w", table, k, err)
	}
	if !ok {
		return nil, false, nil
	}
	if h.isTransient(item) && !h.isApplied(item) {
		return nil, false, nil
	}
	return item, true, nil
}

// getCommitted implements spec §4.4 "Committed."
func (h *Handler) getCommitted(ctx context.Context, table string, k key.Key) (kvstore.Item, bool, error) {
	for attempt := 0; attempt < h.Cfg.ReadRetryAttempts; attempt++ {
		item, ok, err := h.Client.Get(ctx, table, k)
		if err != nil {
			return nil, false, fmt.Errorf("isolation: committed get %s/%s: %w", table, k, err)
		}
		if !ok {
			return nil, false, nil
		}
		if h.isTransient(item) {
			return nil, false, nil
		}
		if !h.isApplied(item) {
			return item, true, nil
		}
		owner, has := h.lockOwner(item)
		if !has {
			// Applied but no owner on record: the lock was already released
			// (commit finished concurrently); this is the committed state.
			return item, true, nil
		}
		rec, err := h.Records.Load(ctx, owner)
		if err != nil {
			if _, isNotFound := err.(*errs.ErrTxNotFound); isNotFound {
				// The owning transaction vanished between our reads (swept
				// or deleted after finalize); the row itself must have
				// since been unlocked too. Retry the whole read.
				continue
			}
			return nil, false, err
		}
		if rec.State == txrecord.StateCommitted {
			return item, true, nil
		}

		rid, found, rerr := h.ridFor(rec, table, k)
		if rerr != nil {
			return nil, false, rerr
		}
		if !found {
			// The owning request has not yet been recorded against this
			// rid in our snapshot of the record; retry.
			continue
		}
		img, ok, err := h.Records.LoadItemImage(ctx, owner, rid)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			// The owning transaction must have completed and cleaned up its
			// pre-image between our reads; retry with a fresh snapshot.
			continue
		}
		clean := img.Clone()
		delete(clean, h.attrTxID())
		delete(clean, h.attrDate())
		delete(clean, h.attrTransient())
		return clean, true, nil
	}
	return nil, false, fmt.Errorf("isolation: committed get %s/%s: exceeded %d retries", table, k, h.Cfg.ReadRetryAttempts)
}

// ridFor finds the rid of the request in rec that addresses table/k,
// resolving PutRow's key via the schema cache since a PutRow request carries
// only the full item, not a standalone key.
func (h *Handler) ridFor(rec *txrecord.Record, table string, k key.Key) (uint64, bool, error) {
	for _, r := range rec.Requests {
		if r.Table != table {
			continue
		}
		rk := r.Key
		if r.Kind == request.KindPut {
			resolved, err := h.Schema.KeyOf(table, r.Item)
			if err != nil {
				return 0, false, err
			}
			rk = resolved
		}
		if rk.Equal(k) {
			return r.Rid, true, nil
		}
	}
	return 0, false, nil
}
