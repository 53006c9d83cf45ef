// Package sweeper implements the externally-driven reclamation routine (spec
// §4.6): for every transaction record the caller hands it, decide whether to
// delete it, roll it back, or drive it to finalized, and do so. Sweep itself
// never scans or schedules; callers paginate via txrecord.Store.Scan and
// invoke Sweep per record, or use the Scheduler (scheduler.go) for a
// cron-driven wrapper that does both.
package sweeper

import (
	"context"
	"time"

	"github.com/txkv/txkv/errs"
	"github.com/txkv/txkv/schema"
	"github.com/txkv/txkv/txcore"
	"github.com/txkv/txkv/txrecord"
)

// Thresholds bounds how long a transaction record may sit in each
// reclaimable state before the sweeper acts on it.
type Thresholds struct {
	// RollbackAfter is how long a Pending record may go without an update
	// before the sweeper forces a rollback.
	RollbackAfter time.Duration

	// DeleteAfter is how long a finalized record is kept before the sweeper
	// deletes it outright.
	DeleteAfter time.Duration
}

// Outcome reports what Sweep did to one record, for caller logging/metrics.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeDeleted
	OutcomeRolledBack
	OutcomeFinalized
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDeleted:
		return "deleted"
	case OutcomeRolledBack:
		return "rolled_back"
	case OutcomeFinalized:
		return "finalized"
	default:
		return "none"
	}
}

// Sweeper carries the collaborators one per-record Sweep call needs.
type Sweeper struct {
	Store      *txrecord.Store
	Schema     *schema.Cache
	Cfg        txcore.Config
	Thresholds Thresholds
	Now        func() time.Time
}

// New builds a Sweeper with time.Now as its clock.
func New(store *txrecord.Store, sc *schema.Cache, cfg txcore.Config, th Thresholds) *Sweeper {
	return &Sweeper{Store: store, Schema: sc, Cfg: cfg, Thresholds: th, Now: time.Now}
}

// Sweep implements the spec §4.6 per-record action:
//
//   - finalized and last_updated + DeleteAfter < now  => delete
//   - Pending and last_updated + RollbackAfter < now   => rollback (swallow
//     TxCompleted: the transaction may have finished between our scan read
//     and this call)
//   - Committed or RolledBack but not finalized        => drive to finalized
//     (a rollback call on a Committed record is safe — doCommit converges)
//   - otherwise                                        => no-op
func (s *Sweeper) Sweep(ctx context.Context, rec *txrecord.Record) (Outcome, error) {
	now := s.Now().Unix()

	if rec.Finalized {
		if time.Duration(now-rec.LastUpdated)*time.Second > s.Thresholds.DeleteAfter {
			if err := s.Store.Delete(ctx, rec.TxID); err != nil {
				return OutcomeNone, err
			}
			return OutcomeDeleted, nil
		}
		return OutcomeNone, nil
	}

	switch rec.State {
	case txrecord.StatePending:
		if time.Duration(now-rec.LastUpdated)*time.Second <= s.Thresholds.RollbackAfter {
			return OutcomeNone, nil
		}
		co, err := txcore.Resume(ctx, s.Store, s.Schema, s.Cfg, rec.TxID)
		if err != nil {
			if isAlreadyGone(err) {
				return OutcomeNone, nil
			}
			return OutcomeNone, err
		}
		if err := co.Rollback(ctx); err != nil {
			if isAlreadyGone(err) {
				return OutcomeRolledBack, nil
			}
			return OutcomeNone, err
		}
		return OutcomeRolledBack, nil
	case txrecord.StateCommitted, txrecord.StateRolledBack:
		co, err := txcore.Resume(ctx, s.Store, s.Schema, s.Cfg, rec.TxID)
		if err != nil {
			if isAlreadyGone(err) {
				return OutcomeNone, nil
			}
			return OutcomeNone, err
		}
		// Rollback on an already-Committed record safely drives doCommit and
		// returns TxCommitted; on an already-RolledBack one it drives
		// doRollback directly. Either path finalizes.
		if err := co.Rollback(ctx); err != nil && !isAlreadyGone(err) {
			return OutcomeNone, err
		}
		return OutcomeFinalized, nil
	default:
		return OutcomeNone, nil
	}
}

// isAlreadyGone reports whether err is one of the terminal/not-found kinds
// the sweeper treats as "nothing more to do here" rather than a failure
// (spec §4.6 "swallowing TxCompleted").
func isAlreadyGone(err error) bool {
	switch err.(type) {
	case *errs.ErrTxCommitted, *errs.ErrTxRolledBack, *errs.ErrTxNotFound, *errs.ErrTxUnknownCompleted:
		return true
	default:
		return false
	}
}
