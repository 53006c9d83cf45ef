package sweeper

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler drives a Sweeper on a CRON schedule, paging through T_TX on each
// firing. It lives in its own package, never imported by txcore or
// txrecord, so the protocol core itself still starts no goroutines (spec
// §5): a caller who never constructs a Scheduler gets none.
type Scheduler struct {
	sweeper  *Sweeper
	cron     *cron.Cron
	pageSize int
	log      *log.Logger

	mu      sync.Mutex
	running bool
}

// NewScheduler builds a Scheduler that calls Sweep over every page of T_TX
// on each firing of cronExpr (standard five-field CRON, minute resolution).
// logger may be nil, in which case sweep activity is discarded.
func NewScheduler(sw *Sweeper, cronExpr string, pageSize int, logger *log.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Scheduler{
		sweeper:  sw,
		cron:     cron.New(),
		pageSize: pageSize,
		log:      logger,
	}
	if _, err := s.cron.AddFunc(cronExpr, s.runOnce); err != nil {
		return nil, fmt.Errorf("sweeper: invalid schedule %q: %w", cronExpr, err)
	}
	return s, nil
}

// Start begins firing on the configured schedule. Safe to call once; a
// second call is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
}

// Stop halts future firings and waits for any in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.running = false
}

// runOnce pages through the entire transaction table once, sweeping every
// record it sees.
func (s *Scheduler) runOnce() {
	ctx := context.Background()
	token := ""
	swept := map[Outcome]int{}
	for {
		recs, next, err := s.sweeper.Store.Scan(ctx, token, s.pageSize)
		if err != nil {
			s.log.Printf("sweeper: scan failed: %v", err)
			return
		}
		for _, rec := range recs {
			outcome, err := s.sweeper.Sweep(ctx, rec)
			if err != nil {
				s.log.Printf("sweeper: sweep %s failed: %v", rec.TxID, err)
				continue
			}
			swept[outcome]++
		}
		if next == "" {
			break
		}
		token = next
	}
	s.log.Printf("sweeper: pass complete: deleted=%d rolled_back=%d finalized=%d",
		swept[OutcomeDeleted], swept[OutcomeRolledBack], swept[OutcomeFinalized])
}
