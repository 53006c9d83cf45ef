package sweeper

import (
	"context"
	"testing"
)

func TestNewSchedulerRejectsInvalidCronExpr(t *testing.T) {
	sw, _, _, _ := newFixture(t, 1000)
	if _, err := NewScheduler(sw, "not a cron expression", 10, nil); err == nil {
		t.Fatalf("expected an invalid CRON expression to be rejected")
	}
}

func TestNewSchedulerAcceptsStandardFiveFieldExpr(t *testing.T) {
	sw, _, _, _ := newFixture(t, 1000)
	sched, err := NewScheduler(sw, "*/5 * * * *", 10, nil)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if sched == nil {
		t.Fatalf("expected a non-nil scheduler")
	}
}

func TestSchedulerStartStopIsIdempotent(t *testing.T) {
	sw, _, _, _ := newFixture(t, 1000)
	sched, err := NewScheduler(sw, "@every 1h", 10, nil)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start()
	sched.Start() // second call must be a no-op, not a panic or double-start
	sched.Stop()
	sched.Stop() // likewise for Stop before any firing has occurred
}

func TestSchedulerRunOnceSweepsEveryRecord(t *testing.T) {
	ctx := context.Background()
	sw, store, _, _ := newFixture(t, 1000)
	for _, txid := range []string{"tx1", "tx2"} {
		if _, err := store.Insert(ctx, txid); err != nil {
			t.Fatalf("insert %s: %v", txid, err)
		}
	}
	sched, err := NewScheduler(sw, "@every 1h", 10, nil)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	// runOnce is unexported but lives in this package; exercise it directly
	// rather than waiting on a real cron tick. Both records are fresh
	// Pending ones within the threshold, so this just proves the pagination
	// loop reaches every record without error and leaves them alone.
	sched.runOnce()

	for _, txid := range []string{"tx1", "tx2"} {
		if _, err := store.Load(ctx, txid); err != nil {
			t.Fatalf("expected %s to still be present after a no-op sweep pass, got %v", txid, err)
		}
	}
}
