package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/chatline/commission-engine/internal/config"
	"github.com/chatline/commission-engine/internal/ledger"
	"github.com/chatline/commission-engine/internal/model"
	"github.com/chatline/commission-engine/internal/store"
)

func setup(t *testing.T) (*Scheduler, *ledger.Ledger, *store.MemoryStore, *config.Snapshot) {
	t.Helper()
	st := store.NewMemoryStore()
	cfg := config.Default()
	holder := config.NewHolder(cfg)
	led := ledger.New(st, holder, nil)
	return New(st, led, holder, time.Minute), led, st, cfg
}

func post(t *testing.T, led *ledger.Ledger, chatterID, sourceID string, at time.Time) string {
	t.Helper()
	posted, err := led.Post(context.Background(), []ledger.PricedIntent{{Intent: model.CommissionIntent{
		ChatterID:  chatterID,
		Type:       model.TypeClientCall,
		BaseAmount: 1000,
		Source:     model.SourceRef{Kind: model.SourceCall, ID: sourceID},
	}}}, at)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return posted[0].ID
}

func TestSweepValidatesAfterHold(t *testing.T) {
	sched, led, st, cfg := setup(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	dueID := post(t, led, "alice", "call-old", created)
	freshID := post(t, led, "alice", "call-new", created.Add(cfg.ValidationHold))

	sched.Sweep(ctx, created.Add(cfg.ValidationHold))

	due, _ := st.GetRecord(ctx, dueID)
	if due.Status != model.StatusValidated {
		t.Errorf("due record status = %s, want validated", due.Status)
	}
	fresh, _ := st.GetRecord(ctx, freshID)
	if fresh.Status != model.StatusPending {
		t.Errorf("fresh record status = %s, want pending", fresh.Status)
	}
}

func TestSweepReleasesFromValidationTimestamp(t *testing.T) {
	sched, led, st, cfg := setup(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	id := post(t, led, "alice", "call-1", created)

	// First sweep validates; the same sweep must not also release, because
	// the release delay counts from validation, not creation.
	validatedAt := created.Add(cfg.ValidationHold)
	sched.Sweep(ctx, validatedAt)
	rec, _ := st.GetRecord(ctx, id)
	if rec.Status != model.StatusValidated {
		t.Fatalf("status = %s after first sweep, want validated", rec.Status)
	}

	// Before the release delay elapses, still validated.
	sched.Sweep(ctx, validatedAt.Add(cfg.ReleaseDelay-time.Minute))
	rec, _ = st.GetRecord(ctx, id)
	if rec.Status != model.StatusValidated {
		t.Errorf("status = %s before release delay, want validated", rec.Status)
	}

	sched.Sweep(ctx, validatedAt.Add(cfg.ReleaseDelay))
	rec, _ = st.GetRecord(ctx, id)
	if rec.Status != model.StatusAvailable {
		t.Errorf("status = %s after release delay, want available", rec.Status)
	}

	b, _ := st.GetBalance(ctx, "alice")
	if b.Available != 1000 || b.Pending != 0 || b.Validated != 0 {
		t.Errorf("buckets after full lifecycle: %+v", b)
	}
}

func TestSweepSkipsCancelled(t *testing.T) {
	sched, led, st, cfg := setup(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	id := post(t, led, "alice", "call-1", created)
	if _, err := led.Cancel(ctx, id, "fraud", created); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	sched.Sweep(ctx, created.Add(cfg.ValidationHold))

	rec, _ := st.GetRecord(ctx, id)
	if rec.Status != model.StatusCancelled {
		t.Errorf("status = %s, sweep must not resurrect cancelled records", rec.Status)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	sched, led, st, cfg := setup(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	post(t, led, "alice", "call-1", created)
	at := created.Add(cfg.ValidationHold)
	sched.Sweep(ctx, at)
	sched.Sweep(ctx, at)

	b, _ := st.GetBalance(ctx, "alice")
	if b.Validated != 1000 || b.Pending != 0 {
		t.Errorf("repeat sweep corrupted buckets: %+v", b)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	sched, _, _, _ := setup(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop on context cancel")
	}
}
