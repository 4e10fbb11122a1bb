package withdrawal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chatline/commission-engine/internal/config"
	"github.com/chatline/commission-engine/internal/ledger"
	"github.com/chatline/commission-engine/internal/limits"
	"github.com/chatline/commission-engine/internal/model"
	"github.com/chatline/commission-engine/internal/store"
)

// fakeRail records Pay calls and can be told to fail.
type fakeRail struct {
	calls []string
	fail  error
}

func (r *fakeRail) Pay(_ context.Context, w *model.Withdrawal) error {
	r.calls = append(r.calls, w.ID)
	return r.fail
}

type fixture struct {
	store *store.MemoryStore
	led   *ledger.Ledger
	coord *Coordinator
	rail  *fakeRail
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	holder := config.NewHolder(config.Default())
	led := ledger.New(st, holder, nil)
	rail := &fakeRail{}
	return &fixture{
		store: st,
		led:   led,
		coord: New(st, led, holder, rail),
		rail:  rail,
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// earn posts a commission for the chatter and walks it to available.
func (f *fixture) earn(t *testing.T, chatterID string, amount int64, sourceID string) {
	t.Helper()
	ctx := context.Background()
	posted, err := f.led.Post(ctx, []ledger.PricedIntent{{Intent: model.CommissionIntent{
		ChatterID:  chatterID,
		Type:       model.TypeClientCall,
		BaseAmount: amount,
		Source:     model.SourceRef{Kind: model.SourceCall, ID: sourceID},
	}}}, f.now)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	id := posted[0].ID
	if _, err := f.led.Transition(ctx, id, model.StatusValidated, f.now); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if _, err := f.led.Transition(ctx, id, model.StatusAvailable, f.now); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestRequestLocksAvailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, "alice", 2000, "call-1")
	f.earn(t, "alice", 2000, "call-2")

	w, err := f.coord.Request(ctx, "alice", f.now)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if w.Amount != 4000 {
		t.Errorf("amount = %d, want 4000", w.Amount)
	}
	if w.Status != model.WithdrawalPending {
		t.Errorf("status = %s, want pending", w.Status)
	}
	if len(w.RecordIDs) != 2 {
		t.Errorf("locked %d records, want 2", len(w.RecordIDs))
	}

	b, _ := f.store.GetBalance(ctx, "alice")
	if b.Available != 0 {
		t.Errorf("available = %d while requested, want 0", b.Available)
	}
}

func TestRequestBelowMinimum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, "alice", 2000, "call-1") // minimum is 3000

	_, err := f.coord.Request(ctx, "alice", f.now)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	// The reservation must be undone.
	b, _ := f.store.GetBalance(ctx, "alice")
	if b.Available != 2000 {
		t.Errorf("available = %d after refused request, want 2000", b.Available)
	}
}

func TestApproveCompleteHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, "alice", 5000, "call-1")

	w, _ := f.coord.Request(ctx, "alice", f.now)
	if _, err := f.coord.Approve(ctx, w.ID); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	done, err := f.coord.Complete(ctx, w.ID, f.now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.Status != model.WithdrawalCompleted || done.CompletedAt == nil {
		t.Errorf("withdrawal not completed: %+v", done)
	}
	if len(f.rail.calls) != 1 {
		t.Fatalf("rail called %d times, want 1", len(f.rail.calls))
	}

	rec, _ := f.store.GetRecord(ctx, w.RecordIDs[0])
	if rec.Status != model.StatusPaid {
		t.Errorf("record status = %s, want paid", rec.Status)
	}
	b, _ := f.store.GetBalance(ctx, "alice")
	if b.TotalWithdrawn != 5000 {
		t.Errorf("totalWithdrawn = %d, want 5000", b.TotalWithdrawn)
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, "alice", 5000, "call-1")

	w, _ := f.coord.Request(ctx, "alice", f.now)
	_, _ = f.coord.Approve(ctx, w.ID)
	_, _ = f.coord.Complete(ctx, w.ID, f.now)

	again, err := f.coord.Complete(ctx, w.ID, f.now.Add(time.Hour))
	if err != nil {
		t.Fatalf("second Complete: %v", err)
	}
	if again.Status != model.WithdrawalCompleted {
		t.Errorf("status = %s", again.Status)
	}
	if len(f.rail.calls) != 1 {
		t.Errorf("rail called %d times after repeat complete, want 1", len(f.rail.calls))
	}
	b, _ := f.store.GetBalance(ctx, "alice")
	if b.TotalWithdrawn != 5000 {
		t.Errorf("totalWithdrawn = %d after repeat complete, want 5000", b.TotalWithdrawn)
	}
}

func TestPayoutFailureLeavesProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, "alice", 5000, "call-1")

	w, _ := f.coord.Request(ctx, "alice", f.now)
	_, _ = f.coord.Approve(ctx, w.ID)

	f.rail.fail = errors.New("provider timeout")
	_, err := f.coord.Complete(ctx, w.ID, f.now)
	if !errors.Is(err, ErrPayoutFailed) {
		t.Fatalf("err = %v, want ErrPayoutFailed", err)
	}

	cur, _ := f.store.GetWithdrawal(ctx, w.ID)
	if cur.Status != model.WithdrawalProcessing {
		t.Errorf("status = %s after failure, want processing", cur.Status)
	}
	rec, _ := f.store.GetRecord(ctx, w.RecordIDs[0])
	if rec.Status != model.StatusAvailable || rec.WithdrawalID != w.ID {
		t.Errorf("record must stay locked after failure: status=%s withdrawal=%q",
			rec.Status, rec.WithdrawalID)
	}

	// Retry succeeds and settles exactly once.
	f.rail.fail = nil
	done, err := f.coord.Complete(ctx, w.ID, f.now.Add(time.Hour))
	if err != nil {
		t.Fatalf("retry Complete: %v", err)
	}
	if done.Status != model.WithdrawalCompleted {
		t.Errorf("status = %s after retry, want completed", done.Status)
	}
	if len(f.rail.calls) != 2 {
		t.Errorf("rail called %d times, want 2", len(f.rail.calls))
	}
}

func TestRejectReleasesRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, "alice", 5000, "call-1")

	w, _ := f.coord.Request(ctx, "alice", f.now)
	rej, err := f.coord.Reject(ctx, w.ID, "bank details mismatch")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if rej.Status != model.WithdrawalRejected || rej.RejectReason != "bank details mismatch" {
		t.Errorf("rejection not recorded: %+v", rej)
	}

	b, _ := f.store.GetBalance(ctx, "alice")
	if b.Available != 5000 {
		t.Errorf("available = %d after reject, want 5000", b.Available)
	}

	// A new request can pick the records back up.
	w2, err := f.coord.Request(ctx, "alice", f.now)
	if err != nil {
		t.Fatalf("re-request: %v", err)
	}
	if w2.Amount != 5000 {
		t.Errorf("re-request amount = %d, want 5000", w2.Amount)
	}
}

func TestRequestRefusedByPayoutCap(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := config.Default()
	cfg.MaxPerWithdrawal = 4000
	holder := config.NewHolder(cfg)
	led := ledger.New(st, holder, nil)
	rail := &fakeRail{}
	f := &fixture{
		store: st,
		led:   led,
		coord: New(st, led, holder, rail),
		rail:  rail,
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	ctx := context.Background()
	f.earn(t, "alice", 5000, "call-1")

	_, err := f.coord.Request(ctx, "alice", f.now)
	if !errors.Is(err, limits.ErrPerWithdrawalLimit) {
		t.Fatalf("err = %v, want ErrPerWithdrawalLimit", err)
	}

	// The reservation must be undone so nothing stays frozen.
	b, _ := st.GetBalance(ctx, "alice")
	if b.Available != 5000 {
		t.Errorf("available = %d after refused request, want 5000", b.Available)
	}
}

func TestLifecycleGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, "alice", 5000, "call-1")

	w, _ := f.coord.Request(ctx, "alice", f.now)

	// Complete before approve.
	if _, err := f.coord.Complete(ctx, w.ID, f.now); !errors.Is(err, ErrInvalidState) {
		t.Errorf("complete pending: err = %v, want ErrInvalidState", err)
	}

	_, _ = f.coord.Approve(ctx, w.ID)

	// Double approve.
	if _, err := f.coord.Approve(ctx, w.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("double approve: err = %v, want ErrInvalidState", err)
	}

	_, _ = f.coord.Complete(ctx, w.ID, f.now)

	// Reject after completion.
	if _, err := f.coord.Reject(ctx, w.ID, "late"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("reject completed: err = %v, want ErrInvalidState", err)
	}
}

func TestConcurrentRejectAndCompletePayAtMostOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, "alice", 2500, "call-1")
	f.earn(t, "alice", 2500, "call-2")

	w, _ := f.coord.Request(ctx, "alice", f.now)
	_, _ = f.coord.Approve(ctx, w.ID)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = f.coord.Reject(ctx, w.ID, "ops veto")
	}()
	go func() {
		defer wg.Done()
		_, _ = f.coord.Complete(ctx, w.ID, f.now)
	}()
	wg.Wait()

	got, err := f.coord.Get(ctx, w.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	b, _ := f.store.GetBalance(ctx, "alice")

	switch got.Status {
	case model.WithdrawalCompleted:
		if len(f.rail.calls) != 1 {
			t.Errorf("rail called %d times for completed withdrawal, want 1", len(f.rail.calls))
		}
		if b.TotalWithdrawn != 5000 || b.Available != 0 {
			t.Errorf("completed: available=%d totalWithdrawn=%d, want 0/5000", b.Available, b.TotalWithdrawn)
		}
	case model.WithdrawalRejected:
		if len(f.rail.calls) != 0 {
			t.Errorf("rail called %d times for rejected withdrawal, want 0", len(f.rail.calls))
		}
		if b.TotalWithdrawn != 0 || b.Available != 5000 {
			t.Errorf("rejected: available=%d totalWithdrawn=%d, want 5000/0", b.Available, b.TotalWithdrawn)
		}
	default:
		t.Fatalf("withdrawal ended in %s, want completed or rejected", got.Status)
	}
}
