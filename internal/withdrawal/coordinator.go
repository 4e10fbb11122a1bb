// Package withdrawal coordinates payout requests over the ledger: it
// reserves available records under a withdrawal, runs the request through
// review, and hands the money to an external payout rail exactly once.
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatline/commission-engine/internal/config"
	"github.com/chatline/commission-engine/internal/ledger"
	"github.com/chatline/commission-engine/internal/limits"
	"github.com/chatline/commission-engine/internal/metrics"
	"github.com/chatline/commission-engine/internal/model"
	"github.com/chatline/commission-engine/internal/store"
)

var (
	// ErrInsufficientBalance is returned when the chatter's available
	// balance is below the configured minimum.
	ErrInsufficientBalance = errors.New("withdrawal: insufficient available balance")

	// ErrInvalidState is returned for a lifecycle action the withdrawal's
	// current status does not allow.
	ErrInvalidState = errors.New("withdrawal: invalid state for action")

	// ErrPayoutFailed wraps an external rail error. The withdrawal stays in
	// processing; records stay locked; Complete may be retried.
	ErrPayoutFailed = errors.New("withdrawal: external payout failed")
)

// PayoutRail sends money out of the system. Pay must be idempotent per
// withdrawal id on the provider side; the coordinator guarantees it never
// settles the ledger without a successful Pay.
type PayoutRail interface {
	Pay(ctx context.Context, w *model.Withdrawal) error
}

// LogRail is a rail that only logs. Used until a real provider is wired.
type LogRail struct{}

func (LogRail) Pay(_ context.Context, w *model.Withdrawal) error {
	slog.Info("payout dispatched",
		"withdrawal_id", w.ID, "chatter", w.ChatterID, "amount", w.Amount)
	return nil
}

// ConfigSource supplies the current configuration snapshot.
type ConfigSource interface {
	Current() *config.Snapshot
}

// Coordinator drives the withdrawal lifecycle:
// pending → approved → processing → completed, with rejected reachable
// before processing starts.
//
// Lifecycle actions are serialized under one mutex: each is a
// read-check-update over the store, and an interleaved Reject and Complete
// on the same withdrawal would otherwise release records back to available
// while the rail pays them out.
type Coordinator struct {
	mu     sync.Mutex
	store  store.Store
	ledger *ledger.Ledger
	cfg    ConfigSource
	rail   PayoutRail
}

func New(st store.Store, l *ledger.Ledger, cfg ConfigSource, rail PayoutRail) *Coordinator {
	return &Coordinator{store: st, ledger: l, cfg: cfg, rail: rail}
}

// limiter builds the payout limiter from the current snapshot.
func (c *Coordinator) limiter() *limits.PayoutLimiter {
	snap := c.cfg.Current()
	if snap.MaxPerWithdrawal == 0 && snap.MaxWindowPayout == 0 {
		return nil
	}
	return limits.NewPayoutLimiter(snap.MaxPerWithdrawal, snap.MaxWindowPayout, snap.PayoutWindow)
}

// Request locks every available record of the chatter under a new
// withdrawal. Below the configured minimum the lock is undone and
// ErrInsufficientBalance returned.
func (c *Coordinator) Request(ctx context.Context, chatterID string, now time.Time) (*model.Withdrawal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.New().String()
	records, sum, err := c.ledger.LockForWithdrawal(ctx, chatterID, id)
	if err != nil {
		return nil, fmt.Errorf("reserve records: %w", err)
	}

	min := c.cfg.Current().MinWithdrawal
	if sum < min {
		if rerr := c.ledger.ReleaseWithdrawal(ctx, chatterID, id); rerr != nil {
			slog.Error("release after insufficient balance failed",
				"withdrawal_id", id, "err", rerr)
		}
		return nil, fmt.Errorf("%w: have %d, minimum %d", ErrInsufficientBalance, sum, min)
	}

	history, err := c.store.ListWithdrawals(ctx, chatterID)
	if err != nil {
		return nil, fmt.Errorf("load withdrawal history: %w", err)
	}
	if err := c.limiter().Check(sum, history, now); err != nil {
		if rerr := c.ledger.ReleaseWithdrawal(ctx, chatterID, id); rerr != nil {
			slog.Error("release after refused payout failed",
				"withdrawal_id", id, "err", rerr)
		}
		return nil, err
	}

	w := &model.Withdrawal{
		ID:        id,
		ChatterID: chatterID,
		Amount:    sum,
		Currency:  c.cfg.Current().Currency,
		Status:    model.WithdrawalPending,
		CreatedAt: now,
	}
	for _, rec := range records {
		w.RecordIDs = append(w.RecordIDs, rec.ID)
	}

	if err := c.store.InsertWithdrawal(ctx, w); err != nil {
		if rerr := c.ledger.ReleaseWithdrawal(ctx, chatterID, id); rerr != nil {
			slog.Error("release after insert failure failed",
				"withdrawal_id", id, "err", rerr)
		}
		return nil, fmt.Errorf("insert withdrawal: %w", err)
	}

	metrics.WithdrawalActions.WithLabelValues("requested").Inc()
	slog.Info("withdrawal requested",
		"withdrawal_id", id, "chatter", chatterID, "amount", sum, "records", len(w.RecordIDs))
	return w, nil
}

// Approve clears a pending withdrawal for payout.
func (c *Coordinator) Approve(ctx context.Context, id string) (*model.Withdrawal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, err := c.store.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != model.WithdrawalPending {
		return nil, fmt.Errorf("%w: approve on %s withdrawal %s", ErrInvalidState, w.Status, id)
	}
	w.Status = model.WithdrawalApproved
	if err := c.store.UpdateWithdrawal(ctx, w); err != nil {
		return nil, err
	}
	metrics.WithdrawalActions.WithLabelValues("approved").Inc()
	return w, nil
}

// Reject refuses a withdrawal before payout starts and returns its records
// to the available pool.
func (c *Coordinator) Reject(ctx context.Context, id, reason string) (*model.Withdrawal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, err := c.store.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != model.WithdrawalPending && w.Status != model.WithdrawalApproved {
		return nil, fmt.Errorf("%w: reject on %s withdrawal %s", ErrInvalidState, w.Status, id)
	}

	if err := c.ledger.ReleaseWithdrawal(ctx, w.ChatterID, w.ID); err != nil {
		return nil, fmt.Errorf("release records: %w", err)
	}
	w.Status = model.WithdrawalRejected
	w.RejectReason = reason
	if err := c.store.UpdateWithdrawal(ctx, w); err != nil {
		return nil, err
	}
	metrics.WithdrawalActions.WithLabelValues("rejected").Inc()
	slog.Info("withdrawal rejected",
		"withdrawal_id", id, "chatter", w.ChatterID, "reason", reason)
	return w, nil
}

// Complete pays an approved withdrawal. The withdrawal is moved to
// processing before the rail call, so a crash mid-payout leaves an
// unambiguous trail: processing means "rail may or may not have paid" and
// operators retry Complete, relying on the rail's per-withdrawal
// idempotency. The ledger is settled only after the rail reports success.
func (c *Coordinator) Complete(ctx context.Context, id string, now time.Time) (*model.Withdrawal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, err := c.store.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	switch w.Status {
	case model.WithdrawalCompleted:
		return w, nil
	case model.WithdrawalApproved, model.WithdrawalProcessing:
		// proceed; processing means this is a retry
	default:
		return nil, fmt.Errorf("%w: complete on %s withdrawal %s", ErrInvalidState, w.Status, id)
	}

	if w.Status == model.WithdrawalApproved {
		w.Status = model.WithdrawalProcessing
		t := now
		w.ProcessedAt = &t
		if err := c.store.UpdateWithdrawal(ctx, w); err != nil {
			return nil, err
		}
	}

	if err := c.rail.Pay(ctx, w); err != nil {
		metrics.PayoutFailures.Inc()
		slog.Error("payout failed, withdrawal left in processing",
			"withdrawal_id", id, "chatter", w.ChatterID, "err", err)
		return nil, fmt.Errorf("%w: %v", ErrPayoutFailed, err)
	}

	if err := c.ledger.SettleWithdrawal(ctx, w.ChatterID, w.ID, now); err != nil {
		return nil, fmt.Errorf("settle ledger: %w", err)
	}

	w.Status = model.WithdrawalCompleted
	t := now
	w.CompletedAt = &t
	if err := c.store.UpdateWithdrawal(ctx, w); err != nil {
		return nil, err
	}
	metrics.WithdrawalActions.WithLabelValues("completed").Inc()
	slog.Info("withdrawal completed",
		"withdrawal_id", id, "chatter", w.ChatterID, "amount", w.Amount)
	return w, nil
}

// Get returns a withdrawal by id.
func (c *Coordinator) Get(ctx context.Context, id string) (*model.Withdrawal, error) {
	return c.store.GetWithdrawal(ctx, id)
}

// List returns the chatter's withdrawals, newest first.
func (c *Coordinator) List(ctx context.Context, chatterID string) ([]model.Withdrawal, error) {
	return c.store.ListWithdrawals(ctx, chatterID)
}
