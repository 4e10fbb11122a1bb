// Package limits implements payout exposure caps for withdrawals.
//
// Caps are an anti-abuse measure: a compromised chatter account or a miscomputed
// promotion should not be able to drain the payout rail before an operator
// notices. Limits apply per withdrawal and in aggregate across a rolling
// window of the chatter's recent withdrawals.
package limits

import (
	"errors"
	"time"

	"github.com/chatline/commission-engine/internal/model"
)

var (
	// ErrPerWithdrawalLimit is returned when a single withdrawal exceeds
	// the per-withdrawal maximum.
	ErrPerWithdrawalLimit = errors.New("limits: per-withdrawal maximum exceeded")

	// ErrWindowLimitExceeded is returned when the chatter's aggregate
	// payout over the rolling window would exceed the window maximum.
	ErrWindowLimitExceeded = errors.New("limits: rolling-window payout maximum exceeded")
)

// PayoutLimiter enforces payout caps. A zero cap disables that check.
type PayoutLimiter struct {
	// MaxPerWithdrawal is the maximum amount of a single withdrawal,
	// minor units.
	MaxPerWithdrawal int64

	// MaxPerWindow is the maximum aggregate amount a chatter can move
	// through withdrawals inside one window, minor units.
	MaxPerWindow int64

	// Window is the rolling window over which MaxPerWindow applies.
	Window time.Duration
}

// NewPayoutLimiter creates a limiter with the given caps.
func NewPayoutLimiter(maxPerWithdrawal, maxPerWindow int64, window time.Duration) *PayoutLimiter {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &PayoutLimiter{
		MaxPerWithdrawal: maxPerWithdrawal,
		MaxPerWindow:     maxPerWindow,
		Window:           window,
	}
}

// Check validates a proposed withdrawal of the given amount at time now
// against the chatter's withdrawal history. Rejected withdrawals do not
// count toward the window: the money never moved.
func (l *PayoutLimiter) Check(amount int64, history []model.Withdrawal, now time.Time) error {
	if l == nil {
		return nil
	}

	if l.MaxPerWithdrawal > 0 && amount > l.MaxPerWithdrawal {
		return ErrPerWithdrawalLimit
	}

	if l.MaxPerWindow <= 0 {
		return nil
	}

	cutoff := now.Add(-l.Window)
	total := amount
	for _, w := range history {
		if w.Status == model.WithdrawalRejected {
			continue
		}
		if w.CreatedAt.Before(cutoff) {
			continue
		}
		total += w.Amount
	}
	if total > l.MaxPerWindow {
		return ErrWindowLimitExceeded
	}
	return nil
}
