package limits

import (
	"errors"
	"testing"
	"time"

	"github.com/chatline/commission-engine/internal/model"
)

func wd(amount int64, status model.WithdrawalStatus, age time.Duration, now time.Time) model.Withdrawal {
	return model.Withdrawal{
		Amount:    amount,
		Status:    status,
		CreatedAt: now.Add(-age),
	}
}

func TestPerWithdrawalCap(t *testing.T) {
	l := NewPayoutLimiter(50_000, 0, 24*time.Hour)
	now := time.Now().UTC()

	if err := l.Check(50_000, nil, now); err != nil {
		t.Errorf("at the cap: %v", err)
	}
	if err := l.Check(50_001, nil, now); !errors.Is(err, ErrPerWithdrawalLimit) {
		t.Errorf("over the cap: err = %v, want ErrPerWithdrawalLimit", err)
	}
}

func TestWindowCap(t *testing.T) {
	now := time.Now().UTC()
	l := NewPayoutLimiter(0, 100_000, 24*time.Hour)

	history := []model.Withdrawal{
		wd(60_000, model.WithdrawalCompleted, 2*time.Hour, now),
	}
	if err := l.Check(40_000, history, now); err != nil {
		t.Errorf("at window cap: %v", err)
	}
	if err := l.Check(40_001, history, now); !errors.Is(err, ErrWindowLimitExceeded) {
		t.Errorf("over window cap: err = %v, want ErrWindowLimitExceeded", err)
	}
}

func TestWindowExcludesOldAndRejected(t *testing.T) {
	now := time.Now().UTC()
	l := NewPayoutLimiter(0, 100_000, 24*time.Hour)

	history := []model.Withdrawal{
		wd(90_000, model.WithdrawalCompleted, 25*time.Hour, now), // outside window
		wd(90_000, model.WithdrawalRejected, time.Hour, now),     // never paid
	}
	if err := l.Check(100_000, history, now); err != nil {
		t.Errorf("old and rejected withdrawals must not count: %v", err)
	}
}

func TestPendingCountsTowardWindow(t *testing.T) {
	now := time.Now().UTC()
	l := NewPayoutLimiter(0, 100_000, 24*time.Hour)

	history := []model.Withdrawal{
		wd(90_000, model.WithdrawalPending, time.Hour, now),
	}
	if err := l.Check(20_000, history, now); !errors.Is(err, ErrWindowLimitExceeded) {
		t.Errorf("in-flight withdrawal must count: err = %v", err)
	}
}

func TestZeroCapsDisable(t *testing.T) {
	l := NewPayoutLimiter(0, 0, time.Hour)
	if err := l.Check(1_000_000_000, nil, time.Now().UTC()); err != nil {
		t.Errorf("zero caps must disable checks: %v", err)
	}
}

func TestNilLimiterAllowsAll(t *testing.T) {
	var l *PayoutLimiter
	if err := l.Check(1_000_000, nil, time.Now().UTC()); err != nil {
		t.Errorf("nil limiter: %v", err)
	}
}
