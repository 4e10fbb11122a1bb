// Package ledger owns the commission record lifecycle and the per-chatter
// balance aggregates. All balance mutation in the engine happens here,
// inside a serialized per-chatter critical section, so record and aggregate
// can never drift apart under concurrent postings, sweeps, and withdrawals.
//
// The state machine is pending → validated → available → paid, with
// cancelled reachable from any non-paid state. Paid is terminal and only the
// withdrawal settlement path can reach it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatline/commission-engine/internal/calc"
	"github.com/chatline/commission-engine/internal/config"
	"github.com/chatline/commission-engine/internal/metrics"
	"github.com/chatline/commission-engine/internal/model"
	"github.com/chatline/commission-engine/internal/store"
)

var (
	// ErrInvalidTransition is returned for a state change the machine does
	// not allow. Always a programming defect, never coerced.
	ErrInvalidTransition = errors.New("ledger: invalid status transition")

	// ErrRecordPaid is returned when mutating a paid record. Paid is
	// immutable.
	ErrRecordPaid = errors.New("ledger: record already paid")

	// ErrRecordLocked is returned when a record is reserved by an
	// unresolved withdrawal.
	ErrRecordLocked = errors.New("ledger: record locked by withdrawal")
)

// nStripes is the size of the chatter lock table. Power of two.
const nStripes = 64

// ConfigSource supplies the current configuration snapshot.
type ConfigSource interface {
	Current() *config.Snapshot
}

// EventKind classifies ledger notifications.
type EventKind string

const (
	EventPosted     EventKind = "commission_posted"
	EventTransition EventKind = "status_changed"
	EventSettled    EventKind = "withdrawal_settled"
)

// Event is a ledger notification pushed to observers (the admin console's
// live feed).
type Event struct {
	Kind         EventKind    `json:"kind"`
	RecordID     string       `json:"record_id,omitempty"`
	ChatterID    string       `json:"chatter_id"`
	Status       model.Status `json:"status,omitempty"`
	Amount       int64        `json:"amount,omitempty"`
	WithdrawalID string       `json:"withdrawal_id,omitempty"`
}

// Notifier receives ledger events. Pass nil to disable notifications.
type Notifier interface {
	Notify(ev Event)
}

// PricedIntent pairs an attribution intent with its resolved multiplier
// stack, ready for posting.
type PricedIntent struct {
	Intent      model.CommissionIntent
	Multipliers []model.Multiplier
}

// Ledger is the single writer of commission records and chatter balances.
type Ledger struct {
	store    store.Store
	cfg      ConfigSource
	notifier Notifier

	// Striped per-chatter locks. Every mutating operation locks the
	// stripes of all involved chatters in ascending order, so the N1/N2
	// cascade touching three chatters cannot deadlock or interleave with
	// a concurrent withdrawal on any of them.
	stripes [nStripes]sync.Mutex
}

// New creates a ledger. notifier may be nil.
func New(st store.Store, cfg ConfigSource, notifier Notifier) *Ledger {
	return &Ledger{store: st, cfg: cfg, notifier: notifier}
}

func stripeOf(chatterID string) int {
	h := fnv.New32a()
	h.Write([]byte(chatterID))
	return int(h.Sum32() % nStripes)
}

// lockChatters acquires the stripes for all given chatters in ascending
// index order and returns the matching unlock function.
func (l *Ledger) lockChatters(chatterIDs ...string) func() {
	seen := make(map[int]bool)
	var idx []int
	for _, id := range chatterIDs {
		s := stripeOf(id)
		if !seen[s] {
			seen[s] = true
			idx = append(idx, s)
		}
	}
	sort.Ints(idx)
	for _, i := range idx {
		l.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			l.stripes[idx[j]].Unlock()
		}
	}
}

func (l *Ledger) notify(ev Event) {
	if l.notifier != nil {
		l.notifier.Notify(ev)
	}
}

// Post prices and persists a batch of causally related intents — typically
// the full cascade of one event — atomically across all involved chatters.
// Duplicate dedup keys are skipped as idempotent no-ops; any other failure
// rolls back the records already inserted for this batch, so a direct
// commission can never land without its cascade.
func (l *Ledger) Post(ctx context.Context, intents []PricedIntent, now time.Time) ([]model.CommissionRecord, error) {
	if len(intents) == 0 {
		return nil, nil
	}

	chatters := make([]string, 0, len(intents))
	for _, pi := range intents {
		chatters = append(chatters, pi.Intent.ChatterID)
	}
	unlock := l.lockChatters(chatters...)
	defer unlock()

	currency := l.cfg.Current().Currency
	var posted []model.CommissionRecord
	applied := make(map[string]int64) // chatter → balance delta already written

	rollback := func() {
		for chatterID, sum := range applied {
			b, err := l.store.GetBalance(ctx, chatterID)
			if err != nil {
				slog.Error("posting rollback failed, balance inconsistent",
					"chatter", chatterID, "err", err)
				continue
			}
			b.Pending -= sum
			b.TotalEarned -= sum
			if err := l.store.PutBalance(ctx, b); err != nil {
				slog.Error("posting rollback failed, balance inconsistent",
					"chatter", chatterID, "err", err)
			}
		}
		for _, rec := range posted {
			if err := l.store.DeleteRecord(ctx, rec.ID); err != nil {
				slog.Error("posting rollback failed, record orphaned",
					"record_id", rec.ID, "err", err)
			}
		}
	}

	for _, pi := range intents {
		in := pi.Intent
		res, err := calc.Compute(in.BaseAmount, pi.Multipliers)
		if err != nil {
			rollback()
			return nil, fmt.Errorf("price intent for %s: %w", in.ChatterID, err)
		}

		rec := model.CommissionRecord{
			ID:               uuid.New().String(),
			ChatterID:        in.ChatterID,
			Type:             in.Type,
			Source:           in.Source,
			BaseAmount:       in.BaseAmount,
			Multipliers:      pi.Multipliers,
			Breakdown:        res.Breakdown,
			Amount:           res.Amount,
			Currency:         currency,
			RelatedChatterID: in.RelatedChatterID,
			CaptainOverride:  in.CaptainOverride,
			DedupKey:         in.DedupKey(),
			Status:           model.StatusPending,
			CreatedAt:        now,
		}

		err = l.store.InsertRecord(ctx, &rec)
		if errors.Is(err, store.ErrDuplicateDedupKey) {
			metrics.DuplicateAttributions.Inc()
			slog.Info("duplicate attribution acknowledged",
				"dedup_key", rec.DedupKey, "chatter", rec.ChatterID)
			continue
		}
		if err != nil {
			rollback()
			return nil, fmt.Errorf("insert record for %s: %w", in.ChatterID, err)
		}
		posted = append(posted, rec)
	}

	// Balances only move once every record of the batch is in.
	perChatter := make(map[string]int64)
	for _, rec := range posted {
		perChatter[rec.ChatterID] += rec.Amount
	}
	for chatterID, sum := range perChatter {
		b, err := l.store.GetBalance(ctx, chatterID)
		if err != nil {
			rollback()
			return nil, fmt.Errorf("load balance for %s: %w", chatterID, err)
		}
		b.Pending += sum
		b.TotalEarned += sum
		if err := l.store.PutBalance(ctx, b); err != nil {
			rollback()
			return nil, fmt.Errorf("update balance for %s: %w", chatterID, err)
		}
		applied[chatterID] = sum
	}

	for _, rec := range posted {
		metrics.CommissionsPosted.WithLabelValues(string(rec.Type)).Inc()
		metrics.CommissionAmountPosted.WithLabelValues(string(rec.Type)).Add(float64(rec.Amount))
		l.notify(Event{
			Kind:      EventPosted,
			RecordID:  rec.ID,
			ChatterID: rec.ChatterID,
			Status:    rec.Status,
			Amount:    rec.Amount,
		})
		slog.Info("commission posted",
			"record_id", rec.ID,
			"chatter", rec.ChatterID,
			"type", string(rec.Type),
			"base", rec.BaseAmount,
			"amount", rec.Amount,
		)
	}

	return posted, nil
}

// allowed transitions, excluding the withdrawal-only available → paid edge.
var transitions = map[model.Status]map[model.Status]bool{
	model.StatusPending:   {model.StatusValidated: true, model.StatusCancelled: true},
	model.StatusValidated: {model.StatusAvailable: true, model.StatusCancelled: true},
	model.StatusAvailable: {model.StatusCancelled: true},
}

// Transition advances a record to the given status, stamping the lifecycle
// timestamp once and moving its amount between balance buckets atomically.
// Paid is rejected here: it is reachable only through withdrawal settlement.
// Use Cancel for cancellations so a reason is always recorded.
func (l *Ledger) Transition(ctx context.Context, recordID string, to model.Status, now time.Time) (*model.CommissionRecord, error) {
	if to == model.StatusPaid {
		return nil, fmt.Errorf("%w: paid is reachable only via a completed withdrawal", ErrInvalidTransition)
	}
	if to == model.StatusCancelled {
		return nil, fmt.Errorf("%w: use Cancel for cancellations", ErrInvalidTransition)
	}

	rec, err := l.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	unlock := l.lockChatters(rec.ChatterID)
	defer unlock()

	// Re-read under the lock: the record may have moved.
	rec, err = l.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}

	if rec.Status == model.StatusPaid {
		return nil, fmt.Errorf("%w: %s", ErrRecordPaid, recordID)
	}
	if rec.Locked() {
		return nil, fmt.Errorf("%w: %s held by withdrawal %s", ErrRecordLocked, recordID, rec.WithdrawalID)
	}
	if !transitions[rec.Status][to] {
		return nil, fmt.Errorf("%w: %s → %s for record %s", ErrInvalidTransition, rec.Status, to, recordID)
	}

	from := rec.Status
	rec.Status = to
	switch to {
	case model.StatusValidated:
		t := now
		rec.ValidatedAt = &t
	case model.StatusAvailable:
		t := now
		rec.AvailableAt = &t
	}

	if err := l.applyMove(ctx, rec, from, to, 0); err != nil {
		return nil, err
	}

	metrics.Transitions.WithLabelValues(string(from), string(to)).Inc()
	l.notify(Event{
		Kind:      EventTransition,
		RecordID:  rec.ID,
		ChatterID: rec.ChatterID,
		Status:    to,
		Amount:    rec.Amount,
	})
	return rec, nil
}

// Cancel reverses a record: chargeback, fraud finding, or admin action.
// Rejected for paid records and for records locked by an in-flight
// withdrawal. This is the only path on which totalEarned decreases.
func (l *Ledger) Cancel(ctx context.Context, recordID, reason string, now time.Time) (*model.CommissionRecord, error) {
	rec, err := l.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	unlock := l.lockChatters(rec.ChatterID)
	defer unlock()

	rec, err = l.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}

	if rec.Status == model.StatusPaid {
		return nil, fmt.Errorf("%w: %s", ErrRecordPaid, recordID)
	}
	if rec.Status == model.StatusCancelled {
		return nil, fmt.Errorf("%w: %s already cancelled", ErrInvalidTransition, recordID)
	}
	if rec.Locked() {
		return nil, fmt.Errorf("%w: %s held by withdrawal %s", ErrRecordLocked, recordID, rec.WithdrawalID)
	}

	from := rec.Status
	rec.Status = model.StatusCancelled
	t := now
	rec.CancelledAt = &t
	rec.CancelReason = reason

	if err := l.applyMove(ctx, rec, from, model.StatusCancelled, -rec.Amount); err != nil {
		return nil, err
	}

	metrics.Transitions.WithLabelValues(string(from), string(model.StatusCancelled)).Inc()
	l.notify(Event{
		Kind:      EventTransition,
		RecordID:  rec.ID,
		ChatterID: rec.ChatterID,
		Status:    model.StatusCancelled,
		Amount:    rec.Amount,
	})
	slog.Info("commission cancelled",
		"record_id", rec.ID, "chatter", rec.ChatterID, "reason", reason)
	return rec, nil
}

// applyMove persists the record's new status and shifts its amount between
// balance buckets in the same critical section. earnedDelta adjusts
// totalEarned (only cancellation passes non-zero).
func (l *Ledger) applyMove(ctx context.Context, rec *model.CommissionRecord, from, to model.Status, earnedDelta int64) error {
	if err := l.store.UpdateRecord(ctx, rec); err != nil {
		return fmt.Errorf("update record %s: %w", rec.ID, err)
	}

	b, err := l.store.GetBalance(ctx, rec.ChatterID)
	if err != nil {
		return fmt.Errorf("load balance for %s: %w", rec.ChatterID, err)
	}
	addBucket(b, from, -rec.Amount)
	addBucket(b, to, rec.Amount)
	b.TotalEarned += earnedDelta
	if err := l.store.PutBalance(ctx, b); err != nil {
		return fmt.Errorf("update balance for %s: %w", rec.ChatterID, err)
	}
	return nil
}

// addBucket adjusts the balance bucket backing a status. Paid and cancelled
// have no bucket: paid money is tracked by totalWithdrawn, cancelled money
// leaves the aggregates entirely.
func addBucket(b *model.ChatterBalance, status model.Status, delta int64) {
	switch status {
	case model.StatusPending:
		b.Pending += delta
	case model.StatusValidated:
		b.Validated += delta
	case model.StatusAvailable:
		b.Available += delta
	}
}

// LockForWithdrawal reserves every available, unlocked record of the
// chatter for the given withdrawal and moves their sum out of the available
// bucket. Returns the locked records and their sum.
func (l *Ledger) LockForWithdrawal(ctx context.Context, chatterID, withdrawalID string) ([]model.CommissionRecord, int64, error) {
	unlock := l.lockChatters(chatterID)
	defer unlock()

	records, err := l.store.ListLockable(ctx, chatterID)
	if err != nil {
		return nil, 0, fmt.Errorf("list lockable for %s: %w", chatterID, err)
	}

	var sum int64
	for i := range records {
		records[i].WithdrawalID = withdrawalID
		if err := l.store.UpdateRecord(ctx, &records[i]); err != nil {
			return nil, 0, fmt.Errorf("lock record %s: %w", records[i].ID, err)
		}
		sum += records[i].Amount
	}

	if sum > 0 {
		b, err := l.store.GetBalance(ctx, chatterID)
		if err != nil {
			return nil, 0, err
		}
		b.Available -= sum
		if err := l.store.PutBalance(ctx, b); err != nil {
			return nil, 0, err
		}
	}
	return records, sum, nil
}

// ReleaseWithdrawal undoes a lock after a rejection: records return to
// available and the bucket is restored.
func (l *Ledger) ReleaseWithdrawal(ctx context.Context, chatterID, withdrawalID string) error {
	unlock := l.lockChatters(chatterID)
	defer unlock()

	records, err := l.store.ListByWithdrawal(ctx, withdrawalID)
	if err != nil {
		return fmt.Errorf("list records for withdrawal %s: %w", withdrawalID, err)
	}

	var sum int64
	for i := range records {
		if records[i].Status != model.StatusAvailable {
			continue
		}
		records[i].WithdrawalID = ""
		if err := l.store.UpdateRecord(ctx, &records[i]); err != nil {
			return fmt.Errorf("release record %s: %w", records[i].ID, err)
		}
		sum += records[i].Amount
	}

	if sum > 0 {
		b, err := l.store.GetBalance(ctx, chatterID)
		if err != nil {
			return err
		}
		b.Available += sum
		if err := l.store.PutBalance(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// SettleWithdrawal marks every record of the withdrawal paid and adds the
// withdrawal's full sum to totalWithdrawn. The balance update happens once,
// after the last record, so a retry after a mid-batch failure counts the
// records paid on the earlier attempt too; a withdrawal whose records are
// all already paid is treated as settled and left alone.
func (l *Ledger) SettleWithdrawal(ctx context.Context, chatterID, withdrawalID string, paidAt time.Time) error {
	unlock := l.lockChatters(chatterID)
	defer unlock()

	records, err := l.store.ListByWithdrawal(ctx, withdrawalID)
	if err != nil {
		return fmt.Errorf("list records for withdrawal %s: %w", withdrawalID, err)
	}
	if len(records) == 0 {
		// The reservation is gone: a concurrent rejection released the
		// records. Paying would double-spend them.
		return fmt.Errorf("%w: withdrawal %s holds no locked records", ErrInvalidTransition, withdrawalID)
	}

	var sum, moved int64
	for i := range records {
		if records[i].Status == model.StatusPaid {
			sum += records[i].Amount
			continue
		}
		if records[i].Status != model.StatusAvailable {
			return fmt.Errorf("%w: %s → paid for record %s",
				ErrInvalidTransition, records[i].Status, records[i].ID)
		}
		records[i].Status = model.StatusPaid
		t := paidAt
		records[i].PaidAt = &t
		if err := l.store.UpdateRecord(ctx, &records[i]); err != nil {
			return fmt.Errorf("settle record %s: %w", records[i].ID, err)
		}
		metrics.Transitions.WithLabelValues(string(model.StatusAvailable), string(model.StatusPaid)).Inc()
		sum += records[i].Amount
		moved += records[i].Amount
	}

	if moved > 0 {
		b, err := l.store.GetBalance(ctx, chatterID)
		if err != nil {
			return err
		}
		b.TotalWithdrawn += sum
		if err := l.store.PutBalance(ctx, b); err != nil {
			return err
		}
	}

	l.notify(Event{
		Kind:         EventSettled,
		ChatterID:    chatterID,
		WithdrawalID: withdrawalID,
		Amount:       sum,
	})
	return nil
}

// Balance returns the chatter's balance aggregate.
func (l *Ledger) Balance(ctx context.Context, chatterID string) (*model.ChatterBalance, error) {
	return l.store.GetBalance(ctx, chatterID)
}
