// Package store defines the persistence interface for the commission engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/chatline/commission-engine/internal/model"
)

var (
	// ErrNotFound is returned when a record, balance, or withdrawal does
	// not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateDedupKey is returned when inserting a record whose dedup
	// key already exists. Callers treat this as an idempotent no-op.
	ErrDuplicateDedupKey = errors.New("store: duplicate dedup key")
)

// RecordFilter narrows record queries. Zero values mean "no constraint".
type RecordFilter struct {
	ChatterID  string
	Type       model.CommissionType
	Status     model.Status
	SourceKind model.SourceKind
	From       time.Time
	To         time.Time
	Search     string // matched against record id, chatter id, source id
	Limit      int
	Offset     int
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer. Serialization of mutations is
// the ledger's job, not the store's — implementations only need to be safe
// for concurrent use.
type Store interface {
	// --- Commission records ---

	// InsertRecord persists a new record, enforcing dedup-key uniqueness.
	InsertRecord(ctx context.Context, rec *model.CommissionRecord) error

	// GetRecord retrieves a record by id.
	GetRecord(ctx context.Context, id string) (*model.CommissionRecord, error)

	// UpdateRecord overwrites a record's mutable fields (status, timestamps,
	// withdrawal reference, cancel reason).
	UpdateRecord(ctx context.Context, rec *model.CommissionRecord) error

	// DeleteRecord removes a record. Only used by the ledger's compensation
	// path when a multi-chatter posting partially fails.
	DeleteRecord(ctx context.Context, id string) error

	// ListRecords returns records matching the filter, newest first.
	ListRecords(ctx context.Context, f RecordFilter) ([]model.CommissionRecord, error)

	// ListDue returns unlocked records in the given status whose
	// status-entry timestamp is at or before the cutoff. Used by the
	// time-gate sweeper.
	ListDue(ctx context.Context, status model.Status, cutoff time.Time) ([]model.CommissionRecord, error)

	// ListLockable returns the chatter's available, unlocked records.
	ListLockable(ctx context.Context, chatterID string) ([]model.CommissionRecord, error)

	// ListByWithdrawal returns the records referenced by a withdrawal.
	ListByWithdrawal(ctx context.Context, withdrawalID string) ([]model.CommissionRecord, error)

	// --- Balances ---

	// GetBalance returns the chatter's balance aggregate, or a zero-valued
	// balance if the chatter has never earned.
	GetBalance(ctx context.Context, chatterID string) (*model.ChatterBalance, error)

	// PutBalance upserts the balance aggregate.
	PutBalance(ctx context.Context, b *model.ChatterBalance) error

	// --- Withdrawals ---

	InsertWithdrawal(ctx context.Context, w *model.Withdrawal) error
	GetWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error)
	UpdateWithdrawal(ctx context.Context, w *model.Withdrawal) error
	ListWithdrawals(ctx context.Context, chatterID string) ([]model.Withdrawal, error)

	// --- Failed attributions ---

	InsertFailedAttribution(ctx context.Context, fa *model.FailedAttribution) error

	// --- Aggregate queries ---

	AggregateByStatus(ctx context.Context) (map[model.Status]model.Aggregate, error)
	AggregateByType(ctx context.Context) (map[model.CommissionType]model.Aggregate, error)
	TopEarners(ctx context.Context, n int) ([]model.EarnerTotal, error)
	AmountSeries(ctx context.Context, from, to time.Time) ([]model.SeriesPoint, error)
}
