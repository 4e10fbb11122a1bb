// Package model defines the core domain types shared across the commission
// engine. All monetary amounts are int64 minor units (cents) in a single
// settlement currency; multiplier factors use shopspring/decimal — never
// float64 for money.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a commission record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusValidated Status = "validated"
	StatusAvailable Status = "available"
	StatusPaid      Status = "paid"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusValidated, StatusAvailable, StatusPaid, StatusCancelled:
		return true
	}
	return false
}

// CommissionType classifies what earned the money.
type CommissionType string

const (
	TypeClientCall       CommissionType = "client_call"
	TypeN1Call           CommissionType = "n1_call"
	TypeN2Call           CommissionType = "n2_call"
	TypeCaptainCall      CommissionType = "captain_call"
	TypeThresholdBonus   CommissionType = "threshold_bonus"
	TypeManualAdjustment CommissionType = "manual_adjustment"
)

// Valid reports whether t is a known commission type.
func (t CommissionType) Valid() bool {
	switch t {
	case TypeClientCall, TypeN1Call, TypeN2Call, TypeCaptainCall,
		TypeThresholdBonus, TypeManualAdjustment:
		return true
	}
	return false
}

// SourceKind identifies what kind of upstream object a record points back to.
type SourceKind string

const (
	SourceCall      SourceKind = "call"
	SourceThreshold SourceKind = "threshold"
	SourceAdmin     SourceKind = "admin"
)

// SourceRef points at the upstream object that triggered a commission.
type SourceRef struct {
	Kind SourceKind `json:"kind"`
	ID   string     `json:"id"`
}

func (r SourceRef) String() string {
	return string(r.Kind) + ":" + r.ID
}

// ProviderKind distinguishes the two call pricing tables.
type ProviderKind string

const (
	ProviderLawyer ProviderKind = "lawyer"
	ProviderExpat  ProviderKind = "expat"
)

// Multiplier is one step of the bonus stack. Factor is always >= 1.0.
type Multiplier struct {
	Label  string          `json:"label"`
	Factor decimal.Decimal `json:"factor"`
}

// BreakdownStep records the minor-unit contribution of one multiplier,
// so the final amount is independently recomputable from the stored stack.
type BreakdownStep struct {
	Label string `json:"label"`
	Delta int64  `json:"delta"`
}

// CommissionRecord is one unit of earned money. Amount and the breakdown are
// written once at posting time; only status, lifecycle timestamps, and the
// withdrawal reference change afterwards.
type CommissionRecord struct {
	ID        string         `json:"id" db:"id"`
	ChatterID string         `json:"chatter_id" db:"chatter_id"`
	Type      CommissionType `json:"type" db:"type"`
	Source    SourceRef      `json:"source"`

	BaseAmount  int64           `json:"base_amount" db:"base_amount"`
	Multipliers []Multiplier    `json:"multipliers"`
	Breakdown   []BreakdownStep `json:"breakdown"`
	Amount      int64           `json:"amount" db:"amount"`
	Currency    string          `json:"currency" db:"currency"`

	// RelatedChatterID is the downstream chatter whose activity generated
	// this record (set on n1/n2/captain cascades and threshold bonuses).
	RelatedChatterID string `json:"related_chatter_id,omitempty" db:"related_chatter_id"`
	CaptainOverride  bool   `json:"captain_override,omitempty" db:"captain_override"`

	// DedupKey is the deterministic attribution key. The store enforces
	// uniqueness; a collision means the event was already processed.
	DedupKey string `json:"dedup_key" db:"dedup_key"`

	Status Status `json:"status" db:"status"`

	// WithdrawalID is the reservation marker: set while the record is locked
	// by an in-flight withdrawal and kept permanently once paid.
	WithdrawalID string `json:"withdrawal_id,omitempty" db:"withdrawal_id"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	ValidatedAt *time.Time `json:"validated_at,omitempty" db:"validated_at"`
	AvailableAt *time.Time `json:"available_at,omitempty" db:"available_at"`
	PaidAt      *time.Time `json:"paid_at,omitempty" db:"paid_at"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty" db:"cancelled_at"`

	// CancelReason is set when status is cancelled.
	CancelReason string `json:"cancel_reason,omitempty" db:"cancel_reason"`
}

// Locked reports whether the record is reserved by an in-flight withdrawal.
// A paid record keeps its withdrawal id but is no longer locked.
func (r *CommissionRecord) Locked() bool {
	return r.WithdrawalID != "" && r.Status != StatusPaid
}

// ChatterBalance is the single mutable aggregate per chatter, owned by the
// ledger. Bucket totals always equal the sum of unlocked record amounts in
// the corresponding status.
type ChatterBalance struct {
	ChatterID      string `json:"chatter_id" db:"chatter_id"`
	Pending        int64  `json:"pending" db:"pending"`
	Validated      int64  `json:"validated" db:"validated"`
	Available      int64  `json:"available" db:"available"`
	TotalEarned    int64  `json:"total_earned" db:"total_earned"`
	TotalWithdrawn int64  `json:"total_withdrawn" db:"total_withdrawn"`
}

// WithdrawalStatus is the lifecycle state of a withdrawal.
type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalApproved   WithdrawalStatus = "approved"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalRejected   WithdrawalStatus = "rejected"
)

// Withdrawal is a commitment to pay out a chatter's available balance. The
// amount equals the sum of the locked records at creation time and never
// changes afterwards.
type Withdrawal struct {
	ID        string           `json:"id" db:"id"`
	ChatterID string           `json:"chatter_id" db:"chatter_id"`
	Amount    int64            `json:"amount" db:"amount"`
	Currency  string           `json:"currency" db:"currency"`
	Status    WithdrawalStatus `json:"status" db:"status"`
	RecordIDs []string         `json:"record_ids"`

	RejectReason string     `json:"reject_reason,omitempty" db:"reject_reason"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty" db:"processed_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// CommissionIntent is an unposted commission proposed by the attribution
// resolver. The ledger prices intents and turns them into records.
type CommissionIntent struct {
	ChatterID        string
	RelatedChatterID string
	Type             CommissionType
	BaseAmount       int64
	Source           SourceRef
	CaptainOverride  bool
}

// DedupKey returns the deterministic attribution key for this intent.
// Same source + type + recipient always yields the same key, which is how
// at-least-once event delivery collapses to exactly-once attribution.
func (i CommissionIntent) DedupKey() string {
	return fmt.Sprintf("%s|%s|%s", i.Source, i.Type, i.ChatterID)
}

// EventType classifies an inbound trigger from the event source.
type EventType string

const (
	EventCallCompleted    EventType = "call_completed"
	EventThresholdCrossed EventType = "threshold_crossed"
	EventManualAdjustment EventType = "manual_adjustment"
)

// Event is the at-least-once delivery unit from upstream triggers.
// Payload fields are populated per event type.
type Event struct {
	Type       EventType `json:"type"`
	ChatterID  string    `json:"chatter_id"`
	Source     SourceRef `json:"source"`
	OccurredAt time.Time `json:"occurred_at"`

	// call_completed
	ProviderKind ProviderKind `json:"provider_kind,omitempty"`

	// threshold_crossed
	RecruitedID string `json:"recruited_id,omitempty"`
	ThresholdID string `json:"threshold_id,omitempty"`

	// manual_adjustment
	Amount int64  `json:"amount,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// FailedAttribution records an event that could not be attributed (deleted
// recipient, unknown type). Never silently dropped.
type FailedAttribution struct {
	ID         string    `json:"id" db:"id"`
	EventType  EventType `json:"event_type" db:"event_type"`
	ChatterID  string    `json:"chatter_id" db:"chatter_id"`
	Source     SourceRef `json:"source"`
	Reason     string    `json:"reason" db:"reason"`
	OccurredAt time.Time `json:"occurred_at" db:"occurred_at"`
	RecordedAt time.Time `json:"recorded_at" db:"recorded_at"`
}

// Aggregate is a count/sum pair used by the stats queries.
type Aggregate struct {
	Count  int64 `json:"count"`
	Amount int64 `json:"amount"`
}

// EarnerTotal is one row of the top-earners ranking.
type EarnerTotal struct {
	ChatterID string `json:"chatter_id"`
	Amount    int64  `json:"amount"`
}

// SeriesPoint is one day of the amount time series.
type SeriesPoint struct {
	Day    time.Time `json:"day"`
	Amount int64     `json:"amount"`
}
