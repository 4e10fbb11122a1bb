// Package config holds the immutable, versioned configuration snapshot for
// the commission engine: commission amounts per provider kind, level bonus
// thresholds, activity bonus factors, lifecycle delays, the captain tier
// table, and active promotion rules.
//
// A Snapshot is validated once at load time and never mutated afterwards;
// components read the current snapshot through a Holder, so a config push
// swaps the whole snapshot atomically instead of patching fields in place.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chatline/commission-engine/internal/model"
)

var (
	// ErrInvalidConfig is returned when a snapshot fails validation.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// LevelTier maps a lifetime-earnings threshold to a level bonus factor.
type LevelTier struct {
	Level     int
	MinEarned int64 // lifetime earnings in minor units to reach this level
	Bonus     decimal.Decimal
}

// RecruitThreshold is a one-time recruiter bonus granted when a recruited
// chatter's lifetime earnings cross Earned.
type RecruitThreshold struct {
	ID     string
	Earned int64 // recruited chatter's lifetime earnings in minor units
	Bonus  int64 // one-time bonus to the recruiter, minor units
}

// CaptainTier holds the per-tier override and quality-bonus amounts.
type CaptainTier struct {
	Name          string
	PerCallAmount int64 // replaces the standard n1 amount
	QualityBonus  int64
}

// PromotionRule is an optional overlay multiplier evaluated read-only at
// resolution time.
type PromotionRule struct {
	ID            string
	Multiplier    decimal.Decimal
	AppliesTo     PromotionScope
	CountryFilter string // empty = all countries
	StartDate     time.Time
	EndDate       time.Time
	IsActive      bool
}

// PromotionScope restricts which commission families a promotion boosts.
type PromotionScope string

const (
	PromoReferral    PromotionScope = "referral"
	PromoRecruitment PromotionScope = "recruitment"
	PromoAll         PromotionScope = "all"
)

// ActiveAt reports whether the rule applies at t for the given scope and
// country.
func (p PromotionRule) ActiveAt(t time.Time, scope PromotionScope, country string) bool {
	if !p.IsActive {
		return false
	}
	if p.AppliesTo != PromoAll && p.AppliesTo != scope {
		return false
	}
	if p.CountryFilter != "" && country != "" && p.CountryFilter != country {
		return false
	}
	if t.Before(p.StartDate) {
		return false
	}
	return p.EndDate.IsZero() || !t.After(p.EndDate)
}

// Snapshot is one immutable configuration version.
type Snapshot struct {
	Version  int64
	Currency string

	// Fixed base amounts per commission type, minor units.
	CallAmounts   map[model.ProviderKind]int64 // direct client_call
	N1CallAmounts map[model.ProviderKind]int64
	N2CallAmounts map[model.ProviderKind]int64

	LevelTiers        []LevelTier // ascending by MinEarned
	Top3Bonus         decimal.Decimal
	ZoomBonus         decimal.Decimal
	StreakBonus       decimal.Decimal
	MonthlyTopFactor  decimal.Decimal
	RecruitThresholds []RecruitThreshold
	CaptainTiers      map[string]CaptainTier
	Promotions        []PromotionRule

	ValidationHold time.Duration // pending → validated gate
	ReleaseDelay   time.Duration // validated → available gate
	MinWithdrawal  int64

	// Payout caps, minor units. Zero disables the check.
	MaxPerWithdrawal int64
	MaxWindowPayout  int64
	PayoutWindow     time.Duration
}

// Validate checks the snapshot invariants. A snapshot that fails validation
// must never be installed.
func (s *Snapshot) Validate() error {
	if s.Currency == "" {
		return fmt.Errorf("%w: currency is required", ErrInvalidConfig)
	}
	if s.ValidationHold < 0 || s.ReleaseDelay < 0 {
		return fmt.Errorf("%w: negative lifecycle delay", ErrInvalidConfig)
	}
	if s.MinWithdrawal < 0 {
		return fmt.Errorf("%w: negative minimum withdrawal", ErrInvalidConfig)
	}
	if s.MaxPerWithdrawal < 0 || s.MaxWindowPayout < 0 {
		return fmt.Errorf("%w: negative payout cap", ErrInvalidConfig)
	}
	if s.MaxPerWithdrawal > 0 && s.MaxPerWithdrawal < s.MinWithdrawal {
		return fmt.Errorf("%w: per-withdrawal cap below minimum withdrawal", ErrInvalidConfig)
	}
	one := decimal.NewFromInt(1)
	for _, tier := range s.LevelTiers {
		if tier.Bonus.LessThan(one) {
			return fmt.Errorf("%w: level %d bonus below 1.0", ErrInvalidConfig, tier.Level)
		}
	}
	for i := 1; i < len(s.LevelTiers); i++ {
		if s.LevelTiers[i].MinEarned <= s.LevelTiers[i-1].MinEarned {
			return fmt.Errorf("%w: level tiers must be strictly ascending", ErrInvalidConfig)
		}
	}
	for _, f := range []decimal.Decimal{s.Top3Bonus, s.ZoomBonus, s.StreakBonus, s.MonthlyTopFactor} {
		if f.LessThan(one) {
			return fmt.Errorf("%w: bonus factor below 1.0", ErrInvalidConfig)
		}
	}
	for _, p := range s.Promotions {
		if p.Multiplier.LessThan(one) {
			return fmt.Errorf("%w: promotion %s multiplier below 1.0", ErrInvalidConfig, p.ID)
		}
	}
	for kind, amt := range s.CallAmounts {
		if amt < 0 {
			return fmt.Errorf("%w: negative call amount for %s", ErrInvalidConfig, kind)
		}
	}
	return nil
}

// Default returns the baseline snapshot. Amounts are minor units (cents).
func Default() *Snapshot {
	return &Snapshot{
		Version:  1,
		Currency: "USD",
		CallAmounts: map[model.ProviderKind]int64{
			model.ProviderLawyer: 1500,
			model.ProviderExpat:  1000,
		},
		N1CallAmounts: map[model.ProviderKind]int64{
			model.ProviderLawyer: 150,
			model.ProviderExpat:  100,
		},
		N2CallAmounts: map[model.ProviderKind]int64{
			model.ProviderLawyer: 75,
			model.ProviderExpat:  50,
		},
		LevelTiers: []LevelTier{
			{Level: 2, MinEarned: 50_000, Bonus: decimal.NewFromFloat(1.05)},
			{Level: 3, MinEarned: 150_000, Bonus: decimal.NewFromFloat(1.10)},
			{Level: 4, MinEarned: 400_000, Bonus: decimal.NewFromFloat(1.15)},
			{Level: 5, MinEarned: 1_000_000, Bonus: decimal.NewFromFloat(1.20)},
		},
		Top3Bonus:        decimal.NewFromFloat(1.15),
		ZoomBonus:        decimal.NewFromFloat(1.05),
		StreakBonus:      decimal.NewFromFloat(1.10),
		MonthlyTopFactor: decimal.NewFromFloat(2.0),
		RecruitThresholds: []RecruitThreshold{
			{ID: "t100", Earned: 10_000, Bonus: 1_000},
			{ID: "t500", Earned: 50_000, Bonus: 2_500},
			{ID: "t1000", Earned: 100_000, Bonus: 5_000},
		},
		CaptainTiers: map[string]CaptainTier{
			"bronze": {Name: "bronze", PerCallAmount: 200, QualityBonus: 500},
			"silver": {Name: "silver", PerCallAmount: 250, QualityBonus: 1_000},
			"gold":   {Name: "gold", PerCallAmount: 300, QualityBonus: 2_000},
		},
		ValidationHold:   72 * time.Hour,
		ReleaseDelay:     24 * time.Hour,
		MinWithdrawal:    3_000,
		MaxPerWithdrawal: 500_000,
		MaxWindowPayout:  1_000_000,
		PayoutWindow:     24 * time.Hour,
	}
}

// FromEnv builds a snapshot from Default overridden by environment
// variables, then validates it. Durations use hours.
func FromEnv() (*Snapshot, error) {
	s := Default()

	if v := os.Getenv("CURRENCY"); v != "" {
		s.Currency = v
	}
	if v, ok := envInt("VALIDATION_HOLD_HOURS"); ok {
		s.ValidationHold = time.Duration(v) * time.Hour
	}
	if v, ok := envInt("RELEASE_DELAY_HOURS"); ok {
		s.ReleaseDelay = time.Duration(v) * time.Hour
	}
	if v, ok := envInt("MIN_WITHDRAWAL_CENTS"); ok {
		s.MinWithdrawal = v
	}
	if v, ok := envInt("MAX_PER_WITHDRAWAL_CENTS"); ok {
		s.MaxPerWithdrawal = v
	}
	if v, ok := envInt("MAX_WINDOW_PAYOUT_CENTS"); ok {
		s.MaxWindowPayout = v
	}
	if v, ok := envInt("CALL_AMOUNT_LAWYER_CENTS"); ok {
		s.CallAmounts[model.ProviderLawyer] = v
	}
	if v, ok := envInt("CALL_AMOUNT_EXPAT_CENTS"); ok {
		s.CallAmounts[model.ProviderExpat] = v
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func envInt(key string) (int64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Holder publishes the current snapshot. Swap installs a new version
// atomically; readers never observe a half-updated configuration.
type Holder struct {
	cur atomic.Pointer[Snapshot]
}

// NewHolder creates a holder seeded with the given snapshot.
func NewHolder(s *Snapshot) *Holder {
	h := &Holder{}
	h.cur.Store(s)
	return h
}

// Current returns the live snapshot.
func (h *Holder) Current() *Snapshot {
	return h.cur.Load()
}

// Swap validates and installs a new snapshot. The version must move
// forward; stale pushes are rejected.
func (h *Holder) Swap(s *Snapshot) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if cur := h.cur.Load(); cur != nil && s.Version <= cur.Version {
		return fmt.Errorf("%w: version %d not newer than %d", ErrInvalidConfig, s.Version, cur.Version)
	}
	h.cur.Store(s)
	return nil
}
