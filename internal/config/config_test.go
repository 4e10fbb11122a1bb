package config

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default snapshot invalid: %v", err)
	}
}

func TestValidateRejectsBadSnapshots(t *testing.T) {
	cases := map[string]func(*Snapshot){
		"empty currency":      func(s *Snapshot) { s.Currency = "" },
		"negative hold":       func(s *Snapshot) { s.ValidationHold = -time.Hour },
		"negative minimum":    func(s *Snapshot) { s.MinWithdrawal = -1 },
		"bonus below one":     func(s *Snapshot) { s.Top3Bonus = decimal.NewFromFloat(0.9) },
		"tier below one":      func(s *Snapshot) { s.LevelTiers[0].Bonus = decimal.NewFromFloat(0.5) },
		"unordered tiers":     func(s *Snapshot) { s.LevelTiers[1].MinEarned = s.LevelTiers[0].MinEarned },
		"cap below minimum":   func(s *Snapshot) { s.MaxPerWithdrawal = s.MinWithdrawal - 1 },
		"negative payout cap": func(s *Snapshot) { s.MaxWindowPayout = -1 },
	}
	for name, mutate := range cases {
		s := Default()
		mutate(s)
		if err := s.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: err = %v, want ErrInvalidConfig", name, err)
		}
	}
}

func TestHolderSwapRequiresNewerVersion(t *testing.T) {
	h := NewHolder(Default())

	next := Default()
	next.Version = 2
	if err := h.Swap(next); err != nil {
		t.Fatalf("swap to v2: %v", err)
	}
	if h.Current().Version != 2 {
		t.Errorf("current version = %d, want 2", h.Current().Version)
	}

	stale := Default()
	stale.Version = 2
	if err := h.Swap(stale); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("stale swap: err = %v, want ErrInvalidConfig", err)
	}
	invalid := Default()
	invalid.Version = 3
	invalid.Currency = ""
	if err := h.Swap(invalid); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("invalid swap: err = %v, want ErrInvalidConfig", err)
	}
	if h.Current().Version != 2 {
		t.Errorf("failed swaps must not install: version = %d", h.Current().Version)
	}
}

func TestPromotionActiveAt(t *testing.T) {
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	p := PromotionRule{
		ID:         "spring",
		Multiplier: decimal.NewFromFloat(1.2),
		AppliesTo:  PromoReferral,
		StartDate:  now.AddDate(0, 0, -1),
		EndDate:    now.AddDate(0, 0, 1),
		IsActive:   true,
	}

	if !p.ActiveAt(now, PromoReferral, "") {
		t.Error("in-window promotion should be active")
	}
	if p.ActiveAt(now, PromoRecruitment, "") {
		t.Error("wrong scope should not match")
	}
	if p.ActiveAt(now.AddDate(0, 0, 2), PromoReferral, "") {
		t.Error("expired promotion should not match")
	}

	p.CountryFilter = "FR"
	if p.ActiveAt(now, PromoReferral, "US") {
		t.Error("country filter should exclude US")
	}
	if !p.ActiveAt(now, PromoReferral, "FR") {
		t.Error("country filter should include FR")
	}
}
