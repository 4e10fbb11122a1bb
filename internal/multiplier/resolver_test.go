package multiplier

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chatline/commission-engine/internal/config"
	"github.com/chatline/commission-engine/internal/model"
	"github.com/chatline/commission-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestResolver(t *testing.T, snap *config.Snapshot, activity *StaticActivity) (*Resolver, *store.MemoryStore) {
	t.Helper()
	if snap == nil {
		snap = config.Default()
	}
	if activity == nil {
		activity = &StaticActivity{}
	}
	ms := store.NewMemoryStore()
	return NewResolver(config.NewHolder(snap), ms, activity), ms
}

func setEarned(t *testing.T, ms *store.MemoryStore, chatterID string, earned int64) {
	t.Helper()
	if err := ms.PutBalance(context.Background(), &model.ChatterBalance{
		ChatterID:   chatterID,
		TotalEarned: earned,
	}); err != nil {
		t.Fatalf("failed to seed balance: %v", err)
	}
}

func TestResolve_NewChatterNoBonuses(t *testing.T) {
	r, _ := newTestResolver(t, nil, nil)

	stack, err := r.Resolve(context.Background(), "c1", time.Now().UTC(), model.TypeClientCall)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stack) != 0 {
		t.Errorf("expected empty stack for new chatter, got %d entries", len(stack))
	}
}

func TestResolve_LevelBonusFromLifetimeEarnings(t *testing.T) {
	r, ms := newTestResolver(t, nil, nil)
	// Default tiers: level3 at 150_000 with bonus 1.10.
	setEarned(t, ms, "c1", 200_000)

	stack, err := r.Resolve(context.Background(), "c1", time.Now().UTC(), model.TypeClientCall)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stack) != 1 {
		t.Fatalf("expected 1 multiplier, got %d", len(stack))
	}
	if stack[0].Label != LabelLevel {
		t.Errorf("expected %s, got %s", LabelLevel, stack[0].Label)
	}
	if !stack[0].Factor.Equal(d(1.10)) {
		t.Errorf("expected level3 bonus 1.10, got %s", stack[0].Factor)
	}
}

func TestResolve_LevelBonusNotStale(t *testing.T) {
	// A manual adjustment that bumps lifetime earnings must change the
	// level on the very next resolution.
	r, ms := newTestResolver(t, nil, nil)
	setEarned(t, ms, "c1", 10_000)

	stack, _ := r.Resolve(context.Background(), "c1", time.Now().UTC(), model.TypeClientCall)
	if len(stack) != 0 {
		t.Fatalf("expected no level bonus below first tier, got %d entries", len(stack))
	}

	setEarned(t, ms, "c1", 60_000)
	stack, _ = r.Resolve(context.Background(), "c1", time.Now().UTC(), model.TypeClientCall)
	if len(stack) != 1 || stack[0].Label != LabelLevel {
		t.Fatalf("expected level bonus after earnings bump, got %v", stack)
	}
	if !stack[0].Factor.Equal(d(1.05)) {
		t.Errorf("expected level2 bonus 1.05, got %s", stack[0].Factor)
	}
}

func TestResolve_DeterministicOrdering(t *testing.T) {
	snap := config.Default()
	snap.Promotions = []config.PromotionRule{{
		ID:         "summer",
		Multiplier: d(1.25),
		AppliesTo:  config.PromoAll,
		StartDate:  time.Now().Add(-time.Hour),
		EndDate:    time.Now().Add(time.Hour),
		IsActive:   true,
	}}
	activity := &StaticActivity{
		Ranks:  map[string]int{"c1": 1},
		Zoom:   map[string]bool{"c1": true},
		Streak: map[string]bool{"c1": true},
	}
	r, ms := newTestResolver(t, snap, activity)
	setEarned(t, ms, "c1", 1_500_000) // level 5

	stack, err := r.Resolve(context.Background(), "c1", time.Now().UTC(), model.TypeClientCall)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{LabelLevel, LabelTop3, LabelZoom, LabelStreak, LabelMonthlyTop, "promo:summer"}
	if len(stack) != len(want) {
		t.Fatalf("expected %d multipliers, got %d: %v", len(want), len(stack), stack)
	}
	for i, label := range want {
		if stack[i].Label != label {
			t.Errorf("position %d: expected %s, got %s", i, label, stack[i].Label)
		}
	}
}

func TestResolve_Top3WithoutMonthlyTop(t *testing.T) {
	activity := &StaticActivity{Ranks: map[string]int{"c1": 3}}
	r, _ := newTestResolver(t, nil, activity)

	stack, _ := r.Resolve(context.Background(), "c1", time.Now().UTC(), model.TypeClientCall)
	if len(stack) != 1 || stack[0].Label != LabelTop3 {
		t.Fatalf("rank 3 should get only the top3 bonus, got %v", stack)
	}
}

func TestResolve_HighestPromotionWins(t *testing.T) {
	now := time.Now().UTC()
	snap := config.Default()
	snap.Promotions = []config.PromotionRule{
		{ID: "small", Multiplier: d(1.10), AppliesTo: config.PromoAll, StartDate: now.Add(-time.Hour), EndDate: now.Add(time.Hour), IsActive: true},
		{ID: "big", Multiplier: d(1.50), AppliesTo: config.PromoAll, StartDate: now.Add(-time.Hour), EndDate: now.Add(time.Hour), IsActive: true},
	}
	r, _ := newTestResolver(t, snap, nil)

	stack, _ := r.Resolve(context.Background(), "c1", now, model.TypeClientCall)
	if len(stack) != 1 {
		t.Fatalf("expected exactly one promotion multiplier, got %v", stack)
	}
	if stack[0].Label != "promo:big" {
		t.Errorf("expected highest promotion to win, got %s", stack[0].Label)
	}
}

func TestResolve_PromotionScopeAndCountry(t *testing.T) {
	now := time.Now().UTC()
	snap := config.Default()
	snap.Promotions = []config.PromotionRule{
		{ID: "recruit-only", Multiplier: d(1.30), AppliesTo: config.PromoRecruitment, StartDate: now.Add(-time.Hour), EndDate: now.Add(time.Hour), IsActive: true},
		{ID: "fr-only", Multiplier: d(1.20), AppliesTo: config.PromoReferral, CountryFilter: "FR", StartDate: now.Add(-time.Hour), EndDate: now.Add(time.Hour), IsActive: true},
	}
	activity := &StaticActivity{Countries: map[string]string{"c1": "DE"}}
	r, _ := newTestResolver(t, snap, activity)

	// Referral event from a DE chatter matches neither rule.
	stack, _ := r.Resolve(context.Background(), "c1", now, model.TypeClientCall)
	if len(stack) != 0 {
		t.Errorf("expected no promotion, got %v", stack)
	}

	// Recruitment event matches the recruit-only rule.
	stack, _ = r.Resolve(context.Background(), "c1", now, model.TypeThresholdBonus)
	if len(stack) != 1 || stack[0].Label != "promo:recruit-only" {
		t.Errorf("expected recruit-only promotion, got %v", stack)
	}
}

func TestResolve_ExpiredPromotionIgnored(t *testing.T) {
	now := time.Now().UTC()
	snap := config.Default()
	snap.Promotions = []config.PromotionRule{
		{ID: "past", Multiplier: d(2.0), AppliesTo: config.PromoAll, StartDate: now.Add(-48 * time.Hour), EndDate: now.Add(-24 * time.Hour), IsActive: true},
		{ID: "inactive", Multiplier: d(2.0), AppliesTo: config.PromoAll, StartDate: now.Add(-time.Hour), EndDate: now.Add(time.Hour), IsActive: false},
	}
	r, _ := newTestResolver(t, snap, nil)

	stack, _ := r.Resolve(context.Background(), "c1", now, model.TypeClientCall)
	if len(stack) != 0 {
		t.Errorf("expected no promotion, got %v", stack)
	}
}

func TestResolve_ManualAdjustmentHasNoMultipliers(t *testing.T) {
	activity := &StaticActivity{Ranks: map[string]int{"c1": 1}}
	r, ms := newTestResolver(t, nil, activity)
	setEarned(t, ms, "c1", 1_500_000)

	stack, err := r.Resolve(context.Background(), "c1", time.Now().UTC(), model.TypeManualAdjustment)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stack) != 0 {
		t.Errorf("manual adjustments must not be multiplied, got %v", stack)
	}
}
