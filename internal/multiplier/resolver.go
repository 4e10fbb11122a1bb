// Package multiplier resolves the ordered bonus stack for a chatter at a
// point in time: level bonus, monthly top-3 bonus, zoom bonus, streak bonus,
// monthly-top multiplier, then at most one promotion multiplier.
//
// Resolution is a pure read over the current configuration snapshot and the
// chatter's aggregates. The level bonus in particular is recomputed from
// lifetime earnings on every call — never cached — so manual adjustments are
// reflected immediately.
package multiplier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatline/commission-engine/internal/config"
	"github.com/chatline/commission-engine/internal/model"
)

// Labels used in multiplier stacks and stored breakdowns.
const (
	LabelLevel      = "levelBonus"
	LabelTop3       = "top3Bonus"
	LabelZoom       = "zoomBonus"
	LabelStreak     = "streakBonus"
	LabelMonthlyTop = "monthlyTopMultiplier"
)

// ConfigSource supplies the current configuration snapshot.
type ConfigSource interface {
	Current() *config.Snapshot
}

// BalanceSource supplies chatter balance aggregates. Satisfied by the store.
type BalanceSource interface {
	GetBalance(ctx context.Context, chatterID string) (*model.ChatterBalance, error)
}

// ActivitySource supplies the activity signals maintained by the membership
// system: monthly ranking, engagement flags, and country. It is an external
// collaborator consumed read-only.
type ActivitySource interface {
	// MonthlyRank returns the chatter's rank for the month containing at,
	// or 0 if unranked.
	MonthlyRank(ctx context.Context, chatterID string, at time.Time) (int, error)
	HasZoomBonus(ctx context.Context, chatterID string, at time.Time) (bool, error)
	HasStreakBonus(ctx context.Context, chatterID string, at time.Time) (bool, error)
	Country(ctx context.Context, chatterID string) (string, error)
}

// Resolver computes multiplier stacks. It has no side effects and writes
// nothing.
type Resolver struct {
	cfg      ConfigSource
	balances BalanceSource
	activity ActivitySource
}

// NewResolver creates a resolver over the given sources.
func NewResolver(cfg ConfigSource, balances BalanceSource, activity ActivitySource) *Resolver {
	return &Resolver{cfg: cfg, balances: balances, activity: activity}
}

// Resolve returns the ordered multiplier list for one commission intent.
// Manual adjustments carry admin-supplied amounts and get no multipliers.
func (r *Resolver) Resolve(ctx context.Context, chatterID string, eventTime time.Time, commissionType model.CommissionType) ([]model.Multiplier, error) {
	if commissionType == model.TypeManualAdjustment {
		return nil, nil
	}

	snap := r.cfg.Current()
	var stack []model.Multiplier

	// 1. Level bonus, recomputed from lifetime earnings.
	balance, err := r.balances.GetBalance(ctx, chatterID)
	if err != nil {
		return nil, fmt.Errorf("resolve level bonus for %s: %w", chatterID, err)
	}
	if tier, ok := levelFor(snap.LevelTiers, balance.TotalEarned); ok {
		stack = append(stack, model.Multiplier{Label: LabelLevel, Factor: tier.Bonus})
	}

	// 2–5. Activity bonuses.
	rank, err := r.activity.MonthlyRank(ctx, chatterID, eventTime)
	if err != nil {
		return nil, fmt.Errorf("resolve monthly rank for %s: %w", chatterID, err)
	}
	if rank >= 1 && rank <= 3 {
		stack = append(stack, model.Multiplier{Label: LabelTop3, Factor: snap.Top3Bonus})
	}

	zoom, err := r.activity.HasZoomBonus(ctx, chatterID, eventTime)
	if err != nil {
		return nil, err
	}
	if zoom {
		stack = append(stack, model.Multiplier{Label: LabelZoom, Factor: snap.ZoomBonus})
	}

	streak, err := r.activity.HasStreakBonus(ctx, chatterID, eventTime)
	if err != nil {
		return nil, err
	}
	if streak {
		stack = append(stack, model.Multiplier{Label: LabelStreak, Factor: snap.StreakBonus})
	}

	if rank == 1 {
		stack = append(stack, model.Multiplier{Label: LabelMonthlyTop, Factor: snap.MonthlyTopFactor})
	}

	// 6. At most one promotion, applied last.
	country, err := r.activity.Country(ctx, chatterID)
	if err != nil {
		return nil, err
	}
	if promo, ok := selectPromotion(snap.Promotions, eventTime, promotionScope(commissionType), country); ok {
		stack = append(stack, model.Multiplier{Label: "promo:" + promo.ID, Factor: promo.Multiplier})
	}

	return stack, nil
}

// levelFor returns the highest tier reached by the given lifetime earnings.
func levelFor(tiers []config.LevelTier, totalEarned int64) (config.LevelTier, bool) {
	var best config.LevelTier
	found := false
	for _, tier := range tiers {
		if totalEarned >= tier.MinEarned {
			best = tier
			found = true
		}
	}
	return best, found
}

// promotionScope maps a commission type to the promotion family it belongs to.
func promotionScope(t model.CommissionType) config.PromotionScope {
	switch t {
	case model.TypeThresholdBonus:
		return config.PromoRecruitment
	default:
		return config.PromoReferral
	}
}

// selectPromotion picks the single applicable promotion. When several active
// rules match, the highest multiplier wins and the rejected alternatives are
// logged for audit.
func selectPromotion(rules []config.PromotionRule, at time.Time, scope config.PromotionScope, country string) (config.PromotionRule, bool) {
	var matched []config.PromotionRule
	for _, p := range rules {
		if p.ActiveAt(at, scope, country) {
			matched = append(matched, p)
		}
	}
	if len(matched) == 0 {
		return config.PromotionRule{}, false
	}

	best := matched[0]
	for _, p := range matched[1:] {
		if p.Multiplier.GreaterThan(best.Multiplier) {
			best = p
		}
	}
	for _, p := range matched {
		if p.ID != best.ID {
			slog.Info("promotion rejected in favor of higher multiplier",
				"rejected", p.ID,
				"rejected_multiplier", p.Multiplier.String(),
				"selected", best.ID,
				"selected_multiplier", best.Multiplier.String(),
			)
		}
	}
	return best, true
}

// StaticActivity is a map-backed ActivitySource for development and tests.
type StaticActivity struct {
	Ranks     map[string]int
	Zoom      map[string]bool
	Streak    map[string]bool
	Countries map[string]string
}

func (a *StaticActivity) MonthlyRank(_ context.Context, chatterID string, _ time.Time) (int, error) {
	return a.Ranks[chatterID], nil
}

func (a *StaticActivity) HasZoomBonus(_ context.Context, chatterID string, _ time.Time) (bool, error) {
	return a.Zoom[chatterID], nil
}

func (a *StaticActivity) HasStreakBonus(_ context.Context, chatterID string, _ time.Time) (bool, error) {
	return a.Streak[chatterID], nil
}

func (a *StaticActivity) Country(_ context.Context, chatterID string) (string, error) {
	return a.Countries[chatterID], nil
}
