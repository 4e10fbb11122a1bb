// Package attribution turns triggering events into commission intents: who
// gets paid, which commission type, and at what base amount. It applies the
// referral cascade (direct, N1, N2), the captain override, and the
// recruitment-threshold rules, and stamps every intent with a deterministic
// dedup key so at-least-once event delivery cannot double-pay.
package attribution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chatline/commission-engine/internal/config"
	"github.com/chatline/commission-engine/internal/metrics"
	"github.com/chatline/commission-engine/internal/model"
)

var (
	// ErrUnknownEventType is returned for an event type the resolver does
	// not understand. Rejected before any state change.
	ErrUnknownEventType = errors.New("attribution: unknown event type")

	// ErrNoRecipient is returned when the event's recipient cannot be
	// resolved (deleted chatter, missing recruiter). The failure is
	// recorded before this error is returned — never silently dropped.
	ErrNoRecipient = errors.New("attribution: no resolvable recipient")

	// ErrInvalidEvent is returned for malformed payloads (negative manual
	// amount, unknown provider kind, unknown threshold id).
	ErrInvalidEvent = errors.New("attribution: invalid event")
)

// ReferralDirectory is the read-only view of the recruitment tree maintained
// by the membership system.
type ReferralDirectory interface {
	// Exists reports whether a chatter is live (not deleted).
	Exists(ctx context.Context, chatterID string) (bool, error)

	// Upline returns the N1 and N2 referrers of a chatter. Empty strings
	// mean the level is absent.
	Upline(ctx context.Context, chatterID string) (n1, n2 string, err error)

	// CaptainTier returns the chatter's captain tier name, if any.
	CaptainTier(ctx context.Context, chatterID string) (tier string, ok bool, err error)
}

// FailureSink records attribution failures. Satisfied by the store.
type FailureSink interface {
	InsertFailedAttribution(ctx context.Context, fa *model.FailedAttribution) error
}

// ConfigSource supplies the current configuration snapshot.
type ConfigSource interface {
	Current() *config.Snapshot
}

// Resolver maps events to commission intents.
type Resolver struct {
	cfg       ConfigSource
	directory ReferralDirectory
	failures  FailureSink
}

// NewResolver creates an attribution resolver.
func NewResolver(cfg ConfigSource, directory ReferralDirectory, failures FailureSink) *Resolver {
	return &Resolver{cfg: cfg, directory: directory, failures: failures}
}

// Attribute resolves an event into zero or more commission intents.
// Validation failures and unresolvable recipients return an error; the
// latter are additionally persisted as failed attributions.
func (r *Resolver) Attribute(ctx context.Context, ev model.Event) ([]model.CommissionIntent, error) {
	switch ev.Type {
	case model.EventCallCompleted:
		return r.attributeCall(ctx, ev)
	case model.EventThresholdCrossed:
		return r.attributeThreshold(ctx, ev)
	case model.EventManualAdjustment:
		return r.attributeManual(ctx, ev)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, ev.Type)
	}
}

// attributeCall emits the direct commission plus the referral cascade.
// If the N1 referrer is a captain, the N1 intent is replaced by a single
// captain intent at the tier's per-call amount plus its quality bonus; the
// N2 commission is still paid, the override applies at the immediate level
// only.
func (r *Resolver) attributeCall(ctx context.Context, ev model.Event) ([]model.CommissionIntent, error) {
	snap := r.cfg.Current()

	base, ok := snap.CallAmounts[ev.ProviderKind]
	if !ok {
		return nil, fmt.Errorf("%w: provider kind %q", ErrInvalidEvent, ev.ProviderKind)
	}

	if err := r.requireChatter(ctx, ev, ev.ChatterID, "servicing chatter not found"); err != nil {
		return nil, err
	}

	intents := []model.CommissionIntent{{
		ChatterID:  ev.ChatterID,
		Type:       model.TypeClientCall,
		BaseAmount: base,
		Source:     ev.Source,
	}}

	n1, n2, err := r.directory.Upline(ctx, ev.ChatterID)
	if err != nil {
		return nil, fmt.Errorf("upline lookup for %s: %w", ev.ChatterID, err)
	}

	if n1 != "" {
		if tier, isCaptain, err := r.captainTier(ctx, n1, snap); err != nil {
			return nil, err
		} else if isCaptain {
			intents = append(intents, model.CommissionIntent{
				ChatterID:        n1,
				RelatedChatterID: ev.ChatterID,
				Type:             model.TypeCaptainCall,
				BaseAmount:       tier.PerCallAmount + tier.QualityBonus,
				Source:           ev.Source,
				CaptainOverride:  true,
			})
		} else {
			intents = append(intents, model.CommissionIntent{
				ChatterID:        n1,
				RelatedChatterID: ev.ChatterID,
				Type:             model.TypeN1Call,
				BaseAmount:       snap.N1CallAmounts[ev.ProviderKind],
				Source:           ev.Source,
			})
		}
	}

	if n2 != "" {
		intents = append(intents, model.CommissionIntent{
			ChatterID:        n2,
			RelatedChatterID: ev.ChatterID,
			Type:             model.TypeN2Call,
			BaseAmount:       snap.N2CallAmounts[ev.ProviderKind],
			Source:           ev.Source,
		})
	}

	return intents, nil
}

// attributeThreshold emits exactly one one-time bonus to the recruiter.
// The dedup key derives from (recruiter, recruited, threshold), so
// re-crossing the same threshold never re-emits.
func (r *Resolver) attributeThreshold(ctx context.Context, ev model.Event) ([]model.CommissionIntent, error) {
	snap := r.cfg.Current()

	var threshold *config.RecruitThreshold
	for i := range snap.RecruitThresholds {
		if snap.RecruitThresholds[i].ID == ev.ThresholdID {
			threshold = &snap.RecruitThresholds[i]
			break
		}
	}
	if threshold == nil {
		return nil, fmt.Errorf("%w: threshold %q", ErrInvalidEvent, ev.ThresholdID)
	}
	if ev.RecruitedID == "" {
		return nil, fmt.Errorf("%w: threshold event without recruited chatter", ErrInvalidEvent)
	}

	if err := r.requireChatter(ctx, ev, ev.ChatterID, "recruiter not found"); err != nil {
		return nil, err
	}

	return []model.CommissionIntent{{
		ChatterID:        ev.ChatterID,
		RelatedChatterID: ev.RecruitedID,
		Type:             model.TypeThresholdBonus,
		BaseAmount:       threshold.Bonus,
		Source: model.SourceRef{
			Kind: model.SourceThreshold,
			ID:   ev.RecruitedID + ":" + ev.ThresholdID,
		},
	}}, nil
}

// attributeManual emits one admin-supplied commission entering the state
// machine at pending like any other.
func (r *Resolver) attributeManual(ctx context.Context, ev model.Event) ([]model.CommissionIntent, error) {
	if ev.Amount < 0 {
		return nil, fmt.Errorf("%w: negative manual amount %d", ErrInvalidEvent, ev.Amount)
	}
	if ev.Source.ID == "" {
		return nil, fmt.Errorf("%w: manual adjustment without source reference", ErrInvalidEvent)
	}

	if err := r.requireChatter(ctx, ev, ev.ChatterID, "adjusted chatter not found"); err != nil {
		return nil, err
	}

	return []model.CommissionIntent{{
		ChatterID:  ev.ChatterID,
		Type:       model.TypeManualAdjustment,
		BaseAmount: ev.Amount,
		Source:     ev.Source,
	}}, nil
}

func (r *Resolver) captainTier(ctx context.Context, chatterID string, snap *config.Snapshot) (config.CaptainTier, bool, error) {
	name, ok, err := r.directory.CaptainTier(ctx, chatterID)
	if err != nil {
		return config.CaptainTier{}, false, fmt.Errorf("captain lookup for %s: %w", chatterID, err)
	}
	if !ok {
		return config.CaptainTier{}, false, nil
	}
	tier, known := snap.CaptainTiers[name]
	if !known {
		// A tier the config does not know falls back to standard N1.
		return config.CaptainTier{}, false, nil
	}
	return tier, true, nil
}

// requireChatter verifies the recipient exists, persisting a failed
// attribution otherwise.
func (r *Resolver) requireChatter(ctx context.Context, ev model.Event, chatterID, reason string) error {
	exists, err := r.directory.Exists(ctx, chatterID)
	if err != nil {
		return fmt.Errorf("existence check for %s: %w", chatterID, err)
	}
	if exists {
		return nil
	}

	fa := &model.FailedAttribution{
		ID:         uuid.New().String(),
		EventType:  ev.Type,
		ChatterID:  chatterID,
		Source:     ev.Source,
		Reason:     reason,
		OccurredAt: ev.OccurredAt,
		RecordedAt: time.Now().UTC(),
	}
	if err := r.failures.InsertFailedAttribution(ctx, fa); err != nil {
		return fmt.Errorf("record failed attribution: %w", err)
	}
	metrics.FailedAttributions.Inc()
	return fmt.Errorf("%w: %s (%s)", ErrNoRecipient, chatterID, reason)
}

// MapDirectory is a map-backed ReferralDirectory for development and tests.
type MapDirectory struct {
	Chatters map[string]bool   // id → exists
	N1       map[string]string // chatter → direct referrer
	Captains map[string]string // chatter → tier name
}

func (d *MapDirectory) Exists(_ context.Context, chatterID string) (bool, error) {
	return d.Chatters[chatterID], nil
}

func (d *MapDirectory) Upline(_ context.Context, chatterID string) (string, string, error) {
	n1 := d.N1[chatterID]
	if n1 == "" {
		return "", "", nil
	}
	return n1, d.N1[n1], nil
}

func (d *MapDirectory) CaptainTier(_ context.Context, chatterID string) (string, bool, error) {
	tier, ok := d.Captains[chatterID]
	return tier, ok, nil
}
