// Package scheduler drives the ledger's time gates: pending records whose
// validation hold has elapsed move to validated, validated records whose
// release delay has elapsed move to available.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/chatline/commission-engine/internal/config"
	"github.com/chatline/commission-engine/internal/ledger"
	"github.com/chatline/commission-engine/internal/metrics"
	"github.com/chatline/commission-engine/internal/model"
	"github.com/chatline/commission-engine/internal/store"
)

// ConfigSource supplies the current configuration snapshot.
type ConfigSource interface {
	Current() *config.Snapshot
}

// Scheduler periodically sweeps the ledger for due records. Promotion goes
// through the ledger's Transition, so sweeps contend on the same per-chatter
// locks as postings and withdrawals and can never observe a half-moved
// balance.
type Scheduler struct {
	store    store.Store
	ledger   *ledger.Ledger
	cfg      ConfigSource
	interval time.Duration
}

func New(st store.Store, l *ledger.Ledger, cfg ConfigSource, interval time.Duration) *Scheduler {
	return &Scheduler{store: st, ledger: l, cfg: cfg, interval: interval}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("scheduler started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx, time.Now().UTC())
		}
	}
}

// Sweep promotes every due record once. Failures on individual records are
// logged and skipped; the next sweep retries them. Records promoted to
// validated in this sweep are not double-promoted: their release delay
// counts from the validation timestamp just stamped.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	cfg := s.cfg.Current()
	s.promote(ctx, model.StatusPending, model.StatusValidated, now.Add(-cfg.ValidationHold), now)
	s.promote(ctx, model.StatusValidated, model.StatusAvailable, now.Add(-cfg.ReleaseDelay), now)
}

func (s *Scheduler) promote(ctx context.Context, from, to model.Status, cutoff, now time.Time) {
	due, err := s.store.ListDue(ctx, from, cutoff)
	if err != nil {
		slog.Error("sweep: list due records failed",
			"from", string(from), "err", err)
		return
	}

	var promoted int
	for _, rec := range due {
		if _, err := s.ledger.Transition(ctx, rec.ID, to, now); err != nil {
			slog.Error("sweep: promotion failed",
				"record_id", rec.ID, "to", string(to), "err", err)
			continue
		}
		promoted++
	}
	if promoted > 0 {
		metrics.SweepPromotions.WithLabelValues(string(to)).Add(float64(promoted))
		slog.Info("sweep promoted records",
			"to", string(to), "count", promoted, "due", len(due))
	}
}
