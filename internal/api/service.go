// Package api exposes the commission engine over HTTP: event ingestion,
// commission queries, chatter balances, withdrawals, an admin stats surface,
// and a websocket live feed.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/chatline/commission-engine/internal/attribution"
	"github.com/chatline/commission-engine/internal/ledger"
	"github.com/chatline/commission-engine/internal/limits"
	"github.com/chatline/commission-engine/internal/metrics"
	"github.com/chatline/commission-engine/internal/model"
	"github.com/chatline/commission-engine/internal/multiplier"
	"github.com/chatline/commission-engine/internal/store"
	"github.com/chatline/commission-engine/internal/withdrawal"
)

// Service wires the engine's components behind the HTTP surface.
type Service struct {
	store       store.Store
	attribution *attribution.Resolver
	multipliers *multiplier.Resolver
	ledger      *ledger.Ledger
	withdrawals *withdrawal.Coordinator
	hub         *WSHub
}

// NewService creates the HTTP service. hub may be nil if no live feed is
// wanted.
func NewService(st store.Store, attr *attribution.Resolver, mult *multiplier.Resolver,
	led *ledger.Ledger, wd *withdrawal.Coordinator, hub *WSHub) *Service {
	return &Service{
		store:       st,
		attribution: attr,
		multipliers: mult,
		ledger:      led,
		withdrawals: wd,
		hub:         hub,
	}
}

// Router builds the chi router with the standard middleware stack.
func (s *Service) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if req.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/events", s.handleEvent)

		r.Route("/commissions", func(r chi.Router) {
			r.Get("/", s.handleListCommissions)
			r.Get("/export", s.handleExportCommissions)
			r.Post("/adjust", s.handleAdjust)
			r.Get("/{id}", s.handleGetCommission)
			r.Post("/{id}/cancel", s.handleCancel)
		})

		r.Route("/chatters/{id}", func(r chi.Router) {
			r.Get("/balance", s.handleBalance)
			r.Get("/withdrawals", s.handleListWithdrawals)
		})

		r.Route("/withdrawals", func(r chi.Router) {
			r.Post("/", s.handleRequestWithdrawal)
			r.Get("/{id}", s.handleGetWithdrawal)
			r.Post("/{id}/approve", s.handleApproveWithdrawal)
			r.Post("/{id}/reject", s.handleRejectWithdrawal)
			r.Post("/{id}/complete", s.handleCompleteWithdrawal)
		})

		r.Get("/stats", s.handleStats)
	})

	if s.hub != nil {
		r.Get("/ws", s.hub.ServeHTTP)
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}

// writeDomainError maps the engine's error taxonomy onto HTTP statuses and
// stable reason codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, attribution.ErrInvalidEvent),
		errors.Is(err, attribution.ErrUnknownEventType):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, attribution.ErrNoRecipient):
		writeError(w, http.StatusUnprocessableEntity, "no_recipient", err.Error())
	case errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, withdrawal.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, ledger.ErrRecordPaid):
		writeError(w, http.StatusConflict, "record_paid", err.Error())
	case errors.Is(err, ledger.ErrRecordLocked):
		writeError(w, http.StatusConflict, "record_locked", err.Error())
	case errors.Is(err, withdrawal.ErrInsufficientBalance):
		writeError(w, http.StatusUnprocessableEntity, "insufficient_balance", err.Error())
	case errors.Is(err, limits.ErrPerWithdrawalLimit),
		errors.Is(err, limits.ErrWindowLimitExceeded):
		writeError(w, http.StatusUnprocessableEntity, "payout_limit", err.Error())
	case errors.Is(err, withdrawal.ErrPayoutFailed):
		writeError(w, http.StatusBadGateway, "payout_failed", err.Error())
	default:
		slog.Error("internal error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ingest runs an event through attribution, pricing, and posting.
func (s *Service) ingest(r *http.Request, ev model.Event) ([]model.CommissionRecord, error) {
	ctx := r.Context()
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	intents, err := s.attribution.Attribute(ctx, ev)
	if err != nil {
		return nil, err
	}

	priced := make([]ledger.PricedIntent, 0, len(intents))
	for _, in := range intents {
		stack, err := s.multipliers.Resolve(ctx, in.ChatterID, ev.OccurredAt, in.Type)
		if err != nil {
			return nil, fmt.Errorf("resolve multipliers: %w", err)
		}
		priced = append(priced, ledger.PricedIntent{Intent: in, Multipliers: stack})
	}

	return s.ledger.Post(ctx, priced, time.Now().UTC())
}

func (s *Service) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev model.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "malformed event payload")
		return
	}

	posted, err := s.ingest(r, ev)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"posted":  posted,
		"skipped": posted == nil,
	})
}

func parseFilter(r *http.Request) store.RecordFilter {
	q := r.URL.Query()
	f := store.RecordFilter{
		ChatterID:  q.Get("chatter_id"),
		Type:       model.CommissionType(q.Get("type")),
		Status:     model.Status(q.Get("status")),
		SourceKind: model.SourceKind(q.Get("source_kind")),
		Search:     q.Get("q"),
		Limit:      100,
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 && v <= 1000 {
		f.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v > 0 {
		f.Offset = v
	}
	if t, err := time.Parse(time.RFC3339, q.Get("from")); err == nil {
		f.From = t
	}
	if t, err := time.Parse(time.RFC3339, q.Get("to")); err == nil {
		f.To = t
	}
	return f
}

func (s *Service) handleListCommissions(w http.ResponseWriter, r *http.Request) {
	f := parseFilter(r)
	if f.Type != "" && !f.Type.Valid() {
		writeError(w, http.StatusBadRequest, "validation_error", "unknown commission type")
		return
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, "validation_error", "unknown status")
		return
	}

	records, err := s.store.ListRecords(r.Context(), f)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
	})
}

func (s *Service) handleGetCommission(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleExportCommissions streams the filtered records as TSV for the
// finance spreadsheet import.
func (s *Service) handleExportCommissions(w http.ResponseWriter, r *http.Request) {
	f := parseFilter(r)
	f.Limit = 10_000
	records, err := s.store.ListRecords(r.Context(), f)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/tab-separated-values; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="commissions.tsv"`)

	var sb strings.Builder
	sb.WriteString("id\tchatter_id\ttype\tsource\tbase_amount\tamount\tcurrency\tstatus\tcreated_at\n")
	for _, rec := range records {
		fmt.Fprintf(&sb, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			rec.ID, rec.ChatterID, rec.Type, rec.Source,
			rec.BaseAmount, rec.Amount, rec.Currency, rec.Status,
			rec.CreatedAt.Format(time.RFC3339))
	}
	if _, err := w.Write([]byte(sb.String())); err != nil {
		slog.Error("export write failed", "err", err)
	}
}

type adjustRequest struct {
	ChatterID string `json:"chatter_id"`
	Amount    int64  `json:"amount"`
	SourceID  string `json:"source_id"`
	Reason    string `json:"reason"`
}

func (s *Service) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "malformed adjustment payload")
		return
	}
	if req.ChatterID == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "chatter_id is required")
		return
	}

	posted, err := s.ingest(r, model.Event{
		Type:      model.EventManualAdjustment,
		ChatterID: req.ChatterID,
		Source:    model.SourceRef{Kind: model.SourceAdmin, ID: req.SourceID},
		Amount:    req.Amount,
		Reason:    req.Reason,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"posted": posted})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "malformed cancel payload")
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "reason is required")
		return
	}

	rec, err := s.ledger.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason, time.Now().UTC())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Service) handleBalance(w http.ResponseWriter, r *http.Request) {
	b, err := s.ledger.Balance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type withdrawalRequest struct {
	ChatterID string `json:"chatter_id"`
}

func (s *Service) handleRequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req withdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "malformed withdrawal payload")
		return
	}
	if req.ChatterID == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "chatter_id is required")
		return
	}

	wd, err := s.withdrawals.Request(r.Context(), req.ChatterID, time.Now().UTC())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wd)
}

func (s *Service) handleGetWithdrawal(w http.ResponseWriter, r *http.Request) {
	wd, err := s.withdrawals.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wd)
}

func (s *Service) handleListWithdrawals(w http.ResponseWriter, r *http.Request) {
	list, err := s.withdrawals.List(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"withdrawals": list})
}

func (s *Service) handleApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	wd, err := s.withdrawals.Approve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wd)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Service) handleRejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "malformed reject payload")
		return
	}

	wd, err := s.withdrawals.Reject(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wd)
}

func (s *Service) handleCompleteWithdrawal(w http.ResponseWriter, r *http.Request) {
	wd, err := s.withdrawals.Complete(r.Context(), chi.URLParam(r, "id"), time.Now().UTC())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wd)
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	byStatus, err := s.store.AggregateByStatus(ctx)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	byType, err := s.store.AggregateByType(ctx)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	top, err := s.store.TopEarners(ctx, 10)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	to := time.Now().UTC()
	from := to.AddDate(0, 0, -30)
	series, err := s.store.AmountSeries(ctx, from, to)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"by_status":   byStatus,
		"by_type":     byType,
		"top_earners": top,
		"series":      series,
	})
}
