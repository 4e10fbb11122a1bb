package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chatline/commission-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	records     map[string]*model.CommissionRecord
	dedupKeys   map[string]string // dedup key → record id
	balances    map[string]*model.ChatterBalance
	withdrawals map[string]*model.Withdrawal
	failures    []model.FailedAttribution
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:     make(map[string]*model.CommissionRecord),
		dedupKeys:   make(map[string]string),
		balances:    make(map[string]*model.ChatterBalance),
		withdrawals: make(map[string]*model.Withdrawal),
	}
}

func cloneRecord(r *model.CommissionRecord) *model.CommissionRecord {
	c := *r
	c.Multipliers = append([]model.Multiplier(nil), r.Multipliers...)
	c.Breakdown = append([]model.BreakdownStep(nil), r.Breakdown...)
	if r.ValidatedAt != nil {
		t := *r.ValidatedAt
		c.ValidatedAt = &t
	}
	if r.AvailableAt != nil {
		t := *r.AvailableAt
		c.AvailableAt = &t
	}
	if r.PaidAt != nil {
		t := *r.PaidAt
		c.PaidAt = &t
	}
	if r.CancelledAt != nil {
		t := *r.CancelledAt
		c.CancelledAt = &t
	}
	return &c
}

func cloneWithdrawal(w *model.Withdrawal) *model.Withdrawal {
	c := *w
	c.RecordIDs = append([]string(nil), w.RecordIDs...)
	if w.ProcessedAt != nil {
		t := *w.ProcessedAt
		c.ProcessedAt = &t
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// --- Commission records ---

func (s *MemoryStore) InsertRecord(_ context.Context, rec *model.CommissionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.DedupKey != "" {
		if _, exists := s.dedupKeys[rec.DedupKey]; exists {
			return ErrDuplicateDedupKey
		}
	}
	s.records[rec.ID] = cloneRecord(rec)
	if rec.DedupKey != "" {
		s.dedupKeys[rec.DedupKey] = rec.ID
	}
	return nil
}

func (s *MemoryStore) GetRecord(_ context.Context, id string) (*model.CommissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(r), nil
}

func (s *MemoryStore) UpdateRecord(_ context.Context, rec *model.CommissionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ID]; !ok {
		return ErrNotFound
	}
	s.records[rec.ID] = cloneRecord(rec)
	return nil
}

func (s *MemoryStore) DeleteRecord(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.dedupKeys, r.DedupKey)
	delete(s.records, id)
	return nil
}

func matches(r *model.CommissionRecord, f RecordFilter) bool {
	if f.ChatterID != "" && r.ChatterID != f.ChatterID {
		return false
	}
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.SourceKind != "" && r.Source.Kind != f.SourceKind {
		return false
	}
	if !f.From.IsZero() && r.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && r.CreatedAt.After(f.To) {
		return false
	}
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(r.ID), q) &&
			!strings.Contains(strings.ToLower(r.ChatterID), q) &&
			!strings.Contains(strings.ToLower(r.Source.ID), q) {
			return false
		}
	}
	return true
}

func (s *MemoryStore) ListRecords(_ context.Context, f RecordFilter) ([]model.CommissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.CommissionRecord
	for _, r := range s.records {
		if matches(r, f) {
			out = append(out, *cloneRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ListDue(_ context.Context, status model.Status, cutoff time.Time) ([]model.CommissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.CommissionRecord
	for _, r := range s.records {
		if r.Status != status || r.Locked() {
			continue
		}
		entered := r.CreatedAt
		if status == model.StatusValidated && r.ValidatedAt != nil {
			entered = *r.ValidatedAt
		}
		if !entered.After(cutoff) {
			out = append(out, *cloneRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListLockable(_ context.Context, chatterID string) ([]model.CommissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.CommissionRecord
	for _, r := range s.records {
		if r.ChatterID == chatterID && r.Status == model.StatusAvailable && r.WithdrawalID == "" {
			out = append(out, *cloneRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListByWithdrawal(_ context.Context, withdrawalID string) ([]model.CommissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.CommissionRecord
	for _, r := range s.records {
		if r.WithdrawalID == withdrawalID {
			out = append(out, *cloneRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Balances ---

func (s *MemoryStore) GetBalance(_ context.Context, chatterID string) (*model.ChatterBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.balances[chatterID]
	if !ok {
		return &model.ChatterBalance{ChatterID: chatterID}, nil
	}
	c := *b
	return &c, nil
}

func (s *MemoryStore) PutBalance(_ context.Context, b *model.ChatterBalance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *b
	s.balances[b.ChatterID] = &c
	return nil
}

// --- Withdrawals ---

func (s *MemoryStore) InsertWithdrawal(_ context.Context, w *model.Withdrawal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.withdrawals[w.ID] = cloneWithdrawal(w)
	return nil
}

func (s *MemoryStore) GetWithdrawal(_ context.Context, id string) (*model.Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.withdrawals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneWithdrawal(w), nil
}

func (s *MemoryStore) UpdateWithdrawal(_ context.Context, w *model.Withdrawal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.withdrawals[w.ID]; !ok {
		return ErrNotFound
	}
	s.withdrawals[w.ID] = cloneWithdrawal(w)
	return nil
}

func (s *MemoryStore) ListWithdrawals(_ context.Context, chatterID string) ([]model.Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Withdrawal
	for _, w := range s.withdrawals {
		if w.ChatterID == chatterID {
			out = append(out, *cloneWithdrawal(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Failed attributions ---

func (s *MemoryStore) InsertFailedAttribution(_ context.Context, fa *model.FailedAttribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures = append(s.failures, *fa)
	return nil
}

// FailedAttributions returns all recorded attribution failures. Test helper.
func (s *MemoryStore) FailedAttributions() []model.FailedAttribution {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.FailedAttribution(nil), s.failures...)
}

// --- Aggregate queries ---

func (s *MemoryStore) AggregateByStatus(_ context.Context) (map[model.Status]model.Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[model.Status]model.Aggregate)
	for _, r := range s.records {
		agg := out[r.Status]
		agg.Count++
		agg.Amount += r.Amount
		out[r.Status] = agg
	}
	return out, nil
}

func (s *MemoryStore) AggregateByType(_ context.Context) (map[model.CommissionType]model.Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[model.CommissionType]model.Aggregate)
	for _, r := range s.records {
		agg := out[r.Type]
		agg.Count++
		agg.Amount += r.Amount
		out[r.Type] = agg
	}
	return out, nil
}

func (s *MemoryStore) TopEarners(_ context.Context, n int) ([]model.EarnerTotal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := make(map[string]int64)
	for _, r := range s.records {
		if r.Status != model.StatusCancelled {
			totals[r.ChatterID] += r.Amount
		}
	}
	out := make([]model.EarnerTotal, 0, len(totals))
	for id, amt := range totals {
		out = append(out, model.EarnerTotal{ChatterID: id, Amount: amt})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Amount != out[j].Amount {
			return out[i].Amount > out[j].Amount
		}
		return out[i].ChatterID < out[j].ChatterID
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *MemoryStore) AmountSeries(_ context.Context, from, to time.Time) ([]model.SeriesPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	days := make(map[time.Time]int64)
	for _, r := range s.records {
		if r.Status == model.StatusCancelled {
			continue
		}
		if !from.IsZero() && r.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && r.CreatedAt.After(to) {
			continue
		}
		day := r.CreatedAt.UTC().Truncate(24 * time.Hour)
		days[day] += r.Amount
	}
	out := make([]model.SeriesPoint, 0, len(days))
	for day, amt := range days {
		out = append(out, model.SeriesPoint{Day: day, Amount: amt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}
