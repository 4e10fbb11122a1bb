package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatline/commission-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot lookups: record-by-id and chatter balances. Writes go to
// the primary store and invalidate the cache; reads check Redis first then
// fall back to the primary. List and aggregate queries pass through.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Records ---

func (s *CachedStore) InsertRecord(ctx context.Context, rec *model.CommissionRecord) error {
	if err := s.primary.InsertRecord(ctx, rec); err != nil {
		return err
	}
	s.cacheRecord(ctx, rec)
	s.rdb.Del(ctx, balanceKey(rec.ChatterID))
	return nil
}

func (s *CachedStore) GetRecord(ctx context.Context, id string) (*model.CommissionRecord, error) {
	data, err := s.rdb.Get(ctx, recordKey(id)).Bytes()
	if err == nil {
		var r model.CommissionRecord
		if json.Unmarshal(data, &r) == nil {
			return &r, nil
		}
	}

	r, err := s.primary.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheRecord(ctx, r)
	return r, nil
}

func (s *CachedStore) UpdateRecord(ctx context.Context, rec *model.CommissionRecord) error {
	if err := s.primary.UpdateRecord(ctx, rec); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, recordKey(rec.ID), balanceKey(rec.ChatterID))
	return nil
}

func (s *CachedStore) DeleteRecord(ctx context.Context, id string) error {
	if err := s.primary.DeleteRecord(ctx, id); err != nil {
		return err
	}
	s.rdb.Del(ctx, recordKey(id))
	return nil
}

// --- Balances ---

func (s *CachedStore) GetBalance(ctx context.Context, chatterID string) (*model.ChatterBalance, error) {
	data, err := s.rdb.Get(ctx, balanceKey(chatterID)).Bytes()
	if err == nil {
		var b model.ChatterBalance
		if json.Unmarshal(data, &b) == nil {
			return &b, nil
		}
	}

	b, err := s.primary.GetBalance(ctx, chatterID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(b); err == nil {
		s.rdb.Set(ctx, balanceKey(chatterID), data, s.ttl)
	}
	return b, nil
}

func (s *CachedStore) PutBalance(ctx context.Context, b *model.ChatterBalance) error {
	if err := s.primary.PutBalance(ctx, b); err != nil {
		return err
	}
	s.rdb.Del(ctx, balanceKey(b.ChatterID))
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListRecords(ctx context.Context, f RecordFilter) ([]model.CommissionRecord, error) {
	return s.primary.ListRecords(ctx, f)
}

func (s *CachedStore) ListDue(ctx context.Context, status model.Status, cutoff time.Time) ([]model.CommissionRecord, error) {
	return s.primary.ListDue(ctx, status, cutoff)
}

func (s *CachedStore) ListLockable(ctx context.Context, chatterID string) ([]model.CommissionRecord, error) {
	return s.primary.ListLockable(ctx, chatterID)
}

func (s *CachedStore) ListByWithdrawal(ctx context.Context, withdrawalID string) ([]model.CommissionRecord, error) {
	return s.primary.ListByWithdrawal(ctx, withdrawalID)
}

func (s *CachedStore) InsertWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	return s.primary.InsertWithdrawal(ctx, w)
}

func (s *CachedStore) GetWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error) {
	return s.primary.GetWithdrawal(ctx, id)
}

func (s *CachedStore) UpdateWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	return s.primary.UpdateWithdrawal(ctx, w)
}

func (s *CachedStore) ListWithdrawals(ctx context.Context, chatterID string) ([]model.Withdrawal, error) {
	return s.primary.ListWithdrawals(ctx, chatterID)
}

func (s *CachedStore) InsertFailedAttribution(ctx context.Context, fa *model.FailedAttribution) error {
	return s.primary.InsertFailedAttribution(ctx, fa)
}

func (s *CachedStore) AggregateByStatus(ctx context.Context) (map[model.Status]model.Aggregate, error) {
	return s.primary.AggregateByStatus(ctx)
}

func (s *CachedStore) AggregateByType(ctx context.Context) (map[model.CommissionType]model.Aggregate, error) {
	return s.primary.AggregateByType(ctx)
}

func (s *CachedStore) TopEarners(ctx context.Context, n int) ([]model.EarnerTotal, error) {
	return s.primary.TopEarners(ctx, n)
}

func (s *CachedStore) AmountSeries(ctx context.Context, from, to time.Time) ([]model.SeriesPoint, error) {
	return s.primary.AmountSeries(ctx, from, to)
}

// --- Cache helpers ---

func (s *CachedStore) cacheRecord(ctx context.Context, r *model.CommissionRecord) {
	if data, err := json.Marshal(r); err == nil {
		s.rdb.Set(ctx, recordKey(r.ID), data, s.ttl)
	}
}

func recordKey(id string) string         { return fmt.Sprintf("commission:%s", id) }
func balanceKey(chatterID string) string { return fmt.Sprintf("balance:%s", chatterID) }
