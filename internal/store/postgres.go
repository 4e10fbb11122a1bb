package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatline/commission-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Multiplier stacks, breakdowns, and withdrawal record sets are stored as
// JSONB; amounts are BIGINT minor units. The commission_records table
// carries a unique index on dedup_key, which is what turns at-least-once
// event delivery into exactly-once attribution.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const recordColumns = `id, chatter_id, type, source_kind, source_id,
	base_amount, multipliers, breakdown, amount, currency,
	related_chatter_id, captain_override, dedup_key, status, withdrawal_id,
	created_at, validated_at, available_at, paid_at, cancelled_at, cancel_reason`

// --- Commission records ---

func (s *PostgresStore) InsertRecord(ctx context.Context, r *model.CommissionRecord) error {
	mults, err := json.Marshal(r.Multipliers)
	if err != nil {
		return fmt.Errorf("marshal multipliers: %w", err)
	}
	breakdown, err := json.Marshal(r.Breakdown)
	if err != nil {
		return fmt.Errorf("marshal breakdown: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO commission_records (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		         $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		r.ID, r.ChatterID, string(r.Type), string(r.Source.Kind), r.Source.ID,
		r.BaseAmount, mults, breakdown, r.Amount, r.Currency,
		r.RelatedChatterID, r.CaptainOverride, r.DedupKey, string(r.Status), r.WithdrawalID,
		r.CreatedAt, r.ValidatedAt, r.AvailableAt, r.PaidAt, r.CancelledAt, r.CancelReason,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateDedupKey
	}
	return err
}

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*model.CommissionRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM commission_records WHERE id = $1`, id)
	r, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}
	return r, nil
}

func (s *PostgresStore) UpdateRecord(ctx context.Context, r *model.CommissionRecord) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE commission_records
		 SET status = $2, withdrawal_id = $3,
		     validated_at = $4, available_at = $5, paid_at = $6, cancelled_at = $7,
		     cancel_reason = $8
		 WHERE id = $1`,
		r.ID, string(r.Status), r.WithdrawalID,
		r.ValidatedAt, r.AvailableAt, r.PaidAt, r.CancelledAt,
		r.CancelReason,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteRecord(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM commission_records WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListRecords(ctx context.Context, f RecordFilter) ([]model.CommissionRecord, error) {
	var where []string
	var args []interface{}

	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if f.ChatterID != "" {
		add("chatter_id = $%d", f.ChatterID)
	}
	if f.Type != "" {
		add("type = $%d", string(f.Type))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.SourceKind != "" {
		add("source_kind = $%d", string(f.SourceKind))
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To)
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		n := len(args)
		where = append(where, fmt.Sprintf(
			"(id ILIKE $%d OR chatter_id ILIKE $%d OR source_id ILIKE $%d)", n, n, n))
	}

	query := `SELECT ` + recordColumns + ` FROM commission_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (s *PostgresStore) ListDue(ctx context.Context, status model.Status, cutoff time.Time) ([]model.CommissionRecord, error) {
	tsColumn := "created_at"
	if status == model.StatusValidated {
		tsColumn = "validated_at"
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM commission_records
		 WHERE status = $1 AND withdrawal_id = '' AND `+tsColumn+` <= $2
		 ORDER BY created_at`, string(status), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (s *PostgresStore) ListLockable(ctx context.Context, chatterID string) ([]model.CommissionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM commission_records
		 WHERE chatter_id = $1 AND status = 'available' AND withdrawal_id = ''
		 ORDER BY created_at`, chatterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (s *PostgresStore) ListByWithdrawal(ctx context.Context, withdrawalID string) ([]model.CommissionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM commission_records
		 WHERE withdrawal_id = $1 ORDER BY created_at`, withdrawalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

// --- Balances ---

func (s *PostgresStore) GetBalance(ctx context.Context, chatterID string) (*model.ChatterBalance, error) {
	var b model.ChatterBalance
	err := s.pool.QueryRow(ctx,
		`SELECT chatter_id, pending, validated, available, total_earned, total_withdrawn
		 FROM chatter_balances WHERE chatter_id = $1`, chatterID).
		Scan(&b.ChatterID, &b.Pending, &b.Validated, &b.Available, &b.TotalEarned, &b.TotalWithdrawn)
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.ChatterBalance{ChatterID: chatterID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance %s: %w", chatterID, err)
	}
	return &b, nil
}

func (s *PostgresStore) PutBalance(ctx context.Context, b *model.ChatterBalance) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chatter_balances (chatter_id, pending, validated, available, total_earned, total_withdrawn)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (chatter_id) DO UPDATE
		 SET pending = $2, validated = $3, available = $4, total_earned = $5, total_withdrawn = $6`,
		b.ChatterID, b.Pending, b.Validated, b.Available, b.TotalEarned, b.TotalWithdrawn,
	)
	return err
}

// --- Withdrawals ---

func (s *PostgresStore) InsertWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	recordIDs, err := json.Marshal(w.RecordIDs)
	if err != nil {
		return fmt.Errorf("marshal record ids: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO withdrawals (id, chatter_id, amount, currency, status, record_ids,
		                          reject_reason, created_at, processed_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		w.ID, w.ChatterID, w.Amount, w.Currency, string(w.Status), recordIDs,
		w.RejectReason, w.CreatedAt, w.ProcessedAt, w.CompletedAt,
	)
	return err
}

func (s *PostgresStore) GetWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error) {
	var w model.Withdrawal
	var status string
	var recordIDs []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, chatter_id, amount, currency, status, record_ids,
		        reject_reason, created_at, processed_at, completed_at
		 FROM withdrawals WHERE id = $1`, id).
		Scan(&w.ID, &w.ChatterID, &w.Amount, &w.Currency, &status, &recordIDs,
			&w.RejectReason, &w.CreatedAt, &w.ProcessedAt, &w.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get withdrawal %s: %w", id, err)
	}

	w.Status = model.WithdrawalStatus(status)
	if err := json.Unmarshal(recordIDs, &w.RecordIDs); err != nil {
		return nil, fmt.Errorf("unmarshal record ids: %w", err)
	}
	return &w, nil
}

func (s *PostgresStore) UpdateWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE withdrawals
		 SET status = $2, reject_reason = $3, processed_at = $4, completed_at = $5
		 WHERE id = $1`,
		w.ID, string(w.Status), w.RejectReason, w.ProcessedAt, w.CompletedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListWithdrawals(ctx context.Context, chatterID string) ([]model.Withdrawal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, chatter_id, amount, currency, status, record_ids,
		        reject_reason, created_at, processed_at, completed_at
		 FROM withdrawals WHERE chatter_id = $1 ORDER BY created_at`, chatterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Withdrawal
	for rows.Next() {
		var w model.Withdrawal
		var status string
		var recordIDs []byte
		if err := rows.Scan(&w.ID, &w.ChatterID, &w.Amount, &w.Currency, &status, &recordIDs,
			&w.RejectReason, &w.CreatedAt, &w.ProcessedAt, &w.CompletedAt); err != nil {
			return nil, err
		}
		w.Status = model.WithdrawalStatus(status)
		if err := json.Unmarshal(recordIDs, &w.RecordIDs); err != nil {
			return nil, fmt.Errorf("unmarshal record ids: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// --- Failed attributions ---

func (s *PostgresStore) InsertFailedAttribution(ctx context.Context, fa *model.FailedAttribution) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO failed_attributions (id, event_type, chatter_id, source_kind, source_id, reason, occurred_at, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		fa.ID, string(fa.EventType), fa.ChatterID, string(fa.Source.Kind), fa.Source.ID,
		fa.Reason, fa.OccurredAt, fa.RecordedAt,
	)
	return err
}

// --- Aggregate queries ---

func (s *PostgresStore) AggregateByStatus(ctx context.Context) (map[model.Status]model.Aggregate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(amount), 0)
		 FROM commission_records GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[model.Status]model.Aggregate)
	for rows.Next() {
		var status string
		var agg model.Aggregate
		if err := rows.Scan(&status, &agg.Count, &agg.Amount); err != nil {
			return nil, err
		}
		out[model.Status(status)] = agg
	}
	return out, rows.Err()
}

func (s *PostgresStore) AggregateByType(ctx context.Context) (map[model.CommissionType]model.Aggregate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT type, COUNT(*), COALESCE(SUM(amount), 0)
		 FROM commission_records GROUP BY type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[model.CommissionType]model.Aggregate)
	for rows.Next() {
		var typ string
		var agg model.Aggregate
		if err := rows.Scan(&typ, &agg.Count, &agg.Amount); err != nil {
			return nil, err
		}
		out[model.CommissionType(typ)] = agg
	}
	return out, rows.Err()
}

func (s *PostgresStore) TopEarners(ctx context.Context, n int) ([]model.EarnerTotal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT chatter_id, SUM(amount) AS total
		 FROM commission_records
		 WHERE status != 'cancelled'
		 GROUP BY chatter_id
		 ORDER BY total DESC, chatter_id
		 LIMIT $1`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.EarnerTotal
	for rows.Next() {
		var e model.EarnerTotal
		if err := rows.Scan(&e.ChatterID, &e.Amount); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AmountSeries(ctx context.Context, from, to time.Time) ([]model.SeriesPoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT date_trunc('day', created_at) AS day, SUM(amount)
		 FROM commission_records
		 WHERE status != 'cancelled' AND created_at >= $1 AND created_at <= $2
		 GROUP BY day ORDER BY day`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SeriesPoint
	for rows.Next() {
		var p model.SeriesPoint
		if err := rows.Scan(&p.Day, &p.Amount); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Scan helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*model.CommissionRecord, error) {
	var r model.CommissionRecord
	var typ, sourceKind, status string
	var mults, breakdown []byte

	if err := row.Scan(&r.ID, &r.ChatterID, &typ, &sourceKind, &r.Source.ID,
		&r.BaseAmount, &mults, &breakdown, &r.Amount, &r.Currency,
		&r.RelatedChatterID, &r.CaptainOverride, &r.DedupKey, &status, &r.WithdrawalID,
		&r.CreatedAt, &r.ValidatedAt, &r.AvailableAt, &r.PaidAt, &r.CancelledAt, &r.CancelReason); err != nil {
		return nil, err
	}

	r.Type = model.CommissionType(typ)
	r.Source.Kind = model.SourceKind(sourceKind)
	r.Status = model.Status(status)
	if err := json.Unmarshal(mults, &r.Multipliers); err != nil {
		return nil, fmt.Errorf("unmarshal multipliers: %w", err)
	}
	if err := json.Unmarshal(breakdown, &r.Breakdown); err != nil {
		return nil, fmt.Errorf("unmarshal breakdown: %w", err)
	}
	return &r, nil
}

func scanRecords(rows pgx.Rows) ([]model.CommissionRecord, error) {
	var out []model.CommissionRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
