// Package postgres implements the storage interfaces backed by PostgreSQL.
//
// Balance and spend mutations are expressed as single guarded UPDATE
// statements so the check and the mutation are one atomic operation; no
// balance is ever read into application memory and written back.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/digis-live/callcore/internal/app/domain/call"
	"github.com/digis-live/callcore/internal/app/domain/ledger"
	"github.com/digis-live/callcore/internal/app/domain/loyalty"
	"github.com/digis-live/callcore/internal/app/storage"
)

// Store implements the storage interfaces using a database handle.
type Store struct {
	db *sql.DB
}

var _ storage.LedgerStore = (*Store)(nil)
var _ storage.CallStore = (*Store)(nil)
var _ storage.LoyaltyStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

var levelRank = map[loyalty.Level]int{
	loyalty.Bronze:   0,
	loyalty.Silver:   1,
	loyalty.Gold:     2,
	loyalty.Platinum: 3,
	loyalty.Diamond:  4,
}

// --- LedgerStore ------------------------------------------------------------

func (s *Store) EnsureAccount(ctx context.Context, userID string, initialBalance int64) (ledger.Account, error) {
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO token_accounts (user_id, available, held, created_at, updated_at)
		VALUES ($1, $2, 0, $3, $3)
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING user_id, available, held, created_at, updated_at
	`, userID, initialBalance, now)
	return scanAccount(row)
}

func (s *Store) GetAccount(ctx context.Context, userID string) (ledger.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, available, held, created_at, updated_at
		FROM token_accounts
		WHERE user_id = $1
	`, userID)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return acct, err
}

// mutateBalance runs a guarded UPDATE and maps a zero-row result to either
// not-found or insufficient-tokens depending on whether the account exists.
func (s *Store) mutateBalance(ctx context.Context, query, userID string, amount int64) (ledger.Account, error) {
	row := s.db.QueryRowContext(ctx, query, userID, amount, time.Now().UTC())
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetAccount(ctx, userID); getErr != nil {
			return ledger.Account{}, getErr
		}
		return ledger.Account{}, ledger.ErrInsufficientTokens
	}
	return acct, err
}

func (s *Store) DebitAvailable(ctx context.Context, userID string, amount int64) (ledger.Account, error) {
	return s.mutateBalance(ctx, `
		UPDATE token_accounts
		SET available = available - $2, held = held + $2, updated_at = $3
		WHERE user_id = $1 AND available >= $2
		RETURNING user_id, available, held, created_at, updated_at
	`, userID, amount)
}

func (s *Store) CreditAvailable(ctx context.Context, userID string, amount int64) (ledger.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE token_accounts
		SET available = available + $2, updated_at = $3
		WHERE user_id = $1
		RETURNING user_id, available, held, created_at, updated_at
	`, userID, amount, time.Now().UTC())
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return acct, err
}

func (s *Store) ReleaseHeld(ctx context.Context, userID string, amount int64) (ledger.Account, error) {
	return s.mutateBalance(ctx, `
		UPDATE token_accounts
		SET held = held - $2, available = available + $2, updated_at = $3
		WHERE user_id = $1 AND held >= $2
		RETURNING user_id, available, held, created_at, updated_at
	`, userID, amount)
}

func (s *Store) ConsumeHeld(ctx context.Context, userID string, amount int64) (ledger.Account, error) {
	return s.mutateBalance(ctx, `
		UPDATE token_accounts
		SET held = held - $2, updated_at = $3
		WHERE user_id = $1 AND held >= $2
		RETURNING user_id, available, held, created_at, updated_at
	`, userID, amount)
}

func (s *Store) CreateHold(ctx context.Context, hold ledger.Hold) (ledger.Hold, error) {
	if hold.CreatedAt.IsZero() {
		hold.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_holds (request_id, user_id, amount, status, charged, refunded, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, hold.RequestID, hold.UserID, hold.Amount, hold.Status, hold.Charged, hold.Refunded, hold.CreatedAt)
	if err != nil {
		return ledger.Hold{}, err
	}
	return hold, nil
}

func (s *Store) GetHold(ctx context.Context, requestID string) (ledger.Hold, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT request_id, user_id, amount, status, charged, refunded, created_at, settled_at
		FROM token_holds
		WHERE request_id = $1
	`, requestID)

	var (
		hold      ledger.Hold
		settledAt sql.NullTime
	)
	if err := row.Scan(&hold.RequestID, &hold.UserID, &hold.Amount, &hold.Status,
		&hold.Charged, &hold.Refunded, &hold.CreatedAt, &settledAt); err != nil {
		return ledger.Hold{}, err
	}
	if settledAt.Valid {
		hold.SettledAt = settledAt.Time
	}
	return hold, nil
}

func (s *Store) UpdateHold(ctx context.Context, hold ledger.Hold) (ledger.Hold, error) {
	var settledAt interface{}
	if !hold.SettledAt.IsZero() {
		settledAt = hold.SettledAt
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE token_holds
		SET status = $2, charged = $3, refunded = $4, settled_at = $5
		WHERE request_id = $1
	`, hold.RequestID, hold.Status, hold.Charged, hold.Refunded, settledAt)
	if err != nil {
		return ledger.Hold{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ledger.Hold{}, sql.ErrNoRows
	}
	return hold, nil
}

func (s *Store) AppendEntry(ctx context.Context, entry ledger.Entry) (ledger.Entry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, entry_type, amount, available_after, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ID, entry.UserID, entry.Type, entry.Amount, entry.AvailableAfter, entry.ReferenceID, entry.CreatedAt)
	if err != nil {
		return ledger.Entry{}, err
	}
	return entry, nil
}

func (s *Store) ListEntries(ctx context.Context, userID string, limit int) ([]ledger.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, entry_type, amount, available_after, reference_id, created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ledger.Entry
	for rows.Next() {
		var entry ledger.Entry
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Type, &entry.Amount,
			&entry.AvailableAfter, &entry.ReferenceID, &entry.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

// --- CallStore --------------------------------------------------------------

func (s *Store) CreateRequest(ctx context.Context, req call.Request) (call.Request, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_requests
			(id, fan_id, creator_id, stream_id, price_per_minute, minimum_minutes,
			 estimated_minutes, status, held_tokens, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, req.ID, req.FanID, req.CreatorID, req.StreamID, req.PricePerMinute, req.MinimumMinutes,
		req.EstimatedDuration, req.Status, req.HeldTokens, req.CreatedAt, req.UpdatedAt)
	if err != nil {
		// The partial unique index catches two concurrent requests for the
		// same (fan, stream); surface that as the pending-request error.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "idx_call_requests_pending" {
			return call.Request{}, call.ErrRequestPending
		}
		return call.Request{}, err
	}
	return req, nil
}

const requestColumns = `id, fan_id, creator_id, stream_id, price_per_minute, minimum_minutes,
	estimated_minutes, status, held_tokens, created_at, updated_at`

func (s *Store) GetRequest(ctx context.Context, id string) (call.Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+`
		FROM call_requests
		WHERE id = $1
	`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return call.Request{}, call.ErrRequestNotFound
	}
	return req, err
}

func (s *Store) UpdateRequestStatus(ctx context.Context, id string, from, to call.RequestStatus) (call.Request, error) {
	if !call.CanTransition(from, to) {
		return call.Request{}, call.ErrRequestNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE call_requests
		SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
		RETURNING `+requestColumns+`
	`, id, from, to, time.Now().UTC())
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return call.Request{}, call.ErrRequestNotFound
	}
	return req, err
}

func (s *Store) FindPendingRequest(ctx context.Context, fanID, streamID string) (call.Request, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+`
		FROM call_requests
		WHERE fan_id = $1 AND stream_id = $2 AND status = 'requested'
		LIMIT 1
	`, fanID, streamID)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return call.Request{}, false, nil
	}
	if err != nil {
		return call.Request{}, false, err
	}
	return req, true, nil
}

func (s *Store) ListRequestedBefore(ctx context.Context, cutoff time.Time) ([]call.Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM call_requests
		WHERE status = 'requested' AND created_at < $1
		ORDER BY created_at
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []call.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, req)
	}
	return result, rows.Err()
}

func (s *Store) CreateSession(ctx context.Context, sess call.Session) (call.Session, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_sessions
			(id, request_id, fan_id, creator_id, channel_name, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, sess.ID, sess.RequestID, sess.FanID, sess.CreatorID, sess.ChannelName, sess.StartedAt)
	if err != nil {
		return call.Session{}, err
	}
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (call.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, request_id, fan_id, creator_id, channel_name, started_at,
		       ended_at, duration_minutes, tokens_charged, end_reason
		FROM call_sessions
		WHERE id = $1
	`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return call.Session{}, call.ErrSessionNotFound
	}
	return sess, err
}

func (s *Store) FinishSession(ctx context.Context, sess call.Session) (call.Session, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE call_sessions
		SET ended_at = $2, duration_minutes = $3, tokens_charged = $4, end_reason = $5
		WHERE id = $1 AND ended_at IS NULL
	`, sess.ID, sess.EndedAt, sess.DurationMinutes, sess.TokensCharged, sess.EndReason)
	if err != nil {
		return call.Session{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return call.Session{}, call.ErrSessionNotFound
	}
	return sess, nil
}

// --- LoyaltyStore -----------------------------------------------------------

func (s *Store) AddSpend(ctx context.Context, fanID, creatorID string, amount int64) (loyalty.Badge, error) {
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO loyalty_badges
			(fan_id, creator_id, total_spend, level, level_rank, first_interaction_at, updated_at)
		VALUES ($1, $2, $3, 'bronze', 0, $4, $4)
		ON CONFLICT (fan_id, creator_id) DO UPDATE
		SET total_spend = loyalty_badges.total_spend + EXCLUDED.total_spend,
		    updated_at = EXCLUDED.updated_at
		RETURNING fan_id, creator_id, total_spend, support_days, level, first_interaction_at, updated_at
	`, fanID, creatorID, amount, now)
	return scanBadge(row)
}

func (s *Store) GetBadge(ctx context.Context, fanID, creatorID string) (loyalty.Badge, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT fan_id, creator_id, total_spend, support_days, level, first_interaction_at, updated_at
		FROM loyalty_badges
		WHERE fan_id = $1 AND creator_id = $2
	`, fanID, creatorID)
	badge, err := scanBadge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.Badge{}, false, nil
	}
	if err != nil {
		return loyalty.Badge{}, false, err
	}
	return badge, true, nil
}

func (s *Store) UpdateBadgeLevel(ctx context.Context, fanID, creatorID string, level loyalty.Level, supportDays int64) (loyalty.Badge, error) {
	// level_rank guard keeps the level monotonic under concurrent recomputes.
	_, err := s.db.ExecContext(ctx, `
		UPDATE loyalty_badges
		SET level = $3, level_rank = $4, support_days = $5, updated_at = $6
		WHERE fan_id = $1 AND creator_id = $2 AND level_rank <= $4
	`, fanID, creatorID, level, levelRank[level], supportDays, time.Now().UTC())
	if err != nil {
		return loyalty.Badge{}, err
	}

	badge, ok, err := s.GetBadge(ctx, fanID, creatorID)
	if err != nil {
		return loyalty.Badge{}, err
	}
	if !ok {
		return loyalty.Badge{}, sql.ErrNoRows
	}
	return badge, nil
}

func (s *Store) ListBadges(ctx context.Context, fanID string) ([]loyalty.Badge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fan_id, creator_id, total_spend, support_days, level, first_interaction_at, updated_at
		FROM loyalty_badges
		WHERE fan_id = $1
		ORDER BY creator_id
	`, fanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []loyalty.Badge
	for rows.Next() {
		badge, err := scanBadge(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, badge)
	}
	return result, rows.Err()
}

// --- row scanning -----------------------------------------------------------

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row scanner) (ledger.Account, error) {
	var acct ledger.Account
	err := row.Scan(&acct.UserID, &acct.Available, &acct.Held, &acct.CreatedAt, &acct.UpdatedAt)
	return acct, err
}

func scanRequest(row scanner) (call.Request, error) {
	var req call.Request
	err := row.Scan(&req.ID, &req.FanID, &req.CreatorID, &req.StreamID, &req.PricePerMinute,
		&req.MinimumMinutes, &req.EstimatedDuration, &req.Status, &req.HeldTokens,
		&req.CreatedAt, &req.UpdatedAt)
	return req, err
}

func scanSession(row scanner) (call.Session, error) {
	var (
		sess    call.Session
		endedAt sql.NullTime
	)
	err := row.Scan(&sess.ID, &sess.RequestID, &sess.FanID, &sess.CreatorID, &sess.ChannelName,
		&sess.StartedAt, &endedAt, &sess.DurationMinutes, &sess.TokensCharged, &sess.EndReason)
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	return sess, err
}

func scanBadge(row scanner) (loyalty.Badge, error) {
	var badge loyalty.Badge
	err := row.Scan(&badge.FanID, &badge.CreatorID, &badge.TotalSpend, &badge.SupportDays,
		&badge.Level, &badge.FirstInteractionAt, &badge.UpdatedAt)
	badge.Emoji = loyalty.Emoji(badge.Level)
	return badge, err
}
