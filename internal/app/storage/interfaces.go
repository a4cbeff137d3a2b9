package storage

import (
	"context"
	"time"

	"github.com/digis-live/callcore/internal/app/domain/call"
	"github.com/digis-live/callcore/internal/app/domain/ledger"
	"github.com/digis-live/callcore/internal/app/domain/loyalty"
)

// LedgerStore persists token accounts, escrow holds and the balance history.
//
// The four balance mutators are atomic: the guard (available >= amount, held
// >= amount) and the mutation happen as one operation, so concurrent callers
// can never both pass a stale check. Backends return
// ledger.ErrInsufficientTokens when a guard fails.
type LedgerStore interface {
	EnsureAccount(ctx context.Context, userID string, initialBalance int64) (ledger.Account, error)
	GetAccount(ctx context.Context, userID string) (ledger.Account, error)

	// DebitAvailable moves amount from available into held.
	DebitAvailable(ctx context.Context, userID string, amount int64) (ledger.Account, error)
	// CreditAvailable adds amount to available (deposits, refunds).
	CreditAvailable(ctx context.Context, userID string, amount int64) (ledger.Account, error)
	// ReleaseHeld moves amount from held back into available.
	ReleaseHeld(ctx context.Context, userID string, amount int64) (ledger.Account, error)
	// ConsumeHeld removes amount from held permanently.
	ConsumeHeld(ctx context.Context, userID string, amount int64) (ledger.Account, error)

	CreateHold(ctx context.Context, hold ledger.Hold) (ledger.Hold, error)
	GetHold(ctx context.Context, requestID string) (ledger.Hold, error)
	UpdateHold(ctx context.Context, hold ledger.Hold) (ledger.Hold, error)

	AppendEntry(ctx context.Context, entry ledger.Entry) (ledger.Entry, error)
	ListEntries(ctx context.Context, userID string, limit int) ([]ledger.Entry, error)
}

// CallStore persists call requests and sessions.
type CallStore interface {
	CreateRequest(ctx context.Context, req call.Request) (call.Request, error)
	GetRequest(ctx context.Context, id string) (call.Request, error)
	// UpdateRequestStatus transitions a request from one status to another.
	// The from-status acts as an optimistic guard: if the stored status has
	// already moved on, the update fails with call.ErrRequestNotFound.
	UpdateRequestStatus(ctx context.Context, id string, from, to call.RequestStatus) (call.Request, error)
	// FindPendingRequest returns the fan's pending request for a stream, if any.
	FindPendingRequest(ctx context.Context, fanID, streamID string) (call.Request, bool, error)
	// ListRequestedBefore returns requested-state requests created before the
	// cutoff, for the expiry poller.
	ListRequestedBefore(ctx context.Context, cutoff time.Time) ([]call.Request, error)

	CreateSession(ctx context.Context, sess call.Session) (call.Session, error)
	GetSession(ctx context.Context, id string) (call.Session, error)
	// FinishSession writes the terminal fields of an active session in one
	// step. Ending an already-ended session fails with call.ErrSessionNotFound.
	FinishSession(ctx context.Context, sess call.Session) (call.Session, error)
}

// LoyaltyStore persists badges.
//
// AddSpend is an atomic increment (total_spend = total_spend + amount) with
// lazy badge creation, so concurrent first interactions and concurrent tips
// both converge without lost updates.
type LoyaltyStore interface {
	AddSpend(ctx context.Context, fanID, creatorID string, amount int64) (loyalty.Badge, error)
	GetBadge(ctx context.Context, fanID, creatorID string) (loyalty.Badge, bool, error)
	// UpdateBadgeLevel persists a recomputed level; it never lowers one.
	UpdateBadgeLevel(ctx context.Context, fanID, creatorID string, level loyalty.Level, supportDays int64) (loyalty.Badge, error)
	ListBadges(ctx context.Context, fanID string) ([]loyalty.Badge, error)
}
