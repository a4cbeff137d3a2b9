// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/digis-live/callcore/internal/app/domain/call"
	"github.com/digis-live/callcore/internal/app/domain/ledger"
	"github.com/digis-live/callcore/internal/app/domain/loyalty"
	"github.com/digis-live/callcore/internal/app/storage"
)

// Store holds everything under one mutex; the balance guards and increments
// are therefore atomic exactly like their SQL counterparts.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]ledger.Account
	holds    map[string]ledger.Hold
	entries  map[string][]ledger.Entry
	requests map[string]call.Request
	sessions map[string]call.Session
	badges   map[string]loyalty.Badge
}

var _ storage.LedgerStore = (*Store)(nil)
var _ storage.CallStore = (*Store)(nil)
var _ storage.LoyaltyStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		accounts: make(map[string]ledger.Account),
		holds:    make(map[string]ledger.Hold),
		entries:  make(map[string][]ledger.Entry),
		requests: make(map[string]call.Request),
		sessions: make(map[string]call.Session),
		badges:   make(map[string]loyalty.Badge),
	}
}

func badgeKey(fanID, creatorID string) string {
	return fanID + "|" + creatorID
}

// LedgerStore implementation -------------------------------------------------

func (s *Store) EnsureAccount(_ context.Context, userID string, initialBalance int64) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct, ok := s.accounts[userID]; ok {
		return acct, nil
	}
	now := time.Now().UTC()
	acct := ledger.Account{
		UserID:    userID,
		Available: initialBalance,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.accounts[userID] = acct
	return acct, nil
}

func (s *Store) GetAccount(_ context.Context, userID string) (ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return acct, nil
}

func (s *Store) DebitAvailable(_ context.Context, userID string, amount int64) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if acct.Available < amount {
		return ledger.Account{}, ledger.ErrInsufficientTokens
	}
	acct.Available -= amount
	acct.Held += amount
	acct.UpdatedAt = time.Now().UTC()
	s.accounts[userID] = acct
	return acct, nil
}

func (s *Store) CreditAvailable(_ context.Context, userID string, amount int64) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	acct.Available += amount
	acct.UpdatedAt = time.Now().UTC()
	s.accounts[userID] = acct
	return acct, nil
}

func (s *Store) ReleaseHeld(_ context.Context, userID string, amount int64) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if acct.Held < amount {
		return ledger.Account{}, ledger.ErrInsufficientTokens
	}
	acct.Held -= amount
	acct.Available += amount
	acct.UpdatedAt = time.Now().UTC()
	s.accounts[userID] = acct
	return acct, nil
}

func (s *Store) ConsumeHeld(_ context.Context, userID string, amount int64) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if acct.Held < amount {
		return ledger.Account{}, ledger.ErrInsufficientTokens
	}
	acct.Held -= amount
	acct.UpdatedAt = time.Now().UTC()
	s.accounts[userID] = acct
	return acct, nil
}

func (s *Store) CreateHold(_ context.Context, hold ledger.Hold) (ledger.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.holds[hold.RequestID]; exists {
		return ledger.Hold{}, fmt.Errorf("hold for request %s already exists", hold.RequestID)
	}
	if hold.CreatedAt.IsZero() {
		hold.CreatedAt = time.Now().UTC()
	}
	s.holds[hold.RequestID] = hold
	return hold, nil
}

func (s *Store) GetHold(_ context.Context, requestID string) (ledger.Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hold, ok := s.holds[requestID]
	if !ok {
		return ledger.Hold{}, fmt.Errorf("hold for request %s not found", requestID)
	}
	return hold, nil
}

func (s *Store) UpdateHold(_ context.Context, hold ledger.Hold) (ledger.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.holds[hold.RequestID]; !ok {
		return ledger.Hold{}, fmt.Errorf("hold for request %s not found", hold.RequestID)
	}
	s.holds[hold.RequestID] = hold
	return hold, nil
}

func (s *Store) AppendEntry(_ context.Context, entry ledger.Entry) (ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.entries[entry.UserID] = append(s.entries[entry.UserID], entry)
	return entry, nil
}

func (s *Store) ListEntries(_ context.Context, userID string, limit int) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.entries[userID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	// newest first
	result := make([]ledger.Entry, 0, limit)
	for i := len(all) - 1; i >= len(all)-limit; i-- {
		result = append(result, all[i])
	}
	return result, nil
}

// CallStore implementation ---------------------------------------------------

func (s *Store) CreateRequest(_ context.Context, req call.Request) (call.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ID == "" {
		req.ID = uuid.NewString()
	} else if _, exists := s.requests[req.ID]; exists {
		return call.Request{}, fmt.Errorf("request %s already exists", req.ID)
	}
	// One pending request per (fan, stream), matching the partial unique
	// index on the postgres side.
	if req.Status == call.StatusRequested {
		for _, existing := range s.requests {
			if existing.FanID == req.FanID && existing.StreamID == req.StreamID &&
				existing.Status == call.StatusRequested {
				return call.Request{}, call.ErrRequestPending
			}
		}
	}
	now := time.Now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = now
	s.requests[req.ID] = req
	return req, nil
}

func (s *Store) GetRequest(_ context.Context, id string) (call.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return call.Request{}, call.ErrRequestNotFound
	}
	return req, nil
}

func (s *Store) UpdateRequestStatus(_ context.Context, id string, from, to call.RequestStatus) (call.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok || req.Status != from {
		return call.Request{}, call.ErrRequestNotFound
	}
	if !call.CanTransition(from, to) {
		return call.Request{}, fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	req.Status = to
	req.UpdatedAt = time.Now().UTC()
	s.requests[id] = req
	return req, nil
}

func (s *Store) FindPendingRequest(_ context.Context, fanID, streamID string) (call.Request, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, req := range s.requests {
		if req.FanID == fanID && req.StreamID == streamID && req.Status == call.StatusRequested {
			return req, true, nil
		}
	}
	return call.Request{}, false, nil
}

func (s *Store) ListRequestedBefore(_ context.Context, cutoff time.Time) ([]call.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []call.Request
	for _, req := range s.requests {
		if req.Status == call.StatusRequested && req.CreatedAt.Before(cutoff) {
			result = append(result, req)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) CreateSession(_ context.Context, sess call.Session) (call.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.ID == "" {
		sess.ID = uuid.NewString()
	} else if _, exists := s.sessions[sess.ID]; exists {
		return call.Session{}, fmt.Errorf("session %s already exists", sess.ID)
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}
	s.sessions[sess.ID] = sess
	return sess, nil
}

func (s *Store) GetSession(_ context.Context, id string) (call.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return call.Session{}, call.ErrSessionNotFound
	}
	return sess, nil
}

func (s *Store) FinishSession(_ context.Context, sess call.Session) (call.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[sess.ID]
	if !ok || !existing.Active() {
		return call.Session{}, call.ErrSessionNotFound
	}
	s.sessions[sess.ID] = sess
	return sess, nil
}

// LoyaltyStore implementation ------------------------------------------------

func (s *Store) AddSpend(_ context.Context, fanID, creatorID string, amount int64) (loyalty.Badge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := badgeKey(fanID, creatorID)
	badge, ok := s.badges[key]
	if !ok {
		badge = loyalty.DefaultBadge(fanID, creatorID)
	}
	badge.TotalSpend += amount
	badge.UpdatedAt = time.Now().UTC()
	s.badges[key] = badge
	return badge, nil
}

func (s *Store) GetBadge(_ context.Context, fanID, creatorID string) (loyalty.Badge, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	badge, ok := s.badges[badgeKey(fanID, creatorID)]
	return badge, ok, nil
}

func (s *Store) UpdateBadgeLevel(_ context.Context, fanID, creatorID string, level loyalty.Level, supportDays int64) (loyalty.Badge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := badgeKey(fanID, creatorID)
	badge, ok := s.badges[key]
	if !ok {
		badge = loyalty.DefaultBadge(fanID, creatorID)
	}
	badge.Level = loyalty.MaxLevel(badge.Level, level)
	badge.Emoji = loyalty.Emoji(badge.Level)
	badge.SupportDays = supportDays
	badge.UpdatedAt = time.Now().UTC()
	s.badges[key] = badge
	return badge, nil
}

func (s *Store) ListBadges(_ context.Context, fanID string) ([]loyalty.Badge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []loyalty.Badge
	for _, badge := range s.badges {
		if badge.FanID == fanID {
			result = append(result, badge)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatorID < result[j].CreatorID })
	return result, nil
}
