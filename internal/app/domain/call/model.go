// Package call defines the private call request and session models and the
// request state machine.
package call

import (
	"errors"
	"time"
)

// ErrRequestNotFound covers both "never existed" and "already processed" so
// callers cannot probe request state.
var ErrRequestNotFound = errors.New("call request not found")

// ErrSessionNotFound is the session-side equivalent.
var ErrSessionNotFound = errors.New("call session not found")

// ErrRequestPending is returned when a fan already has a pending request for
// the same stream.
var ErrRequestPending = errors.New("a pending call request already exists for this stream")

// RequestStatus is the state of a call request.
type RequestStatus string

const (
	StatusRequested RequestStatus = "requested"
	StatusAccepted  RequestStatus = "accepted"
	StatusRejected  RequestStatus = "rejected"
	StatusExpired   RequestStatus = "expired"
)

// transitions is the exhaustive table of legal request state changes.
// Anything not listed is rejected.
var transitions = map[RequestStatus][]RequestStatus{
	StatusRequested: {StatusAccepted, StatusRejected, StatusExpired},
}

// CanTransition reports whether from -> to is a legal request transition.
func CanTransition(from, to RequestStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Request is a fan's ask for a private call with a creator. HeldTokens is the
// worst-case pre-authorization (price per minute times minimum minutes) and is
// immutable once the request leaves the requested state.
type Request struct {
	ID                string
	FanID             string
	CreatorID         string
	StreamID          string
	PricePerMinute    int64
	MinimumMinutes    int64
	EstimatedDuration int64
	Status            RequestStatus
	HeldTokens        int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// EndReason says why a session terminated.
type EndReason string

const (
	EndUserEnded          EndReason = "user_ended"
	EndCreatorEnded       EndReason = "creator_ended"
	EndTimeout            EndReason = "timeout"
	EndInsufficientTokens EndReason = "insufficient_tokens"
)

// ValidEndReason reports whether the supplied reason is one of the known
// terminal reasons.
func ValidEndReason(r EndReason) bool {
	switch r {
	case EndUserEnded, EndCreatorEnded, EndTimeout, EndInsufficientTokens:
		return true
	}
	return false
}

// Session is the active (or finished) call created from an accepted request.
// The terminal fields are written together in a single transition; sessions
// are not resumable.
type Session struct {
	ID              string
	RequestID       string
	FanID           string
	CreatorID       string
	ChannelName     string
	StartedAt       time.Time
	EndedAt         *time.Time
	DurationMinutes int64
	TokensCharged   int64
	EndReason       EndReason
}

// Active reports whether the session has not yet ended.
func (s Session) Active() bool { return s.EndedAt == nil }
