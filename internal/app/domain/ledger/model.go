// Package ledger defines the token balance model. Every fan has exactly one
// account; tokens move between the available and held pools and every movement
// is mirrored by an append-only entry.
package ledger

import (
	"errors"
	"time"
)

// ErrInsufficientTokens is returned when a debit would take the available
// balance below zero.
var ErrInsufficientTokens = errors.New("insufficient tokens")

// ErrAccountNotFound is returned for balance reads against unknown users.
var ErrAccountNotFound = errors.New("ledger account not found")

// Account is a per-user token balance. Available and Held are both integer
// token counts and never go negative.
type Account struct {
	UserID    string
	Available int64
	Held      int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HoldStatus tracks the lifecycle of an escrow hold.
type HoldStatus string

const (
	HoldActive   HoldStatus = "held"
	HoldReleased HoldStatus = "released"
	HoldSettled  HoldStatus = "settled"
)

// Hold reserves tokens against a call request. The amount is immutable after
// creation; only the status and settlement figures change.
type Hold struct {
	RequestID string
	UserID    string
	Amount    int64
	Status    HoldStatus
	Charged   int64
	Refunded  int64
	CreatedAt time.Time
	SettledAt time.Time
}

// EntryType labels ledger history rows.
type EntryType string

const (
	EntryDeposit EntryType = "deposit"
	EntryHold    EntryType = "hold"
	EntryRelease EntryType = "release"
	EntryCharge  EntryType = "charge"
	EntryRefund  EntryType = "refund"
)

// Entry is one row of the append-only balance history. Amount is signed from
// the fan's point of view: debits are negative.
type Entry struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Type           EntryType `json:"type"`
	Amount         int64     `json:"amount"`
	AvailableAfter int64     `json:"availableAfter"`
	ReferenceID    string    `json:"referenceId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}
