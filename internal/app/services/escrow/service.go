// Package escrow moves tokens between a fan's available and held pools on
// behalf of call requests. Every movement is recorded as a ledger entry and
// no balance is ever read and written back across two round trips.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/digis-live/callcore/internal/app/domain/ledger"
	"github.com/digis-live/callcore/internal/app/storage"
	"github.com/digis-live/callcore/pkg/logger"
)

// ErrInvalidSettlement means a settle asked for more than the hold. It is a
// caller bug, not an expected condition.
var ErrInvalidSettlement = errors.New("settlement exceeds held amount")

// Settlement reports how a hold was split when settled.
type Settlement struct {
	Charged  int64
	Refunded int64
}

// Service is the escrow manager.
type Service struct {
	store storage.LedgerStore
	log   *logger.Logger
}

// New constructs an escrow service.
func New(store storage.LedgerStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("escrow")
	}
	return &Service{store: store, log: log}
}

// Hold reserves amount tokens from the fan against a request. The balance
// check and debit are one atomic store operation; insufficient funds surface
// as ledger.ErrInsufficientTokens with no partial hold.
func (s *Service) Hold(ctx context.Context, requestID, fanID string, amount int64) (ledger.Hold, error) {
	if amount <= 0 {
		return ledger.Hold{}, fmt.Errorf("hold amount must be positive")
	}

	// A fan who never deposited gets an empty account here, so the failure
	// below is insufficient funds rather than not-found.
	if _, err := s.store.EnsureAccount(ctx, fanID, 0); err != nil {
		return ledger.Hold{}, err
	}

	acct, err := s.store.DebitAvailable(ctx, fanID, amount)
	if err != nil {
		return ledger.Hold{}, err
	}

	hold, err := s.store.CreateHold(ctx, ledger.Hold{
		RequestID: requestID,
		UserID:    fanID,
		Amount:    amount,
		Status:    ledger.HoldActive,
	})
	if err != nil {
		// Put the tokens back; the hold row never existed.
		if _, releaseErr := s.store.ReleaseHeld(ctx, fanID, amount); releaseErr != nil {
			s.log.WithError(releaseErr).Errorf("failed to unwind hold for request %s", requestID)
		}
		return ledger.Hold{}, err
	}

	s.appendEntry(ctx, fanID, ledger.EntryHold, -amount, acct.Available, requestID)
	s.log.WithField("request_id", requestID).
		WithField("fan_id", fanID).
		Infof("held %d tokens", amount)
	return hold, nil
}

// Release returns the full held amount to the fan. Releasing a hold that was
// already released or settled is a no-op so retried cleanup jobs stay safe.
func (s *Service) Release(ctx context.Context, requestID string) error {
	hold, err := s.store.GetHold(ctx, requestID)
	if err != nil {
		return err
	}
	if hold.Status != ledger.HoldActive {
		return nil
	}

	acct, err := s.store.ReleaseHeld(ctx, hold.UserID, hold.Amount)
	if err != nil {
		return err
	}

	hold.Status = ledger.HoldReleased
	hold.Refunded = hold.Amount
	hold.SettledAt = time.Now().UTC()
	if _, err := s.store.UpdateHold(ctx, hold); err != nil {
		return err
	}

	s.appendEntry(ctx, hold.UserID, ledger.EntryRelease, hold.Amount, acct.Available, requestID)
	s.log.WithField("request_id", requestID).Infof("released %d tokens", hold.Amount)
	return nil
}

// Settle consumes charged tokens from the hold permanently and refunds the
// remainder. charged must not exceed the held amount.
func (s *Service) Settle(ctx context.Context, requestID string, charged int64) (Settlement, error) {
	if charged < 0 {
		return Settlement{}, ErrInvalidSettlement
	}

	hold, err := s.store.GetHold(ctx, requestID)
	if err != nil {
		return Settlement{}, err
	}
	if hold.Status != ledger.HoldActive {
		// Already settled or released; report the recorded split.
		return Settlement{Charged: hold.Charged, Refunded: hold.Refunded}, nil
	}
	if charged > hold.Amount {
		s.log.WithField("request_id", requestID).
			Errorf("settlement of %d exceeds hold of %d", charged, hold.Amount)
		return Settlement{}, ErrInvalidSettlement
	}

	refund := hold.Amount - charged

	if charged > 0 {
		if _, err := s.store.ConsumeHeld(ctx, hold.UserID, charged); err != nil {
			return Settlement{}, err
		}
	}
	var available int64
	if refund > 0 {
		acct, err := s.store.ReleaseHeld(ctx, hold.UserID, refund)
		if err != nil {
			return Settlement{}, err
		}
		available = acct.Available
	} else {
		acct, err := s.store.GetAccount(ctx, hold.UserID)
		if err != nil {
			return Settlement{}, err
		}
		available = acct.Available
	}

	hold.Status = ledger.HoldSettled
	hold.Charged = charged
	hold.Refunded = refund
	hold.SettledAt = time.Now().UTC()
	if _, err := s.store.UpdateHold(ctx, hold); err != nil {
		return Settlement{}, err
	}

	if charged > 0 {
		s.appendEntry(ctx, hold.UserID, ledger.EntryCharge, -charged, available, requestID)
	}
	if refund > 0 {
		s.appendEntry(ctx, hold.UserID, ledger.EntryRefund, refund, available, requestID)
	}
	s.log.WithField("request_id", requestID).
		Infof("settled hold: charged %d, refunded %d", charged, refund)
	return Settlement{Charged: charged, Refunded: refund}, nil
}

// Deposit credits tokens to a fan's available balance, creating the account
// on first use.
func (s *Service) Deposit(ctx context.Context, userID string, amount int64, reference string) (ledger.Account, error) {
	if amount <= 0 {
		return ledger.Account{}, fmt.Errorf("deposit amount must be positive")
	}
	if _, err := s.store.EnsureAccount(ctx, userID, 0); err != nil {
		return ledger.Account{}, err
	}
	acct, err := s.store.CreditAvailable(ctx, userID, amount)
	if err != nil {
		return ledger.Account{}, err
	}
	s.appendEntry(ctx, userID, ledger.EntryDeposit, amount, acct.Available, reference)
	return acct, nil
}

// Balance returns the fan's account, creating it empty if missing.
func (s *Service) Balance(ctx context.Context, userID string) (ledger.Account, error) {
	return s.store.EnsureAccount(ctx, userID, 0)
}

// History lists recent ledger entries, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]ledger.Entry, error) {
	return s.store.ListEntries(ctx, userID, limit)
}

// appendEntry records a history row. History is best-effort; a failed write
// never unwinds the balance mutation it describes.
func (s *Service) appendEntry(ctx context.Context, userID string, typ ledger.EntryType, amount, after int64, ref string) {
	_, err := s.store.AppendEntry(ctx, ledger.Entry{
		UserID:         userID,
		Type:           typ,
		Amount:         amount,
		AvailableAfter: after,
		ReferenceID:    ref,
	})
	if err != nil {
		s.log.WithError(err).Warnf("append %s entry for %s failed", typ, userID)
	}
}
