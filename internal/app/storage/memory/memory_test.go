package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/digis-live/callcore/internal/app/domain/call"
	"github.com/digis-live/callcore/internal/app/domain/ledger"
)

func TestConcurrentDebitNeverOverdraws(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.EnsureAccount(ctx, "fan1", 100); err != nil {
		t.Fatalf("ensure account: %v", err)
	}

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, err := store.DebitAvailable(ctx, "fan1", 10)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, ledger.ErrInsufficientTokens) {
				t.Errorf("unexpected debit error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 {
		t.Fatalf("expected exactly 10 debits of 10 from 100, got %d", succeeded)
	}
	acct, err := store.GetAccount(ctx, "fan1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acct.Available != 0 || acct.Held != 100 {
		t.Fatalf("inconsistent totals: available=%d held=%d", acct.Available, acct.Held)
	}
}

func TestReleaseHeldGuards(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.EnsureAccount(ctx, "fan1", 100); err != nil {
		t.Fatalf("ensure account: %v", err)
	}
	if _, err := store.DebitAvailable(ctx, "fan1", 60); err != nil {
		t.Fatalf("debit: %v", err)
	}

	if _, err := store.ReleaseHeld(ctx, "fan1", 100); !errors.Is(err, ledger.ErrInsufficientTokens) {
		t.Fatalf("expected guard against over-release, got %v", err)
	}
	if _, err := store.ConsumeHeld(ctx, "fan1", 100); !errors.Is(err, ledger.ErrInsufficientTokens) {
		t.Fatalf("expected guard against over-consume, got %v", err)
	}

	acct, err := store.ReleaseHeld(ctx, "fan1", 60)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if acct.Available != 100 || acct.Held != 0 {
		t.Fatalf("unexpected balance after release: %+v", acct)
	}
}

func TestUpdateRequestStatusGuardedByFromState(t *testing.T) {
	store := New()
	ctx := context.Background()

	req, err := store.CreateRequest(ctx, call.Request{
		FanID:     "fan1",
		CreatorID: "creator1",
		StreamID:  "stream1",
		Status:    call.StatusRequested,
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}

	if _, err := store.UpdateRequestStatus(ctx, req.ID, call.StatusRequested, call.StatusAccepted); err != nil {
		t.Fatalf("transition: %v", err)
	}

	// Only one racer can win a guarded transition; the other observes not-found.
	if _, err := store.UpdateRequestStatus(ctx, req.ID, call.StatusRequested, call.StatusRejected); !errors.Is(err, call.ErrRequestNotFound) {
		t.Fatalf("expected not-found on second transition, got %v", err)
	}
}

func TestCreateRequestRejectsSecondPending(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.CreateRequest(ctx, call.Request{
		FanID: "fan1", CreatorID: "creator1", StreamID: "s1",
		Status: call.StatusRequested,
	}); err != nil {
		t.Fatalf("create request: %v", err)
	}

	// Same fan and stream: the pending slot is taken.
	_, err := store.CreateRequest(ctx, call.Request{
		FanID: "fan1", CreatorID: "creator1", StreamID: "s1",
		Status: call.StatusRequested,
	})
	if !errors.Is(err, call.ErrRequestPending) {
		t.Fatalf("expected pending-request error, got %v", err)
	}

	// A different stream is fine.
	if _, err := store.CreateRequest(ctx, call.Request{
		FanID: "fan1", CreatorID: "creator1", StreamID: "s2",
		Status: call.StatusRequested,
	}); err != nil {
		t.Fatalf("create request on other stream: %v", err)
	}
}

func TestConcurrentCreateRequestSinglePending(t *testing.T) {
	store := New()
	ctx := context.Background()

	const racers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0

	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func() {
			defer wg.Done()
			_, err := store.CreateRequest(ctx, call.Request{
				FanID: "fan1", CreatorID: "creator1", StreamID: "s1",
				Status: call.StatusRequested,
			})
			if err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			} else if !errors.Is(err, call.ErrRequestPending) {
				t.Errorf("unexpected create error: %v", err)
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("expected exactly one pending request, got %d", created)
	}
}

func TestConcurrentGuardedTransitionSingleWinner(t *testing.T) {
	store := New()
	ctx := context.Background()

	req, err := store.CreateRequest(ctx, call.Request{
		FanID:     "fan1",
		CreatorID: "creator1",
		StreamID:  "stream1",
		Status:    call.StatusRequested,
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}

	const racers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	wg.Add(racers)
	for i := 0; i < racers; i++ {
		to := call.StatusAccepted
		if i%2 == 1 {
			to = call.StatusRejected
		}
		go func(to call.RequestStatus) {
			defer wg.Done()
			if _, err := store.UpdateRequestStatus(ctx, req.ID, call.StatusRequested, to); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(to)
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one transition winner, got %d", winners)
	}
}

func TestFinishSessionOnlyOnce(t *testing.T) {
	store := New()
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, call.Session{
		RequestID: "req1",
		FanID:     "fan1",
		CreatorID: "creator1",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	now := time.Now().UTC()
	sess.EndedAt = &now
	sess.EndReason = call.EndUserEnded
	if _, err := store.FinishSession(ctx, sess); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if _, err := store.FinishSession(ctx, sess); !errors.Is(err, call.ErrSessionNotFound) {
		t.Fatalf("expected not-found on second finish, got %v", err)
	}
}

func TestListRequestedBeforeFiltersByStatusAndTime(t *testing.T) {
	store := New()
	ctx := context.Background()

	old, err := store.CreateRequest(ctx, call.Request{
		FanID: "fan1", CreatorID: "creator1", StreamID: "s1",
		Status:    call.StatusRequested,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if _, err := store.CreateRequest(ctx, call.Request{
		FanID: "fan2", CreatorID: "creator1", StreamID: "s1",
		Status: call.StatusRequested,
	}); err != nil {
		t.Fatalf("create request: %v", err)
	}

	stale, err := store.ListRequestedBefore(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != old.ID {
		t.Fatalf("expected only the hour-old request, got %d", len(stale))
	}
}

func TestLedgerEntriesNewestFirst(t *testing.T) {
	store := New()
	ctx := context.Background()

	for i, typ := range []ledger.EntryType{ledger.EntryDeposit, ledger.EntryHold, ledger.EntryCharge} {
		if _, err := store.AppendEntry(ctx, ledger.Entry{
			UserID:    "fan1",
			Type:      typ,
			Amount:    int64(i + 1),
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
		}); err != nil {
			t.Fatalf("append entry: %v", err)
		}
	}

	entries, err := store.ListEntries(ctx, "fan1", 2)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("limit not applied: got %d entries", len(entries))
	}
	if entries[0].Type != ledger.EntryCharge {
		t.Fatalf("expected newest entry first, got %s", entries[0].Type)
	}
}
