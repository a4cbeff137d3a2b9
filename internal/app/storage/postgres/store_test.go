package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/digis-live/callcore/internal/app/domain/call"
	"github.com/digis-live/callcore/internal/app/domain/ledger"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func accountRow(available, held int64) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{"user_id", "available", "held", "created_at", "updated_at"}).
		AddRow("fan1", available, held, now, now)
}

func TestDebitAvailableGuardedUpdate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE token_accounts").
		WithArgs("fan1", int64(500), sqlmock.AnyArg()).
		WillReturnRows(accountRow(500, 500))

	acct, err := store.DebitAvailable(context.Background(), "fan1", 500)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if acct.Available != 500 || acct.Held != 500 {
		t.Fatalf("unexpected account: %+v", acct)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDebitAvailableInsufficient(t *testing.T) {
	store, mock := newMockStore(t)

	// Guarded UPDATE matches no row; the follow-up read finds the account,
	// so the failure is classified as insufficient funds.
	mock.ExpectQuery("UPDATE token_accounts").
		WithArgs("fan1", int64(500), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "available", "held", "created_at", "updated_at"}))
	mock.ExpectQuery("SELECT (.+) FROM token_accounts").
		WithArgs("fan1").
		WillReturnRows(accountRow(100, 0))

	_, err := store.DebitAvailable(context.Background(), "fan1", 500)
	if !errors.Is(err, ledger.ErrInsufficientTokens) {
		t.Fatalf("expected insufficient tokens, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDebitAvailableUnknownAccount(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE token_accounts").
		WithArgs("ghost", int64(500), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "available", "held", "created_at", "updated_at"}))
	mock.ExpectQuery("SELECT (.+) FROM token_accounts").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "available", "held", "created_at", "updated_at"}))

	_, err := store.DebitAvailable(context.Background(), "ghost", 500)
	if !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Fatalf("expected account not found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCreateRequestMapsPendingUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO call_requests").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "idx_call_requests_pending"})

	_, err := store.CreateRequest(context.Background(), call.Request{
		FanID: "fan1", CreatorID: "creator1", StreamID: "s1",
		Status: call.StatusRequested,
	})
	if !errors.Is(err, call.ErrRequestPending) {
		t.Fatalf("expected pending-request error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateRequestStatusLosesRace(t *testing.T) {
	store, mock := newMockStore(t)

	// Zero rows back from the guarded transition means another actor already
	// moved the request out of the requested state.
	mock.ExpectQuery("UPDATE call_requests").
		WithArgs("req1", string(call.StatusRequested), string(call.StatusAccepted), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "fan_id", "creator_id", "stream_id", "price_per_minute", "minimum_minutes",
			"estimated_minutes", "status", "held_tokens", "created_at", "updated_at",
		}))

	_, err := store.UpdateRequestStatus(context.Background(), "req1", call.StatusRequested, call.StatusAccepted)
	if !errors.Is(err, call.ErrRequestNotFound) {
		t.Fatalf("expected not-found for lost race, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateRequestStatusRejectsIllegalTransition(t *testing.T) {
	store, _ := newMockStore(t)

	// accepted -> rejected is not in the transition table; no SQL runs.
	_, err := store.UpdateRequestStatus(context.Background(), "req1", call.StatusAccepted, call.StatusRejected)
	if !errors.Is(err, call.ErrRequestNotFound) {
		t.Fatalf("expected not-found for illegal transition, got %v", err)
	}
}

func TestFinishSessionOnlyActiveRows(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now().UTC()
	sess := call.Session{
		ID:              "sess1",
		EndedAt:         &now,
		DurationMinutes: 2,
		TokensCharged:   200,
		EndReason:       call.EndUserEnded,
	}

	mock.ExpectExec("UPDATE call_sessions").
		WithArgs("sess1", sess.EndedAt, int64(2), int64(200), string(call.EndUserEnded)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := store.FinishSession(context.Background(), sess)
	if !errors.Is(err, call.ErrSessionNotFound) {
		t.Fatalf("expected not-found for already-ended session, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
