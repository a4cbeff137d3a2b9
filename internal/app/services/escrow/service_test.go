package escrow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/digis-live/callcore/internal/app/domain/ledger"
	"github.com/digis-live/callcore/internal/app/storage/memory"
)

func newFundedService(t *testing.T, fanID string, balance int64) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	svc := New(store, nil)
	_, err := svc.Deposit(context.Background(), fanID, balance, "seed")
	require.NoError(t, err)
	return svc, store
}

func TestHoldDebitsAvailable(t *testing.T) {
	svc, store := newFundedService(t, "fan1", 1000)
	ctx := context.Background()

	hold, err := svc.Hold(ctx, "req1", "fan1", 500)
	require.NoError(t, err)
	require.Equal(t, int64(500), hold.Amount)
	require.Equal(t, ledger.HoldActive, hold.Status)

	acct, err := store.GetAccount(ctx, "fan1")
	require.NoError(t, err)
	require.Equal(t, int64(500), acct.Available)
	require.Equal(t, int64(500), acct.Held)
}

func TestHoldInsufficientTokens(t *testing.T) {
	svc, store := newFundedService(t, "fan1", 100)
	ctx := context.Background()

	_, err := svc.Hold(ctx, "req1", "fan1", 500)
	require.ErrorIs(t, err, ledger.ErrInsufficientTokens)

	// No partial hold.
	acct, err := store.GetAccount(ctx, "fan1")
	require.NoError(t, err)
	require.Equal(t, int64(100), acct.Available)
	require.Zero(t, acct.Held)
}

func TestHoldUnknownFanTreatedAsUnderfunded(t *testing.T) {
	store := memory.New()
	svc := New(store, nil)

	// A fan who never deposited is simply broke, not missing.
	_, err := svc.Hold(context.Background(), "req1", "newcomer", 500)
	require.ErrorIs(t, err, ledger.ErrInsufficientTokens)

	acct, err := store.GetAccount(context.Background(), "newcomer")
	require.NoError(t, err)
	require.Zero(t, acct.Available)
	require.Zero(t, acct.Held)
}

func TestReleaseIsIdempotent(t *testing.T) {
	svc, store := newFundedService(t, "fan1", 1000)
	ctx := context.Background()

	_, err := svc.Hold(ctx, "req1", "fan1", 500)
	require.NoError(t, err)

	require.NoError(t, svc.Release(ctx, "req1"))
	acct, err := store.GetAccount(ctx, "fan1")
	require.NoError(t, err)
	require.Equal(t, int64(1000), acct.Available)

	// Second release must not change the balance.
	require.NoError(t, svc.Release(ctx, "req1"))
	acct, err = store.GetAccount(ctx, "fan1")
	require.NoError(t, err)
	require.Equal(t, int64(1000), acct.Available)
	require.Zero(t, acct.Held)
}

func TestSettleSplitsHoldExactly(t *testing.T) {
	svc, store := newFundedService(t, "fan1", 1000)
	ctx := context.Background()

	_, err := svc.Hold(ctx, "req1", "fan1", 500)
	require.NoError(t, err)

	settlement, err := svc.Settle(ctx, "req1", 200)
	require.NoError(t, err)
	require.Equal(t, int64(200), settlement.Charged)
	require.Equal(t, int64(300), settlement.Refunded)
	require.Equal(t, int64(500), settlement.Charged+settlement.Refunded)

	acct, err := store.GetAccount(ctx, "fan1")
	require.NoError(t, err)
	require.Equal(t, int64(800), acct.Available)
	require.Zero(t, acct.Held)
}

func TestSettleFullCharge(t *testing.T) {
	svc, store := newFundedService(t, "fan1", 1000)
	ctx := context.Background()

	_, err := svc.Hold(ctx, "req1", "fan1", 500)
	require.NoError(t, err)

	settlement, err := svc.Settle(ctx, "req1", 500)
	require.NoError(t, err)
	require.Equal(t, int64(500), settlement.Charged)
	require.Zero(t, settlement.Refunded)

	acct, err := store.GetAccount(ctx, "fan1")
	require.NoError(t, err)
	require.Equal(t, int64(500), acct.Available)
	require.Zero(t, acct.Held)
}

func TestSettleRejectsOvercharge(t *testing.T) {
	svc, _ := newFundedService(t, "fan1", 1000)
	ctx := context.Background()

	_, err := svc.Hold(ctx, "req1", "fan1", 500)
	require.NoError(t, err)

	_, err = svc.Settle(ctx, "req1", 501)
	require.ErrorIs(t, err, ErrInvalidSettlement)
}

func TestSettleTwiceReportsRecordedSplit(t *testing.T) {
	svc, store := newFundedService(t, "fan1", 1000)
	ctx := context.Background()

	_, err := svc.Hold(ctx, "req1", "fan1", 500)
	require.NoError(t, err)

	first, err := svc.Settle(ctx, "req1", 200)
	require.NoError(t, err)

	second, err := svc.Settle(ctx, "req1", 450)
	require.NoError(t, err)
	require.Equal(t, first, second)

	acct, err := store.GetAccount(ctx, "fan1")
	require.NoError(t, err)
	require.Equal(t, int64(800), acct.Available)
}

func TestDepositValidation(t *testing.T) {
	store := memory.New()
	svc := New(store, nil)

	_, err := svc.Deposit(context.Background(), "fan1", 0, "")
	require.Error(t, err)
	_, err = svc.Deposit(context.Background(), "fan1", -5, "")
	require.Error(t, err)
}

func TestHistoryRecordsMovements(t *testing.T) {
	svc, _ := newFundedService(t, "fan1", 1000)
	ctx := context.Background()

	_, err := svc.Hold(ctx, "req1", "fan1", 500)
	require.NoError(t, err)
	_, err = svc.Settle(ctx, "req1", 200)
	require.NoError(t, err)

	entries, err := svc.History(ctx, "fan1", 10)
	require.NoError(t, err)

	// deposit, hold, charge, refund
	types := make(map[ledger.EntryType]bool)
	for _, entry := range entries {
		types[entry.Type] = true
	}
	require.True(t, types[ledger.EntryDeposit])
	require.True(t, types[ledger.EntryHold])
	require.True(t, types[ledger.EntryCharge])
	require.True(t, types[ledger.EntryRefund])
}
