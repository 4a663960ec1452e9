package ledger_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ksred/klear-broker/internal/database"
	"github.com/ksred/klear-broker/internal/ledger"
)

func setupLedger(t *testing.T) (*ledger.Service, *gorm.DB) {
	t.Helper()
	db, err := database.NewDatabase(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return ledger.NewService(db), db
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestDeposit(t *testing.T) {
	svc, _ := setupLedger(t)
	ctx := context.Background()

	sum, err := svc.Deposit(ctx, "USR_1", d("1000"))
	require.NoError(t, err)
	assert.True(t, sum.Balance.Equal(d("1000")))
	assert.True(t, sum.Available.Equal(d("1000")))
	assert.Equal(t, ledger.DefaultCurrency, sum.Currency)

	sum, err = svc.Deposit(ctx, "USR_1", d("250.50"))
	require.NoError(t, err)
	assert.True(t, sum.Balance.Equal(d("1250.50")))

	_, err = svc.Deposit(ctx, "USR_1", d("-1"))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestUnknownUserHasZeroBalance(t *testing.T) {
	svc, _ := setupLedger(t)

	bal, err := svc.GetBalance(context.Background(), "USR_nobody")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestReserveCommit(t *testing.T) {
	svc, db := setupLedger(t)
	ctx := context.Background()
	_, err := svc.Deposit(ctx, "USR_1", d("1000"))
	require.NoError(t, err)

	id, err := svc.Reserve(ctx, "USR_1", d("600"))
	require.NoError(t, err)
	assert.Contains(t, id, "RSV_")

	sum, err := svc.Summary(ctx, "USR_1")
	require.NoError(t, err)
	assert.True(t, sum.Held.Equal(d("600")))
	assert.True(t, sum.Available.Equal(d("400")))
	assert.True(t, sum.Balance.Equal(d("1000")))

	// Partial fill debits less than the hold.
	require.NoError(t, svc.Commit(ctx, id, d("360")))

	sum, err = svc.Summary(ctx, "USR_1")
	require.NoError(t, err)
	assert.True(t, sum.Held.IsZero())
	assert.True(t, sum.Balance.Equal(d("640")))
	assert.True(t, sum.Available.Equal(d("640")))

	res, err := svc.Reservation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateCommitted, res.State)
	assert.True(t, res.Debited.Equal(d("360")))
	assert.NotNil(t, res.ClosedAt)

	var entries []ledger.Entry
	require.NoError(t, db.Where("reservation_id = ?", id).Find(&entries).Error)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.EntryDebit, entries[0].Kind)
}

func TestReserveRelease(t *testing.T) {
	svc, _ := setupLedger(t)
	ctx := context.Background()
	_, err := svc.Deposit(ctx, "USR_1", d("100"))
	require.NoError(t, err)

	id, err := svc.Reserve(ctx, "USR_1", d("100"))
	require.NoError(t, err)
	require.NoError(t, svc.Release(ctx, id))

	bal, err := svc.GetBalance(ctx, "USR_1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(d("100")))

	res, err := svc.Reservation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateReleased, res.State)
}

func TestReservationClosesOnce(t *testing.T) {
	svc, _ := setupLedger(t)
	ctx := context.Background()
	_, err := svc.Deposit(ctx, "USR_1", d("100"))
	require.NoError(t, err)

	id, err := svc.Reserve(ctx, "USR_1", d("50"))
	require.NoError(t, err)
	require.NoError(t, svc.Release(ctx, id))

	assert.ErrorIs(t, svc.Release(ctx, id), ledger.ErrReservationClosed)
	assert.ErrorIs(t, svc.Commit(ctx, id, d("50")), ledger.ErrReservationClosed)
	assert.ErrorIs(t, svc.Release(ctx, "RSV_missing"), ledger.ErrReservationNotFound)
}

func TestCommitExceedingHoldRecordsShortfall(t *testing.T) {
	svc, db := setupLedger(t)
	ctx := context.Background()
	_, err := svc.Deposit(ctx, "USR_1", d("100"))
	require.NoError(t, err)

	id, err := svc.Reserve(ctx, "USR_1", d("50"))
	require.NoError(t, err)
	require.NoError(t, svc.Commit(ctx, id, d("120")))

	sum, err := svc.Summary(ctx, "USR_1")
	require.NoError(t, err)
	assert.True(t, sum.Balance.Equal(d("-20")), sum.Balance.String())
	assert.True(t, sum.Held.IsZero())

	var entries []ledger.Entry
	require.NoError(t, db.Where("reservation_id = ?", id).Order("kind").Find(&entries).Error)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.EntryDebit, entries[0].Kind)
	assert.True(t, entries[0].Amount.Equal(d("50")))
	assert.Equal(t, ledger.EntryShortfall, entries[1].Kind)
	assert.True(t, entries[1].Amount.Equal(d("70")))

	res, err := svc.Reservation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateCommitted, res.State)
	assert.True(t, res.Debited.Equal(d("120")))
}

func TestReserveInsufficientFunds(t *testing.T) {
	svc, _ := setupLedger(t)
	ctx := context.Background()
	_, err := svc.Deposit(ctx, "USR_1", d("100"))
	require.NoError(t, err)

	_, err = svc.Reserve(ctx, "USR_1", d("100.01"))
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	_, err = svc.Reserve(ctx, "USR_1", d("0"))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestConcurrentReservesNeverOverdraw(t *testing.T) {
	svc, _ := setupLedger(t)
	ctx := context.Background()
	_, err := svc.Deposit(ctx, "USR_1", d("1000"))
	require.NoError(t, err)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Reserve(ctx, "USR_1", d("100")); err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, won)
	sum, err := svc.Summary(ctx, "USR_1")
	require.NoError(t, err)
	assert.True(t, sum.Available.IsZero())
}
