package nullifier

import (
	"context"
	"sync"
	"testing"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Poly-pay/polypay-app-sub000/apperrors"
	"github.com/Poly-pay/polypay-app-sub000/repository/dbtest"
	"github.com/Poly-pay/polypay-app-sub000/repository/models"
)

func newLedger(t *testing.T) *Ledger {
	return NewLedger(dbtest.Open(t), cmtlog.NewNopLogger())
}

func TestReserveThenConflict(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	res, err := l.Reserve(ctx, "1", "n1")
	require.NoError(t, err)
	assert.Equal(t, Accepted, res)

	res, err = l.Reserve(ctx, "1", "n1")
	require.NoError(t, err)
	assert.Equal(t, Conflict, res)

	// same nullifier on another transaction is a different pair
	res, err = l.Reserve(ctx, "2", "n1")
	require.NoError(t, err)
	assert.Equal(t, Accepted, res)
}

func TestReserveNormalizes(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	res, err := l.Reserve(ctx, "1", "0xABCDEF")
	require.NoError(t, err)
	require.Equal(t, Accepted, res)

	res, err = l.Reserve(ctx, "1", " 0xabcdef ")
	require.NoError(t, err)
	assert.Equal(t, Conflict, res)
}

func TestReserveRequiresValues(t *testing.T) {
	_, err := newLedger(t).Reserve(context.Background(), "1", "  ")
	require.ErrorIs(t, err, apperrors.ErrInvalidArgument)
}

func TestReleaseAllowsRetry(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	_, err := l.Reserve(ctx, "1", "n1")
	require.NoError(t, err)
	require.NoError(t, l.AttachJob(ctx, "1", "n1", "job-1"))

	row, err := l.Get(ctx, "1", "n1")
	require.NoError(t, err)
	require.NotNil(t, row)
	require.NotNil(t, row.JobID)
	assert.Equal(t, "job-1", *row.JobID)

	require.NoError(t, l.Release(ctx, "1", "n1"))
	row, err = l.Get(ctx, "1", "n1")
	require.NoError(t, err)
	assert.Nil(t, row)

	res, err := l.Reserve(ctx, "1", "n1")
	require.NoError(t, err)
	assert.Equal(t, Accepted, res)
}

func TestConsumedNullifierIsNeverReleased(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	_, err := l.Reserve(ctx, "1", "n1")
	require.NoError(t, err)
	require.NoError(t, Consume(l.db, "1", "n1"))

	require.NoError(t, l.Release(ctx, "1", "n1"))
	row, err := l.Get(ctx, "1", "n1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, models.NullifierConsumed, row.State)

	res, err := l.Reserve(ctx, "1", "n1")
	require.NoError(t, err)
	assert.Equal(t, Conflict, res)

	n, err := CountConsumed(l.db, "1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestConsumeWithoutReservation(t *testing.T) {
	l := newLedger(t)
	err := Consume(l.db, "1", "n9")
	require.ErrorIs(t, err, apperrors.ErrIntegrity)
}

func TestConcurrentReserveAcceptsOne(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	const callers = 10
	results := make([]Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := l.Reserve(ctx, "1", "n1")
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, r := range results {
		if r == Accepted {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted)
}

func ageReservation(t *testing.T, l *Ledger, txID, n string, age time.Duration) {
	t.Helper()
	require.NoError(t, l.db.Model(&models.Nullifier{}).
		Where("tx_id = ? AND nullifier = ?", txID, Normalize(n)).
		UpdateColumn("updated_at", time.Now().Add(-age)).Error)
}

func TestReclaimStaleReservation(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	_, err := l.Reserve(ctx, "1", "n1")
	require.NoError(t, err)
	require.NoError(t, l.AttachJob(ctx, "1", "n1", "job-1"))

	// a live reservation is left alone
	row, err := l.Reclaim(ctx, "1", "n1", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Nil(t, row)

	ageReservation(t, l, "1", "n1", time.Hour)
	row, err = l.Reclaim(ctx, "1", "n1", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, models.NullifierReserved, row.State)
	require.NotNil(t, row.JobID)
	assert.Equal(t, "job-1", *row.JobID)

	// claiming refreshed the row, so a second retry loses
	row, err = l.Reclaim(ctx, "1", "n1", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestReclaimIgnoresConsumed(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	_, err := l.Reserve(ctx, "1", "n1")
	require.NoError(t, err)
	require.NoError(t, Consume(l.db, "1", "n1"))
	ageReservation(t, l, "1", "n1", time.Hour)

	row, err := l.Reclaim(ctx, "1", "n1", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Nil(t, row)

	row, err = l.Reclaim(ctx, "1", "missing", time.Now())
	require.NoError(t, err)
	assert.Nil(t, row)
}
