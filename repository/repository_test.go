package repository

import (
	"context"
	"sync"
	"testing"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Poly-pay/polypay-app-sub000/apperrors"
	"github.com/Poly-pay/polypay-app-sub000/nullifier"
	"github.com/Poly-pay/polypay-app-sub000/repository/dbtest"
	"github.com/Poly-pay/polypay-app-sub000/repository/models"
	"github.com/Poly-pay/polypay-app-sub000/statemachine"
)

type fixture struct {
	repo   *Repository
	ledger *nullifier.Ledger
}

func newFixture(t *testing.T) *fixture {
	db := dbtest.Open(t)
	repo := NewRepository(statemachine.New(1), cmtlog.NewNopLogger())
	repo.UseDB(db)
	return &fixture{repo: repo, ledger: nullifier.NewLedger(db, cmtlog.NewNopLogger())}
}

func (f *fixture) reserve(t *testing.T, txID, n string) {
	t.Helper()
	res, err := f.ledger.Reserve(context.Background(), txID, n)
	require.NoError(t, err)
	require.Equal(t, nullifier.Accepted, res)
}

func approve(n string) *models.ProofJob {
	return &models.ProofJob{
		Nullifier: n,
		Decision:  models.DecisionApprove,
		JobID:     "job-" + n,
		Status:    models.ProofJobAggregated,
	}
}

func newTx(id string, required int) *models.Transaction {
	return &models.Transaction{
		ID:                 id,
		To:                 "0x000000000000000000000000000000000000dEaD",
		Value:              "1000",
		SignaturesRequired: required,
	}
}

func TestCreateWithFirstVote(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.reserve(t, "1", "n1")

	res, err := f.repo.CreateWithFirstVote(ctx, newTx("1", 2), approve("n1"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, res.Transaction.Status)
	assert.Equal(t, 1, res.Tally.Approvals)
	assert.False(t, res.StatusChanged())

	stored, err := f.repo.GetTransaction(ctx, "1", true)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ApproveCount)
	require.Len(t, stored.ProofJobs, 1)
	assert.Equal(t, "n1", stored.ProofJobs[0].Nullifier)

	row, err := f.ledger.Get(ctx, "1", "n1")
	require.NoError(t, err)
	assert.Equal(t, models.NullifierConsumed, row.State)
}

func TestCreateDuplicateTransaction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.reserve(t, "1", "n1")
	_, err := f.repo.CreateWithFirstVote(ctx, newTx("1", 2), approve("n1"))
	require.NoError(t, err)

	f.reserve(t, "1", "n2")
	_, err = f.repo.CreateWithFirstVote(ctx, newTx("1", 1), approve("n2"))
	require.ErrorIs(t, err, apperrors.ErrConflict)

	stored, err := f.repo.GetTransaction(ctx, "1", true)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.SignaturesRequired)
	assert.Len(t, stored.ProofJobs, 1)

	// the rolled back vote left its reservation untouched
	row, err := f.ledger.Get(ctx, "1", "n2")
	require.NoError(t, err)
	assert.Equal(t, models.NullifierReserved, row.State)
}

func TestRecordVoteReachesReady(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.reserve(t, "1", "n1")
	_, err := f.repo.CreateWithFirstVote(ctx, newTx("1", 2), approve("n1"))
	require.NoError(t, err)

	f.reserve(t, "1", "n2")
	res, err := f.repo.RecordVote(ctx, "1", approve("n2"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, res.Transaction.Status)
	assert.Equal(t, models.StatusPending, res.Previous)
	assert.True(t, res.StatusChanged())
	assert.Equal(t, 2, res.Transaction.ApproveCount)

	jobs, err := f.repo.ListAggregatedApprovals(ctx, "1")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "n1", jobs[0].Nullifier)
	assert.Equal(t, "n2", jobs[1].Nullifier)
}

func TestRecordVoteFailedJobDoesNotCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.reserve(t, "1", "n1")
	_, err := f.repo.CreateWithFirstVote(ctx, newTx("1", 2), approve("n1"))
	require.NoError(t, err)

	f.reserve(t, "1", "n2")
	failed := approve("n2")
	failed.Status = models.ProofJobFailed
	res, err := f.repo.RecordVote(ctx, "1", failed)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, res.Transaction.Status)
	assert.Equal(t, 1, res.Transaction.ApproveCount)
	assert.Equal(t, 1, res.Tally.Failed)

	jobs, err := f.repo.ListAggregatedApprovals(ctx, "1")
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestRecordVoteUnknownTransaction(t *testing.T) {
	f := newFixture(t)
	_, err := f.repo.RecordVote(context.Background(), "404", approve("n1"))
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestRecordVoteWithoutReservationIsIntegrityError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.reserve(t, "1", "n1")
	_, err := f.repo.CreateWithFirstVote(ctx, newTx("1", 3), approve("n1"))
	require.NoError(t, err)

	_, err = f.repo.RecordVote(ctx, "1", approve("n7"))
	require.ErrorIs(t, err, apperrors.ErrIntegrity)

	stored, err := f.repo.GetTransaction(ctx, "1", true)
	require.NoError(t, err)
	assert.Len(t, stored.ProofJobs, 1)
}

func TestDenyVoteDenies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.reserve(t, "1", "n1")
	_, err := f.repo.CreateWithFirstVote(ctx, newTx("1", 2), approve("n1"))
	require.NoError(t, err)

	f.reserve(t, "1", "n2")
	deny := approve("n2")
	deny.Decision = models.DecisionDeny
	res, err := f.repo.RecordVote(ctx, "1", deny)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDenied, res.Transaction.Status)
	assert.Equal(t, 1, res.Transaction.DenyCount)

	f.reserve(t, "1", "n3")
	_, err = f.repo.RecordVote(ctx, "1", approve("n3"))
	require.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestMarkExecuted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.reserve(t, "1", "n1")
	_, err := f.repo.CreateWithFirstVote(ctx, newTx("1", 1), approve("n1"))
	require.NoError(t, err)

	tx, changed, err := f.repo.MarkExecuted(ctx, "1", "0xABC")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.StatusExecuted, tx.Status)
	require.NotNil(t, tx.TxHash)
	assert.Equal(t, "0xabc", *tx.TxHash)

	tx, changed, err = f.repo.MarkExecuted(ctx, "1", "0xabc")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, models.StatusExecuted, tx.Status)

	_, _, err = f.repo.MarkExecuted(ctx, "1", "0xdef")
	require.ErrorIs(t, err, apperrors.ErrConflict)

	stored, err := f.repo.GetTransaction(ctx, "1", false)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", *stored.TxHash)
	assert.NotNil(t, stored.ExecutedAt)
}

func TestMarkExecutedRequiresReady(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.reserve(t, "1", "n1")
	_, err := f.repo.CreateWithFirstVote(ctx, newTx("1", 2), approve("n1"))
	require.NoError(t, err)

	_, _, err = f.repo.MarkExecuted(ctx, "1", "0xabc")
	require.ErrorIs(t, err, apperrors.ErrConflict)

	_, _, err = f.repo.MarkExecuted(ctx, "2", "0xabc")
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestConcurrentVotesAreAllCounted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.reserve(t, "1", "n0")
	_, err := f.repo.CreateWithFirstVote(ctx, newTx("1", 10), approve("n0"))
	require.NoError(t, err)

	nullifiers := []string{"n1", "n2", "n3", "n4", "n5"}
	for _, n := range nullifiers {
		f.reserve(t, "1", n)
	}

	var wg sync.WaitGroup
	for _, n := range nullifiers {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			_, err := f.repo.RecordVote(ctx, "1", approve(n))
			assert.NoError(t, err)
		}(n)
	}
	wg.Wait()

	stored, err := f.repo.GetTransaction(ctx, "1", false)
	require.NoError(t, err)
	assert.Equal(t, 6, stored.ApproveCount)
	assert.Equal(t, models.StatusPending, stored.Status)
}

func TestTransactionExists(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ok, err := f.repo.TransactionExists(ctx, "1")
	require.NoError(t, err)
	assert.False(t, ok)

	f.reserve(t, "1", "n1")
	_, err = f.repo.CreateWithFirstVote(ctx, newTx("1", 1), approve("n1"))
	require.NoError(t, err)

	ok, err = f.repo.TransactionExists(ctx, "1")
	require.NoError(t, err)
	assert.True(t, ok)
}
