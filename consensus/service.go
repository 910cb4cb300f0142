// Package consensus collects verified zero-knowledge approvals for multisig
// transactions until they are ready for execution.
//
// A vote goes through reserve -> submit -> poll -> record. The nullifier is
// reserved before any network call and released again whenever the vote ends
// without being recorded, so a failed attempt leaves no trace besides its log
// lines. No database lock is held while the verifier is polled.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"

	"github.com/Poly-pay/polypay-app-sub000/apperrors"
	"github.com/Poly-pay/polypay-app-sub000/audit"
	"github.com/Poly-pay/polypay-app-sub000/metrics"
	"github.com/Poly-pay/polypay-app-sub000/nullifier"
	"github.com/Poly-pay/polypay-app-sub000/repository"
	"github.com/Poly-pay/polypay-app-sub000/repository/models"
	"github.com/Poly-pay/polypay-app-sub000/statemachine"
	"github.com/Poly-pay/polypay-app-sub000/verifier"
)

// Verifier submits proofs to the external verification service
type Verifier interface {
	Submit(ctx context.Context, proof []byte, publicInputs [][32]byte, vkHash string) (*verifier.SubmitResult, error)
	PollUntilFinalized(ctx context.Context, jobID string, maxAttempts int, interval time.Duration) (*verifier.JobStatus, error)
}

// KeyStore resolves the verification key proofs are checked against
type KeyStore interface {
	EnsureRegistered(ctx context.Context, candidateVK string, publicInputCount int) (string, error)
}

// Ledger is the double-vote guard
type Ledger interface {
	Reserve(ctx context.Context, txID, nullifier string) (nullifier.Result, error)
	AttachJob(ctx context.Context, txID, nullifier, jobID string) error
	Release(ctx context.Context, txID, nullifier string) error
	Reclaim(ctx context.Context, txID, nullifier string, staleBefore time.Time) (*models.Nullifier, error)
}

// Store persists transactions and their votes
type Store interface {
	GetTransaction(ctx context.Context, txID string, withVotes bool) (*models.Transaction, error)
	TransactionExists(ctx context.Context, txID string) (bool, error)
	CreateWithFirstVote(ctx context.Context, tx *models.Transaction, job *models.ProofJob) (*repository.VoteResult, error)
	RecordVote(ctx context.Context, txID string, job *models.ProofJob) (*repository.VoteResult, error)
	ListAggregatedApprovals(ctx context.Context, txID string) ([]models.ProofJob, error)
	MarkExecuted(ctx context.Context, txID, txHash string) (*models.Transaction, bool, error)
}

// Auditor receives the engine's history
type Auditor interface {
	Record(ctx context.Context, ev audit.Event)
}

// DefaultReservationTTL comfortably exceeds the default submit retries plus
// the default poll budget
const DefaultReservationTTL = 10 * time.Minute

// Config is the poll policy applied to every vote. Zero poll values fall back
// to the verifier client's defaults.
type Config struct {
	MaxPollAttempts int
	PollInterval    time.Duration

	// ReservationTTL is how long a reservation may go untouched before a
	// retry of the same vote takes it over
	ReservationTTL time.Duration
}

// Service is the TransactionConsensusService
type Service struct {
	store    Store
	ledger   Ledger
	keys     KeyStore
	verifier Verifier
	machine  *statemachine.Machine
	auditor  Auditor
	metrics  *metrics.Metrics
	config   Config
	logger   cmtlog.Logger
}

func NewService(
	store Store,
	ledger Ledger,
	keys KeyStore,
	v Verifier,
	machine *statemachine.Machine,
	auditor Auditor,
	m *metrics.Metrics,
	config Config,
	logger cmtlog.Logger,
) *Service {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	if config.ReservationTTL <= 0 {
		config.ReservationTTL = DefaultReservationTTL
	}
	return &Service{
		store:    store,
		ledger:   ledger,
		keys:     keys,
		verifier: v,
		machine:  machine,
		auditor:  auditor,
		metrics:  m,
		config:   config,
		logger:   logger.With("module", "consensus"),
	}
}

// ProposeAndVote creates a transaction whose first vote is the proposer's
// approval. The transaction row is only written once that vote verified, so
// callers never observe a proposal without its first approval.
func (s *Service) ProposeAndVote(ctx context.Context, req *ProposeRequest) (*VoteOutcome, error) {
	tx, v, err := req.parse()
	if err != nil {
		return nil, err
	}

	exists, err := s.store.TransactionExists(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	if exists {
		s.metrics.Vote(metrics.OutcomeConflict)
		return nil, apperrors.Conflict("Transaction already exists", fmt.Sprintf("transaction %s already exists", tx.ID))
	}

	job, err := s.reserveAndVerify(ctx, v)
	if err != nil {
		return nil, err
	}
	if job.Status == models.ProofJobFailed {
		s.release(ctx, v)
		s.metrics.Vote(metrics.OutcomeRejected)
		return nil, apperrors.Newf(
			apperrors.CodeVerificationRejected,
			"Proof rejected by verifier",
			"job %s failed verification", job.JobID,
		)
	}

	res, err := s.store.CreateWithFirstVote(ctx, tx, job)
	if err != nil {
		s.release(ctx, v)
		s.recordError(err)
		return nil, err
	}

	s.logger.Info("Transaction proposed", "tx_id", tx.ID, "required", tx.SignaturesRequired, "nullifier", v.nullifier)
	s.metrics.Vote(metrics.OutcomeRecorded)
	s.auditor.Record(ctx, audit.Event{
		Kind:         audit.KindProposed,
		TxID:         tx.ID,
		Nullifier:    job.Nullifier,
		Decision:     string(job.Decision),
		JobID:        job.JobID,
		JobStatus:    string(job.Status),
		Status:       string(res.Transaction.Status),
		ApproveCount: res.Transaction.ApproveCount,
		DenyCount:    res.Transaction.DenyCount,
	})
	s.afterVote(ctx, res)
	return outcome(res.Transaction), nil
}

// AddVote verifies and records one more vote on an existing transaction
func (s *Service) AddVote(ctx context.Context, req *VoteRequest) (*VoteOutcome, error) {
	v, err := req.parse()
	if err != nil {
		return nil, err
	}

	tx, err := s.store.GetTransaction(ctx, v.txID, false)
	if err != nil {
		return nil, err
	}
	if err := s.machine.CheckVotable(tx); err != nil {
		s.metrics.Vote(metrics.OutcomeConflict)
		return nil, err
	}

	job, err := s.reserveAndVerify(ctx, v)
	if err != nil {
		return nil, err
	}

	res, err := s.store.RecordVote(ctx, v.txID, job)
	if err != nil {
		s.release(ctx, v)
		s.recordError(err)
		return nil, err
	}

	s.auditor.Record(ctx, audit.Event{
		Kind:         audit.KindVoteRecorded,
		TxID:         v.txID,
		Nullifier:    job.Nullifier,
		Decision:     string(job.Decision),
		JobID:        job.JobID,
		JobStatus:    string(job.Status),
		Status:       string(res.Transaction.Status),
		ApproveCount: res.Transaction.ApproveCount,
		DenyCount:    res.Transaction.DenyCount,
	})
	s.afterVote(ctx, res)

	if job.Status == models.ProofJobFailed {
		// The failed job is kept for audit and its nullifier stays spent
		s.metrics.Vote(metrics.OutcomeFailedJob)
		s.logger.Info("Vote failed final verification", "tx_id", v.txID, "nullifier", v.nullifier, "job_id", job.JobID)
		return outcome(res.Transaction), apperrors.Newf(
			apperrors.CodeVerificationRejected,
			"Proof rejected by verifier",
			"job %s failed verification", job.JobID,
		)
	}

	s.metrics.Vote(metrics.OutcomeRecorded)
	s.logger.Info("Vote recorded",
		"tx_id", v.txID,
		"decision", job.Decision,
		"status", res.Transaction.Status,
		"approvals", res.Transaction.ApproveCount,
		"required", res.Transaction.SignaturesRequired,
	)
	return outcome(res.Transaction), nil
}

// GetTransaction returns a transaction with its votes
func (s *Service) GetTransaction(ctx context.Context, txID string) (*models.Transaction, error) {
	return s.store.GetTransaction(ctx, txID, true)
}

// GetExecutionData returns the aggregated approvals of a transaction. It does
// not look at the status: refusing to execute a transaction that is not READY
// is the executor's job.
func (s *Service) GetExecutionData(ctx context.Context, txID string) (*ExecutionData, error) {
	tx, err := s.store.GetTransaction(ctx, txID, false)
	if err != nil {
		return nil, err
	}
	jobs, err := s.store.ListAggregatedApprovals(ctx, txID)
	if err != nil {
		return nil, err
	}

	data := &ExecutionData{
		TxID:     tx.ID,
		To:       tx.To,
		Value:    tx.Value,
		CallData: tx.CallData,
		Status:   tx.Status,
		Proofs:   make([]ExecutionProof, 0, len(jobs)),
	}
	for _, job := range jobs {
		p := ExecutionProof{
			Nullifier:   job.Nullifier,
			MerkleProof: job.MerkleProof,
			LeafCount:   job.LeafCount,
			Index:       job.LeafIndex,
			MerkleRoot:  job.MerkleRoot,
		}
		if p.MerkleProof == nil {
			p.MerkleProof = []string{}
		}
		if job.AggregationID != nil {
			p.AggregationID = *job.AggregationID
		}
		data.Proofs = append(data.Proofs, p)
	}
	return data, nil
}

// MarkExecuted records the on-chain hash of a READY transaction. Repeating it
// with the same hash is harmless; a different hash is a conflict.
func (s *Service) MarkExecuted(ctx context.Context, txID, txHash string) (*models.Transaction, error) {
	tx, changed, err := s.store.MarkExecuted(ctx, txID, txHash)
	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			s.logger.Error("Rejected execution report", "tx_id", txID, "tx_hash", txHash, "err", err)
		}
		return nil, err
	}
	if !changed {
		s.logger.Info("Execution already recorded", "tx_id", txID, "tx_hash", *tx.TxHash)
		return tx, nil
	}

	s.logger.Info("Transaction executed", "tx_id", txID, "tx_hash", *tx.TxHash)
	s.metrics.StatusChanged(string(tx.Status))
	s.auditor.Record(ctx, audit.Event{
		Kind:           audit.KindExecuted,
		TxID:           txID,
		Status:         string(tx.Status),
		PreviousStatus: string(models.StatusReady),
		ApproveCount:   tx.ApproveCount,
		DenyCount:      tx.DenyCount,
		TxHash:         *tx.TxHash,
	})
	return tx, nil
}

// reserveAndVerify reserves the vote's nullifier and runs its proof through
// the verifier. It returns the finished job, AGGREGATED or FAILED, with the
// reservation still held. On any error the reservation is released.
func (s *Service) reserveAndVerify(ctx context.Context, v *vote) (*models.ProofJob, error) {
	vkHash, err := s.keys.EnsureRegistered(ctx, v.vk, len(v.publicInputs))
	if err != nil {
		s.metrics.Vote(metrics.OutcomeError)
		return nil, err
	}

	res, err := s.ledger.Reserve(ctx, v.txID, v.nullifier)
	if err != nil {
		s.metrics.Vote(metrics.OutcomeError)
		return nil, err
	}
	if res == nullifier.Conflict {
		return s.resume(ctx, v, vkHash)
	}
	return s.submitAndPoll(ctx, v, vkHash)
}

// resume handles a retry that found its nullifier taken. A reservation nobody
// touched for ReservationTTL is taken over: its verifier job, if one was
// attached, is polled again instead of submitting the proof a second time.
func (s *Service) resume(ctx context.Context, v *vote, vkHash string) (*models.ProofJob, error) {
	row, err := s.ledger.Reclaim(ctx, v.txID, v.nullifier, time.Now().Add(-s.config.ReservationTTL))
	if err != nil {
		s.metrics.Vote(metrics.OutcomeError)
		return nil, err
	}
	if row == nil {
		s.metrics.Vote(metrics.OutcomeConflict)
		return nil, apperrors.Conflict(
			"Nullifier already used",
			fmt.Sprintf("nullifier %s has already voted on transaction %s", v.nullifier, v.txID),
		)
	}
	if row.JobID == nil || *row.JobID == "" {
		return s.submitAndPoll(ctx, v, vkHash)
	}

	s.logger.Info("Resuming verification of stale reservation", "tx_id", v.txID, "nullifier", v.nullifier, "job_id", *row.JobID)
	return s.poll(ctx, v, *row.JobID)
}

func (s *Service) submitAndPoll(ctx context.Context, v *vote, vkHash string) (*models.ProofJob, error) {
	submitted, err := s.verifier.Submit(ctx, v.proof, v.publicInputs, vkHash)
	if err != nil {
		s.release(ctx, v)
		s.metrics.Vote(metrics.OutcomeError)
		return nil, err
	}
	if err := s.ledger.AttachJob(ctx, v.txID, v.nullifier, submitted.JobID); err != nil {
		s.logger.Error("Failed to attach job to reservation", "tx_id", v.txID, "job_id", submitted.JobID, "err", err)
	}

	if !submitted.Accepted() {
		s.release(ctx, v)
		s.metrics.Vote(metrics.OutcomeRejected)
		s.logger.Info("Proof rejected optimistically", "tx_id", v.txID, "job_id", submitted.JobID, "result", submitted.OptimisticVerify)
		return nil, apperrors.Newf(
			apperrors.CodeVerificationRejected,
			"Proof rejected by verifier",
			"optimistic verification returned %q", submitted.OptimisticVerify,
		)
	}
	return s.poll(ctx, v, submitted.JobID)
}

func (s *Service) poll(ctx context.Context, v *vote, jobID string) (*models.ProofJob, error) {
	final, err := s.verifier.PollUntilFinalized(ctx, jobID, s.config.MaxPollAttempts, s.config.PollInterval)
	if err != nil {
		s.release(ctx, v)
		if errors.Is(err, apperrors.ErrVerificationTimeout) {
			s.metrics.Vote(metrics.OutcomeTimeout)
		} else {
			s.metrics.Vote(metrics.OutcomeError)
		}
		s.logger.Info("Verification did not finish", "tx_id", v.txID, "job_id", jobID, "err", err)
		return nil, err
	}

	return newProofJob(v, jobID, final), nil
}

func newProofJob(v *vote, jobID string, final *verifier.JobStatus) *models.ProofJob {
	job := &models.ProofJob{
		TxID:          v.txID,
		Nullifier:     v.nullifier,
		VoterIdentity: v.voterIdentity,
		Decision:      v.decision,
		JobID:         jobID,
		Status:        models.ProofJobAggregated,
		AggregationID: final.AggregationID,
	}
	if final.Failed() {
		job.Status = models.ProofJobFailed
	}
	if d := final.AggregationDetails; d != nil {
		job.MerkleProof = d.MerkleProof
		job.MerkleRoot = d.Root
		job.LeafCount = d.LeafCount
		job.LeafIndex = d.LeafIndex
	}
	return job
}

// release drops a reservation even when the caller already went away
func (s *Service) release(ctx context.Context, v *vote) {
	if err := s.ledger.Release(context.WithoutCancel(ctx), v.txID, v.nullifier); err != nil {
		s.logger.Error("Failed to release nullifier", "tx_id", v.txID, "nullifier", v.nullifier, "err", err)
	}
}

func (s *Service) afterVote(ctx context.Context, res *repository.VoteResult) {
	if !res.StatusChanged() {
		return
	}
	tx := res.Transaction
	s.metrics.StatusChanged(string(tx.Status))
	s.logger.Info("Transaction status changed", "tx_id", tx.ID, "from", res.Previous, "to", tx.Status)
	s.auditor.Record(ctx, audit.Event{
		Kind:           audit.KindStatusChanged,
		TxID:           tx.ID,
		Status:         string(tx.Status),
		PreviousStatus: string(res.Previous),
		ApproveCount:   tx.ApproveCount,
		DenyCount:      tx.DenyCount,
	})
}

func (s *Service) recordError(err error) {
	switch {
	case errors.Is(err, apperrors.ErrConflict):
		s.metrics.Vote(metrics.OutcomeConflict)
	case errors.Is(err, apperrors.ErrIntegrity):
		s.metrics.Vote(metrics.OutcomeError)
		s.logger.Error("Integrity violation, vote not recorded", "err", err)
	default:
		s.metrics.Vote(metrics.OutcomeError)
	}
}

func outcome(tx *models.Transaction) *VoteOutcome {
	return &VoteOutcome{
		TxID:         tx.ID,
		Status:       tx.Status,
		ApproveCount: tx.ApproveCount,
		DenyCount:    tx.DenyCount,
		Required:     tx.SignaturesRequired,
	}
}
