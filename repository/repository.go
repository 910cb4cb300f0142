package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Poly-pay/polypay-app-sub000/apperrors"
	"github.com/Poly-pay/polypay-app-sub000/nullifier"
	"github.com/Poly-pay/polypay-app-sub000/repository/models"
	"github.com/Poly-pay/polypay-app-sub000/statemachine"
)

// VoteResult is the state of a transaction right after a vote was recorded
type VoteResult struct {
	Transaction *models.Transaction
	Job         *models.ProofJob
	Tally       statemachine.Tally
	Previous    models.TransactionStatus
}

// StatusChanged reports whether the vote moved the transaction
func (v *VoteResult) StatusChanged() bool {
	return v.Previous != v.Transaction.Status
}

type Repository struct {
	db      *gorm.DB
	machine *statemachine.Machine
	logger  cmtlog.Logger
}

func NewRepository(machine *statemachine.Machine, logger cmtlog.Logger) *Repository {
	return &Repository{
		machine: machine,
		logger:  logger.With("module", "repository"),
	}
}

// ConnectDB opens the postgres pool, retrying while the database comes up
func (r *Repository) ConnectDB(dsn string, attempts int, wait time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := range attempts {
		r.logger.Info("Connecting to Postgres", "attempt", i+1)
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
			TranslateError: true,
		})
		if err == nil {
			r.db = db
			r.logger.Info("Connected to Postgres")
			return nil
		}
		lastErr = err
		r.logger.Error("Connection attempt failed", "attempt", i+1, "err", err)
		time.Sleep(wait)
	}
	return fmt.Errorf("connecting to postgres after %d attempts: %w", attempts, lastErr)
}

// UseDB sets an already opened database
func (r *Repository) UseDB(db *gorm.DB) {
	r.db = db
}

func (r *Repository) DB() *gorm.DB {
	return r.db
}

func (r *Repository) Migrate() error {
	if err := r.db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	r.logger.Info("Database migration completed successfully")
	return nil
}

// GetTransaction loads a transaction, with its proof jobs when withVotes is set
func (r *Repository) GetTransaction(ctx context.Context, txID string, withVotes bool) (*models.Transaction, error) {
	q := r.db.WithContext(ctx)
	if withVotes {
		q = q.Preload("ProofJobs", func(db *gorm.DB) *gorm.DB {
			return db.Order("proof_job_id")
		})
	}

	var tx models.Transaction
	err := q.Where("tx_id = ?", txID).First(&tx).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("Transaction", txID)
		}
		return nil, apperrors.FromDB(err, "Failed to load transaction")
	}
	return &tx, nil
}

func (r *Repository) TransactionExists(ctx context.Context, txID string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Transaction{}).Where("tx_id = ?", txID).Count(&n).Error
	if err != nil {
		return false, apperrors.FromDB(err, "Failed to look up transaction")
	}
	return n > 0, nil
}

// CreateWithFirstVote inserts a proposed transaction together with its first
// verified vote. The transaction row never exists without that vote.
func (r *Repository) CreateWithFirstVote(ctx context.Context, tx *models.Transaction, job *models.ProofJob) (*VoteResult, error) {
	tx.Status = models.StatusPending
	tx.ApproveCount = 0
	tx.DenyCount = 0

	result := &VoteResult{Transaction: tx, Job: job, Previous: models.StatusPending}
	err := r.db.WithContext(ctx).Transaction(func(dbTx *gorm.DB) error {
		if err := dbTx.Omit(clause.Associations).Create(tx).Error; err != nil {
			if apperrors.IsUniqueViolation(err) {
				return apperrors.Conflict(
					"Transaction already exists",
					fmt.Sprintf("transaction %s already exists", tx.ID),
				)
			}
			return apperrors.FromDB(err, "Failed to create transaction")
		}

		tally, err := r.insertVoteAndRecompute(dbTx, tx, job)
		if err != nil {
			return err
		}
		result.Tally = tally
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RecordVote stores a finished vote and re-derives the transaction's status
// from every vote it has. The transaction row stays locked from the
// terminal-state check until the new status is written.
func (r *Repository) RecordVote(ctx context.Context, txID string, job *models.ProofJob) (*VoteResult, error) {
	result := &VoteResult{Job: job}
	err := r.db.WithContext(ctx).Transaction(func(dbTx *gorm.DB) error {
		tx, err := lockTransaction(dbTx, txID)
		if err != nil {
			return err
		}
		result.Previous = tx.Status
		result.Transaction = tx

		if err := r.machine.CheckVotable(tx); err != nil {
			return err
		}

		tally, err := r.insertVoteAndRecompute(dbTx, tx, job)
		if err != nil {
			return err
		}
		result.Tally = tally
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Repository) insertVoteAndRecompute(dbTx *gorm.DB, tx *models.Transaction, job *models.ProofJob) (statemachine.Tally, error) {
	job.TxID = tx.ID
	job.Nullifier = nullifier.Normalize(job.Nullifier)
	if err := dbTx.Omit(clause.Associations).Create(job).Error; err != nil {
		if apperrors.IsUniqueViolation(err) {
			return statemachine.Tally{}, apperrors.Conflict(
				"Nullifier already used",
				fmt.Sprintf("transaction %s already has a vote for nullifier %s", tx.ID, job.Nullifier),
			)
		}
		return statemachine.Tally{}, apperrors.FromDB(err, "Failed to record vote")
	}

	if err := nullifier.Consume(dbTx, tx.ID, job.Nullifier); err != nil {
		return statemachine.Tally{}, err
	}

	var jobs []models.ProofJob
	if err := dbTx.Where("tx_id = ?", tx.ID).Order("proof_job_id").Find(&jobs).Error; err != nil {
		return statemachine.Tally{}, apperrors.FromDB(err, "Failed to load votes")
	}
	accepted, err := nullifier.CountConsumed(dbTx, tx.ID)
	if err != nil {
		return statemachine.Tally{}, err
	}

	previous := tx.Status
	tally, err := r.machine.Recompute(tx, jobs, accepted)
	if err != nil {
		if errors.Is(err, apperrors.ErrIntegrity) {
			r.logger.Error("Integrity violation while recomputing status",
				"tx_id", tx.ID, "jobs", len(jobs), "accepted_nullifiers", accepted, "err", err)
		}
		return statemachine.Tally{}, err
	}

	res := dbTx.Model(&models.Transaction{}).
		Where("tx_id = ? AND status = ?", tx.ID, previous).
		Updates(map[string]interface{}{
			"status":        tx.Status,
			"approve_count": tx.ApproveCount,
			"deny_count":    tx.DenyCount,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return statemachine.Tally{}, apperrors.FromDB(res.Error, "Failed to update transaction status")
	}
	if res.RowsAffected != 1 {
		return statemachine.Tally{}, apperrors.Conflict(
			"Transaction changed concurrently",
			fmt.Sprintf("transaction %s is no longer %s", tx.ID, previous),
		)
	}
	return tally, nil
}

// ListAggregatedApprovals returns the approve votes usable on chain, oldest first
func (r *Repository) ListAggregatedApprovals(ctx context.Context, txID string) ([]models.ProofJob, error) {
	var jobs []models.ProofJob
	err := r.db.WithContext(ctx).
		Where("tx_id = ? AND status = ? AND decision = ?", txID, models.ProofJobAggregated, models.DecisionApprove).
		Order("proof_job_id").
		Find(&jobs).Error
	if err != nil {
		return nil, apperrors.FromDB(err, "Failed to load votes")
	}
	return jobs, nil
}

// MarkExecuted stamps the on-chain hash on a READY transaction. changed is
// false when the same hash was already recorded.
func (r *Repository) MarkExecuted(ctx context.Context, txID, txHash string) (tx *models.Transaction, changed bool, err error) {
	err = r.db.WithContext(ctx).Transaction(func(dbTx *gorm.DB) error {
		var lockErr error
		tx, lockErr = lockTransaction(dbTx, txID)
		if lockErr != nil {
			return lockErr
		}

		previous := tx.Status
		var markErr error
		changed, markErr = r.machine.MarkExecuted(tx, txHash, time.Now().UTC())
		if markErr != nil || !changed {
			return markErr
		}

		res := dbTx.Model(&models.Transaction{}).
			Where("tx_id = ? AND status = ?", txID, previous).
			Updates(map[string]interface{}{
				"status":      tx.Status,
				"tx_hash":     *tx.TxHash,
				"executed_at": *tx.ExecutedAt,
				"updated_at":  time.Now().UTC(),
			})
		if res.Error != nil {
			return apperrors.FromDB(res.Error, "Failed to mark transaction executed")
		}
		if res.RowsAffected != 1 {
			return apperrors.Conflict(
				"Transaction changed concurrently",
				fmt.Sprintf("transaction %s is no longer %s", txID, previous),
			)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return tx, changed, nil
}

func lockTransaction(dbTx *gorm.DB, txID string) (*models.Transaction, error) {
	var tx models.Transaction
	err := dbTx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tx_id = ?", txID).
		First(&tx).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("Transaction", txID)
		}
		return nil, apperrors.FromDB(err, "Failed to load transaction")
	}
	return &tx, nil
}
