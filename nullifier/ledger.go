// Package nullifier guards against double votes. A (txId, nullifier) pair can
// be reserved by exactly one in-flight vote and, once that vote is recorded,
// is consumed for good.
package nullifier

import (
	"context"
	"strings"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Poly-pay/polypay-app-sub000/apperrors"
	"github.com/Poly-pay/polypay-app-sub000/repository/models"
)

// Result is the outcome of a reservation
type Result int

const (
	Accepted Result = iota
	Conflict
)

func (r Result) String() string {
	if r == Accepted {
		return "accepted"
	}
	return "conflict"
}

// Ledger is the NullifierLedger backed by the nullifiers table. Uniqueness
// is enforced by the table's primary key, so reservations stay atomic across
// service instances.
type Ledger struct {
	db     *gorm.DB
	logger cmtlog.Logger
}

func NewLedger(db *gorm.DB, logger cmtlog.Logger) *Ledger {
	return &Ledger{
		db:     db,
		logger: logger.With("module", "nullifier"),
	}
}

// Normalize is the canonical form nullifiers are stored and compared in
func Normalize(n string) string {
	return strings.ToLower(strings.TrimSpace(n))
}

// Reserve claims nullifier for txID. Conflict means the pair is held by an
// in-flight vote or was already consumed by a recorded one.
func (l *Ledger) Reserve(ctx context.Context, txID, nullifier string) (Result, error) {
	nullifier = Normalize(nullifier)
	if txID == "" || nullifier == "" {
		return Conflict, apperrors.InvalidArgument("txId and nullifier are required")
	}

	row := models.Nullifier{
		TxID:      txID,
		Nullifier: nullifier,
		State:     models.NullifierReserved,
	}
	res := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		if apperrors.IsUniqueViolation(res.Error) {
			return Conflict, nil
		}
		return Conflict, apperrors.FromDB(res.Error, "Failed to reserve nullifier")
	}
	if res.RowsAffected == 0 {
		l.logger.Info("Nullifier already used", "tx_id", txID, "nullifier", nullifier)
		return Conflict, nil
	}
	return Accepted, nil
}

// AttachJob records the verifier job a reservation is waiting on
func (l *Ledger) AttachJob(ctx context.Context, txID, nullifier, jobID string) error {
	err := l.db.WithContext(ctx).
		Model(&models.Nullifier{}).
		Where("tx_id = ? AND nullifier = ? AND state = ?", txID, Normalize(nullifier), models.NullifierReserved).
		Update("job_id", jobID).Error
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDatabase, "Failed to attach job to nullifier", err)
	}
	return nil
}

// Release drops a reservation so the nullifier can be used again. Consumed
// nullifiers are never released.
func (l *Ledger) Release(ctx context.Context, txID, nullifier string) error {
	res := l.db.WithContext(ctx).
		Where("tx_id = ? AND nullifier = ? AND state = ?", txID, Normalize(nullifier), models.NullifierReserved).
		Delete(&models.Nullifier{})
	if res.Error != nil {
		l.logger.Error("Failed to release nullifier", "tx_id", txID, "nullifier", nullifier, "err", res.Error)
		return apperrors.Wrap(apperrors.CodeDatabase, "Failed to release nullifier", res.Error)
	}
	if res.RowsAffected > 0 {
		l.logger.Info("Nullifier released", "tx_id", txID, "nullifier", nullifier)
	}
	return nil
}

// Reclaim takes over a reservation whose vote stopped making progress, such as
// one left behind by a crashed process or a failed Release. Only RESERVED rows
// untouched since staleBefore qualify. Claiming bumps updated_at, so concurrent
// retries cannot both win. It returns nil when nothing was claimed.
func (l *Ledger) Reclaim(ctx context.Context, txID, nullifier string, staleBefore time.Time) (*models.Nullifier, error) {
	nullifier = Normalize(nullifier)
	res := l.db.WithContext(ctx).
		Model(&models.Nullifier{}).
		Where("tx_id = ? AND nullifier = ? AND state = ? AND updated_at < ?", txID, nullifier, models.NullifierReserved, staleBefore).
		Update("updated_at", time.Now())
	if res.Error != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabase, "Failed to reclaim nullifier", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	row, err := l.Get(ctx, txID, nullifier)
	if err != nil {
		return nil, err
	}
	if row == nil {
		// Released between the claim and the read
		return nil, nil
	}
	l.logger.Info("Reclaimed stale reservation", "tx_id", txID, "nullifier", nullifier, "job_id", row.JobID)
	return row, nil
}

// Get returns the ledger row for a pair, or nil when none exists
func (l *Ledger) Get(ctx context.Context, txID, nullifier string) (*models.Nullifier, error) {
	var rows []models.Nullifier
	err := l.db.WithContext(ctx).
		Where("tx_id = ? AND nullifier = ?", txID, Normalize(nullifier)).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabase, "Failed to load nullifier", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// Consume marks a reservation as spent. It runs inside the caller's database
// transaction so the vote and its nullifier commit together.
func Consume(dbTx *gorm.DB, txID, nullifier string) error {
	res := dbTx.Model(&models.Nullifier{}).
		Where("tx_id = ? AND nullifier = ? AND state = ?", txID, Normalize(nullifier), models.NullifierReserved).
		Update("state", models.NullifierConsumed)
	if res.Error != nil {
		return apperrors.Wrap(apperrors.CodeDatabase, "Failed to consume nullifier", res.Error)
	}
	if res.RowsAffected != 1 {
		return apperrors.Newf(
			apperrors.CodeIntegrity,
			"Nullifier reservation missing",
			"transaction %s has no reservation for nullifier %s", txID, nullifier,
		)
	}
	return nil
}

// CountConsumed returns how many distinct nullifiers were ever accepted for txID
func CountConsumed(dbTx *gorm.DB, txID string) (int, error) {
	var n int64
	err := dbTx.Model(&models.Nullifier{}).
		Where("tx_id = ? AND state = ?", txID, models.NullifierConsumed).
		Count(&n).Error
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeDatabase, "Failed to count nullifiers", err)
	}
	return int(n), nil
}
