// Package statemachine derives a multisig transaction's status from its
// verified votes.
//
// Status is never assigned by vote handlers. Every recompute starts from the
// full set of ProofJobs recorded for the transaction, so the result does not
// depend on the order in which verifications completed and recomputing twice
// from the same set yields the same status.
package statemachine

import (
	"fmt"
	"strings"
	"time"

	"github.com/Poly-pay/polypay-app-sub000/apperrors"
	"github.com/Poly-pay/polypay-app-sub000/repository/models"
)

// transitions lists every allowed status change. Staying in the same
// non-terminal status is always allowed.
var transitions = map[models.TransactionStatus][]models.TransactionStatus{
	models.StatusPending: {models.StatusReady, models.StatusDenied},
	models.StatusReady:   {models.StatusExecuted},
}

// Tally is the outcome of counting a transaction's ProofJobs
type Tally struct {
	Approvals int
	Denials   int
	Failed    int
}

// Machine holds the policy knobs of the state machine
type Machine struct {
	denialQuorum int
}

// New creates a state machine. A denial quorum below one is raised to one,
// which reproduces "any single deny is sufficient".
func New(denialQuorum int) *Machine {
	if denialQuorum < 1 {
		denialQuorum = 1
	}
	return &Machine{denialQuorum: denialQuorum}
}

// DenialQuorum returns the number of verified deny votes that deny a
// pending transaction
func (m *Machine) DenialQuorum() int {
	return m.denialQuorum
}

// CanTransition reports whether from -> to is a defined transition
func CanTransition(from, to models.TransactionStatus) bool {
	if from == to {
		return !from.IsTerminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckVotable fails with a conflict when the transaction no longer accepts votes
func (m *Machine) CheckVotable(tx *models.Transaction) error {
	if tx.Status.IsTerminal() {
		return apperrors.Conflict(
			"Transaction no longer accepts votes",
			fmt.Sprintf("transaction %s is %s", tx.ID, tx.Status),
		)
	}
	return nil
}

// Count tallies successful votes. A nullifier appearing on more than one job
// violates the double-vote guard and is reported as an integrity error.
func Count(txID string, jobs []models.ProofJob) (Tally, error) {
	var tally Tally
	seen := make(map[string]struct{}, len(jobs))
	for i := range jobs {
		job := &jobs[i]
		if _, dup := seen[job.Nullifier]; dup {
			return Tally{}, apperrors.Newf(
				apperrors.CodeIntegrity,
				"Duplicate nullifier recorded",
				"transaction %s has more than one proof job for nullifier %s", txID, job.Nullifier,
			)
		}
		seen[job.Nullifier] = struct{}{}

		switch {
		case !job.Counts():
			tally.Failed++
		case job.Decision == models.DecisionDeny:
			tally.Denials++
		default:
			tally.Approvals++
		}
	}
	return tally, nil
}

// Derive computes the status that follows current given a tally
func (m *Machine) Derive(current models.TransactionStatus, tally Tally, signaturesRequired int) models.TransactionStatus {
	switch current {
	case models.StatusPending:
		if tally.Denials >= m.denialQuorum {
			return models.StatusDenied
		}
		if tally.Approvals >= signaturesRequired {
			return models.StatusReady
		}
		return models.StatusPending
	default:
		// READY only leaves through execution; terminal states never move
		return current
	}
}

// Recompute re-derives tx's status and cached counts from the complete set of
// its ProofJobs. acceptedNullifiers is the number of distinct nullifiers the
// ledger has ever consumed for tx; successful jobs may never exceed it.
func (m *Machine) Recompute(tx *models.Transaction, jobs []models.ProofJob, acceptedNullifiers int) (Tally, error) {
	if tx.SignaturesRequired < 1 {
		return Tally{}, apperrors.Newf(
			apperrors.CodeIntegrity,
			"Invalid signature threshold",
			"transaction %s requires %d signatures", tx.ID, tx.SignaturesRequired,
		)
	}

	tally, err := Count(tx.ID, jobs)
	if err != nil {
		return Tally{}, err
	}
	if tally.Approvals+tally.Denials > acceptedNullifiers {
		return Tally{}, apperrors.Newf(
			apperrors.CodeIntegrity,
			"More successful votes than accepted nullifiers",
			"transaction %s has %d successful votes but %d accepted nullifiers",
			tx.ID, tally.Approvals+tally.Denials, acceptedNullifiers,
		)
	}

	next := m.Derive(tx.Status, tally, tx.SignaturesRequired)
	if !CanTransition(tx.Status, next) {
		return Tally{}, apperrors.Conflict(
			"Invalid status transition",
			fmt.Sprintf("transaction %s cannot move from %s to %s", tx.ID, tx.Status, next),
		)
	}

	tx.Status = next
	tx.ApproveCount = tally.Approvals
	tx.DenyCount = tally.Denials
	return tally, nil
}

// MarkExecuted moves a READY transaction to EXECUTED. Repeating the call with
// the recorded hash is a no-op and reports changed=false; a different hash is
// a conflict and the recorded one is kept.
func (m *Machine) MarkExecuted(tx *models.Transaction, txHash string, now time.Time) (changed bool, err error) {
	txHash = NormalizeHash(txHash)
	if txHash == "" {
		return false, apperrors.InvalidArgument("txHash is required")
	}

	if tx.Status == models.StatusExecuted {
		if tx.TxHash != nil && NormalizeHash(*tx.TxHash) == txHash {
			return false, nil
		}
		recorded := ""
		if tx.TxHash != nil {
			recorded = *tx.TxHash
		}
		return false, apperrors.Conflict(
			"Transaction already executed with a different hash",
			fmt.Sprintf("transaction %s executed as %s, got %s", tx.ID, recorded, txHash),
		)
	}

	if !CanTransition(tx.Status, models.StatusExecuted) {
		return false, apperrors.Conflict(
			"Transaction is not ready for execution",
			fmt.Sprintf("transaction %s is %s, must be %s", tx.ID, tx.Status, models.StatusReady),
		)
	}

	tx.Status = models.StatusExecuted
	tx.TxHash = &txHash
	tx.ExecutedAt = &now
	return true, nil
}

// NormalizeHash lower-cases a hex hash and adds the 0x prefix
func NormalizeHash(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	if h == "" {
		return ""
	}
	if !strings.HasPrefix(h, "0x") {
		h = "0x" + h
	}
	return h
}
