package models

import "time"

// ProofJobStatus tracks a vote's proof through the external verifier
type ProofJobStatus string

const (
	ProofJobSubmitted  ProofJobStatus = "SUBMITTED"
	ProofJobVerified   ProofJobStatus = "VERIFIED"
	ProofJobAggregated ProofJobStatus = "AGGREGATED"
	ProofJobFailed     ProofJobStatus = "FAILED"
)

// Decision is the signer's choice carried by a vote
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
)

// ProofJob represents one verified vote on a transaction. (tx_id, nullifier) is
// unique so a signer can never be counted twice.
type ProofJob struct {
	ID            uint           `gorm:"column:proof_job_id;primaryKey;autoIncrement"`
	TxID          string         `gorm:"column:tx_id;type:varchar(100);not null;uniqueIndex:idx_proof_jobs_tx_nullifier,priority:1"`
	Transaction   *Transaction   `gorm:"foreignKey:TxID"`
	Nullifier     string         `gorm:"column:nullifier;type:varchar(130);not null;uniqueIndex:idx_proof_jobs_tx_nullifier,priority:2"`
	VoterIdentity string         `gorm:"column:voter_identity;type:varchar(130)"`
	Decision      Decision       `gorm:"column:decision;type:varchar(10);not null;default:'approve'"`
	JobID         string         `gorm:"column:job_id;type:varchar(100);not null"`
	Status        ProofJobStatus `gorm:"column:status;type:varchar(20);not null"`
	AggregationID *uint64        `gorm:"column:aggregation_id"`
	MerkleProof   []string       `gorm:"column:merkle_proof;type:text;serializer:json"`
	MerkleRoot    string         `gorm:"column:merkle_root;type:varchar(66)"`
	LeafCount     uint64         `gorm:"column:leaf_count"`
	LeafIndex     uint64         `gorm:"column:leaf_index"`
	CreatedAt     time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (ProofJob) TableName() string {
	return "proof_jobs"
}

// Counts reports whether the job is a successfully verified vote
func (j *ProofJob) Counts() bool {
	return j.Status == ProofJobAggregated
}
