package models

import "time"

// TransactionStatus is derived by the state machine and never set directly by
// vote handlers
type TransactionStatus string

const (
	StatusPending  TransactionStatus = "PENDING"
	StatusReady    TransactionStatus = "READY"
	StatusExecuted TransactionStatus = "EXECUTED"
	StatusDenied   TransactionStatus = "DENIED"
)

// IsTerminal reports whether no further transition is defined from s
func (s TransactionStatus) IsTerminal() bool {
	return s == StatusExecuted || s == StatusDenied
}

// Transaction represents a proposed multisig action awaiting approvals
type Transaction struct {
	ID                 string            `gorm:"column:tx_id;primaryKey;type:varchar(100)"`
	To                 string            `gorm:"column:to_address;type:varchar(42);not null"`
	Value              string            `gorm:"column:value;type:varchar(80);not null"`
	CallData           string            `gorm:"column:call_data;type:text"`
	SignaturesRequired int               `gorm:"column:signatures_required;not null;check:signatures_required >= 1"`
	Status             TransactionStatus `gorm:"column:status;type:varchar(20);not null;default:'PENDING'"`
	ApproveCount       int               `gorm:"column:approve_count;not null;default:0"`
	DenyCount          int               `gorm:"column:deny_count;not null;default:0"`
	CreatedAt          time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time         `gorm:"column:updated_at;autoUpdateTime"`
	ExecutedAt         *time.Time        `gorm:"column:executed_at"`
	TxHash             *string           `gorm:"column:tx_hash;type:varchar(66)"` // Null until executed

	// Relationships
	ProofJobs []ProofJob `gorm:"foreignKey:TxID"`
}

func (Transaction) TableName() string {
	return "transactions"
}
