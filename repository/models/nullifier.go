package models

import "time"

type NullifierState string

const (
	NullifierReserved NullifierState = "RESERVED"
	NullifierConsumed NullifierState = "CONSUMED"
)

// Nullifier is the double-vote guard. A row exists while a vote is being
// verified (RESERVED) and stays forever once the vote is recorded (CONSUMED).
type Nullifier struct {
	TxID      string         `gorm:"column:tx_id;primaryKey;type:varchar(100)"`
	Nullifier string         `gorm:"column:nullifier;primaryKey;type:varchar(130)"`
	State     NullifierState `gorm:"column:state;type:varchar(20);not null"`
	JobID     *string        `gorm:"column:job_id;type:varchar(100)"` // Set once the verifier accepted the proof
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (Nullifier) TableName() string {
	return "nullifiers"
}
