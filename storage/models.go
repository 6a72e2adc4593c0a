package storage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"quizfund/core/types"
)

// Quiz is the persisted quiz row. Status and PaymentTxHash are the only contended
// columns and are only ever changed through compare-and-set updates.
type Quiz struct {
	ID              uuid.UUID        `gorm:"type:uuid;primaryKey"`
	Title           string           `gorm:"size:256"`
	CreatorUserID   string           `gorm:"size:64;index"`
	Network         string           `gorm:"size:16;not null"`
	Status          types.QuizStatus `gorm:"size:16;index;not null"`
	RewardKind      string           `gorm:"size:32;not null"`
	RewardDetails   string           `gorm:"type:text"`
	DepositAddress  string           `gorm:"size:64"`
	DepositWalletID *uuid.UUID       `gorm:"type:uuid"`
	PaymentTxHash   *string          `gorm:"size:64;uniqueIndex"`
	DurationSeconds int64
	ActivatedAt     *time.Time
	EndTime         *time.Time `gorm:"index"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Wallet is a custodial sub-account. OwnerRef is a user id for participant wallets
// and "quiz:<id>" for deposit wallets.
type Wallet struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	OwnerRef     string    `gorm:"size:80;not null;uniqueIndex:idx_wallet_owner_network"`
	Network      string    `gorm:"size:16;not null;uniqueIndex:idx_wallet_owner_network"`
	AccountID    string    `gorm:"size:64;not null;uniqueIndex"`
	PublicKey    string    `gorm:"size:128;not null"`
	EncryptedKey []byte    `gorm:"not null"`
	IV           []byte    `gorm:"not null"`
	Tag          []byte    `gorm:"not null"`
	IsDemo       bool
	Verified     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Answer is one submitted quiz answer. Answers are written by the quiz UI and only
// read here to rank participants.
type Answer struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	QuizID     uuid.UUID `gorm:"type:uuid;index;not null"`
	UserID     string    `gorm:"size:64;index;not null"`
	Username   string    `gorm:"size:128"`
	Correct    bool
	AnsweredAt time.Time
}

// TransferRecord is the append-only audit row for a winner payout attempt.
type TransferRecord struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	QuizID    uuid.UUID `gorm:"type:uuid;index;not null"`
	UserID    string    `gorm:"size:64;not null"`
	Recipient string    `gorm:"size:64"`
	Rank      int
	Amount    string `gorm:"size:80;not null"`
	Currency  string `gorm:"size:16;not null"`
	TxHash    string `gorm:"size:64"`
	Success   bool
	Reason    string `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index"`
}

// DistributionRun is the per-quiz lease guaranteeing a single distribution worker
// across processes.
type DistributionRun struct {
	QuizID     uuid.UUID `gorm:"type:uuid;primaryKey"`
	Owner      string    `gorm:"size:128;not null"`
	LeaseUntil time.Time
	Attempts   int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AutoMigrate creates or updates every table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Quiz{},
		&Wallet{},
		&Answer{},
		&TransferRecord{},
		&DistributionRun{},
	)
}
