package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"quizfund/core/types"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicateHash reports that a payment hash is already bound to a quiz.
	ErrDuplicateHash = errors.New("storage: payment hash already used")
	// ErrStateConflict reports a lost compare-and-set race on quiz status.
	ErrStateConflict = errors.New("storage: quiz status changed concurrently")
	// ErrDuplicateAccount reports an account id already recorded for another wallet.
	ErrDuplicateAccount = errors.New("storage: account id already allocated")
	// ErrWalletExists reports an owner that already has a wallet on the network.
	ErrWalletExists = errors.New("storage: wallet already exists for owner")
	// ErrLeaseHeld reports a distribution run leased by another worker.
	ErrLeaseHeld = errors.New("storage: distribution lease held by another worker")
)

// Store wraps the gorm handle with the repository operations the core needs.
type Store struct {
	db *gorm.DB
}

// Open connects using driver ("postgres" or "sqlite") and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", driver, err)
	}
	return New(db)
}

// New wraps an existing handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("storage: db required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for tests and tooling.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

// --- Quizzes ---

// CreateQuiz inserts a new quiz in Draft unless a status is already set.
func (s *Store) CreateQuiz(ctx context.Context, quiz *Quiz) error {
	if quiz.ID == uuid.Nil {
		quiz.ID = uuid.New()
	}
	if quiz.Status == "" {
		quiz.Status = types.QuizDraft
	}
	return s.db.WithContext(ctx).Create(quiz).Error
}

// GetQuiz loads a quiz by id.
func (s *Store) GetQuiz(ctx context.Context, id uuid.UUID) (*Quiz, error) {
	var quiz Quiz
	if err := s.db.WithContext(ctx).First(&quiz, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &quiz, nil
}

// HashUsed reports whether any quiz already recorded hash.
func (s *Store) HashUsed(ctx context.Context, hash string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Quiz{}).Where("payment_tx_hash = ?", hash).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// OpenFunding moves a Draft quiz to Funding and records its deposit wallet.
func (s *Store) OpenFunding(ctx context.Context, id uuid.UUID, depositAddress string, walletID uuid.UUID) error {
	return s.transition(ctx, id, types.QuizDraft, types.QuizFunding, map[string]any{
		"deposit_address":   depositAddress,
		"deposit_wallet_id": walletID,
	})
}

// ActivateQuiz binds hash to the quiz and moves it from Funding to Active in one
// compare-and-set update. A unique violation on the hash maps to ErrDuplicateHash.
func (s *Store) ActivateQuiz(ctx context.Context, id uuid.UUID, hash string, activatedAt time.Time, endTime *time.Time) error {
	updates := map[string]any{
		"payment_tx_hash": hash,
		"activated_at":    activatedAt,
	}
	if endTime != nil {
		updates["end_time"] = *endTime
	}
	return s.transition(ctx, id, types.QuizFunding, types.QuizActive, updates)
}

// CloseQuiz moves an Active quiz to Closed.
func (s *Store) CloseQuiz(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, types.QuizActive, types.QuizClosed, nil)
}

func (s *Store) transition(ctx context.Context, id uuid.UUID, from, to types.QuizStatus, updates map[string]any) error {
	if !from.CanAdvanceTo(to) {
		return fmt.Errorf("storage: illegal transition %s -> %s", from, to)
	}
	values := map[string]any{"status": to, "updated_at": time.Now().UTC()}
	for k, v := range updates {
		values[k] = v
	}
	res := s.db.WithContext(ctx).Model(&Quiz{}).
		Where("id = ? AND status = ?", id, from).
		Updates(values)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return ErrDuplicateHash
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStateConflict
	}
	return nil
}

// ActiveQuizzes lists every Active quiz with a scheduled end time.
func (s *Store) ActiveQuizzes(ctx context.Context) ([]Quiz, error) {
	var quizzes []Quiz
	err := s.db.WithContext(ctx).
		Where("status = ? AND end_time IS NOT NULL", types.QuizActive).
		Order("end_time asc").
		Find(&quizzes).Error
	return quizzes, err
}

// OverdueQuizzes lists Active quizzes whose end time is at or before now.
func (s *Store) OverdueQuizzes(ctx context.Context, now time.Time) ([]Quiz, error) {
	var quizzes []Quiz
	err := s.db.WithContext(ctx).
		Where("status = ? AND end_time IS NOT NULL AND end_time <= ?", types.QuizActive, now).
		Order("end_time asc").
		Find(&quizzes).Error
	return quizzes, err
}

// --- Wallets ---

// CreateWallet inserts a wallet record.
func (s *Store) CreateWallet(ctx context.Context, wallet *Wallet) error {
	if wallet.ID == uuid.Nil {
		wallet.ID = uuid.New()
	}
	err := s.db.WithContext(ctx).Create(wallet).Error
	if isUniqueViolation(err) {
		taken, lookupErr := s.AccountIDTaken(ctx, wallet.AccountID)
		if lookupErr == nil && taken {
			return ErrDuplicateAccount
		}
		return ErrWalletExists
	}
	return err
}

// AccountIDTaken reports whether accountID is already allocated.
func (s *Store) AccountIDTaken(ctx context.Context, accountID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Wallet{}).Where("account_id = ?", accountID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// WalletByOwner returns the wallet of owner on network.
func (s *Store) WalletByOwner(ctx context.Context, owner, network string) (*Wallet, error) {
	var wallet Wallet
	err := s.db.WithContext(ctx).First(&wallet, "owner_ref = ? AND network = ?", owner, network).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

// WalletByID returns a wallet by primary key.
func (s *Store) WalletByID(ctx context.Context, id uuid.UUID) (*Wallet, error) {
	var wallet Wallet
	err := s.db.WithContext(ctx).First(&wallet, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

// SetWalletVerified records the on-chain verification outcome.
func (s *Store) SetWalletVerified(ctx context.Context, id uuid.UUID, verified bool) error {
	res := s.db.WithContext(ctx).Model(&Wallet{}).Where("id = ?", id).
		Updates(map[string]any{"verified": verified, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Answers ---

// RecordAnswer stores one answer.
func (s *Store) RecordAnswer(ctx context.Context, answer *Answer) error {
	if answer.ID == uuid.Nil {
		answer.ID = uuid.New()
	}
	return s.db.WithContext(ctx).Create(answer).Error
}

// Participants aggregates answers into one entry per user, including users with no
// correct answers. LastCorrectAt is the time of the user's latest correct answer.
func (s *Store) Participants(ctx context.Context, quizID uuid.UUID) ([]types.Participant, error) {
	var answers []Answer
	if err := s.db.WithContext(ctx).
		Where("quiz_id = ?", quizID).
		Order("answered_at asc").
		Find(&answers).Error; err != nil {
		return nil, err
	}
	index := make(map[string]int)
	var out []types.Participant
	for _, a := range answers {
		i, ok := index[a.UserID]
		if !ok {
			i = len(out)
			index[a.UserID] = i
			out = append(out, types.Participant{UserID: a.UserID, Username: a.Username})
		}
		if a.Correct {
			out[i].CorrectCount++
			out[i].LastCorrectAt = a.AnsweredAt
		}
	}
	return out, nil
}

// --- Transfers ---

// AppendTransfer writes one transfer result.
func (s *Store) AppendTransfer(ctx context.Context, result types.TransferResult) error {
	amount := "0"
	if result.Amount != nil {
		amount = result.Amount.Dec()
	}
	created := result.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	record := TransferRecord{
		ID:        uuid.New(),
		QuizID:    result.QuizID,
		UserID:    result.UserID,
		Recipient: result.Recipient,
		Rank:      result.Rank,
		Amount:    amount,
		Currency:  result.Currency,
		TxHash:    result.TxHash,
		Success:   result.Success,
		Reason:    result.Reason,
		CreatedAt: created,
	}
	return s.db.WithContext(ctx).Create(&record).Error
}

// Transfers returns the recorded results for a quiz in insertion order.
func (s *Store) Transfers(ctx context.Context, quizID uuid.UUID) ([]types.TransferResult, error) {
	var records []TransferRecord
	if err := s.db.WithContext(ctx).
		Where("quiz_id = ?", quizID).
		Order("created_at asc").Order("rank asc").
		Find(&records).Error; err != nil {
		return nil, err
	}
	return toResults(records)
}

// TransfersBetween returns every result created in [from, to) for audit export.
func (s *Store) TransfersBetween(ctx context.Context, from, to time.Time) ([]types.TransferResult, error) {
	var records []TransferRecord
	if err := s.db.WithContext(ctx).
		Where("created_at >= ? AND created_at < ?", from, to).
		Order("created_at asc").
		Find(&records).Error; err != nil {
		return nil, err
	}
	return toResults(records)
}

func toResults(records []TransferRecord) ([]types.TransferResult, error) {
	out := make([]types.TransferResult, 0, len(records))
	for _, r := range records {
		amount, err := uint256.FromDecimal(r.Amount)
		if err != nil {
			return nil, fmt.Errorf("storage: transfer %s amount %q: %w", r.ID, r.Amount, err)
		}
		out = append(out, types.TransferResult{
			QuizID:    r.QuizID,
			UserID:    r.UserID,
			Recipient: r.Recipient,
			Rank:      r.Rank,
			Amount:    amount,
			Currency:  r.Currency,
			TxHash:    r.TxHash,
			Success:   r.Success,
			Reason:    r.Reason,
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

// --- Distribution leases ---

// ClaimRun acquires the distribution lease for quizID. An expired lease held by
// another owner is taken over.
func (s *Store) ClaimRun(ctx context.Context, quizID uuid.UUID, owner string, now time.Time, ttl time.Duration) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run DistributionRun
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&run, "quiz_id = ?", quizID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			run = DistributionRun{QuizID: quizID, Owner: owner, LeaseUntil: now.Add(ttl), Attempts: 1}
			if err := tx.Create(&run).Error; err != nil {
				if isUniqueViolation(err) {
					return ErrLeaseHeld
				}
				return err
			}
			return nil
		case err != nil:
			return err
		}
		if run.Owner != owner && run.LeaseUntil.After(now) {
			return ErrLeaseHeld
		}
		return tx.Model(&DistributionRun{}).Where("quiz_id = ?", quizID).Updates(map[string]any{
			"owner":       owner,
			"lease_until": now.Add(ttl),
			"attempts":    run.Attempts + 1,
			"updated_at":  now,
		}).Error
	})
}

// ReleaseRun drops the lease if owner still holds it.
func (s *Store) ReleaseRun(ctx context.Context, quizID uuid.UUID, owner string) error {
	return s.db.WithContext(ctx).Model(&DistributionRun{}).
		Where("quiz_id = ? AND owner = ?", quizID, owner).
		Updates(map[string]any{"lease_until": time.Time{}, "updated_at": time.Now().UTC()}).Error
}
