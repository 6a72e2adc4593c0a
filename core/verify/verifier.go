package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"quizfund/core/reward"
	"quizfund/core/types"
	"quizfund/ledger"
	"quizfund/observability"
	"quizfund/rpc"
	"quizfund/storage"
)

// Ledger is the subset of the ledger client needed to verify a deposit.
type Ledger interface {
	TransactionStatus(ctx context.Context, hash, sender string) (*ledger.TxOutcome, error)
	Block(ctx context.Context, hash string) (*ledger.Block, error)
}

// Store is the persistence used by the verifier.
type Store interface {
	HashUsed(ctx context.Context, hash string) (bool, error)
	GetQuiz(ctx context.Context, id uuid.UUID) (*storage.Quiz, error)
	WalletByOwner(ctx context.Context, owner, network string) (*storage.Wallet, error)
	ActivateQuiz(ctx context.Context, id uuid.UUID, hash string, activatedAt time.Time, endTime *time.Time) error
}

// Config carries the funding rules.
type Config struct {
	FeeBPS         uint32
	ToleranceBPS   uint32
	ToleranceFloor *uint256.Int
	// Window is how long after quiz creation a deposit is accepted.
	Window time.Duration
}

// Activation describes a successful funding.
type Activation struct {
	QuizID      uuid.UUID
	TxHash      string
	Sender      string
	Deposited   types.Money
	Required    types.Money
	ActivatedAt time.Time
	EndTime     *time.Time
}

// Verifier checks a submitted payment hash against the ledger and activates the
// quiz it funds.
type Verifier struct {
	store   Store
	ledgers map[types.Network]Ledger
	cfg     Config
	logger  *slog.Logger
	metrics *observability.VerifierMetrics
	now     func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

func WithMetrics(metrics *observability.VerifierMetrics) Option {
	return func(v *Verifier) {
		v.metrics = metrics
	}
}

// New constructs a verifier.
func New(store Store, ledgers map[types.Network]Ledger, cfg Config, opts ...Option) (*Verifier, error) {
	if store == nil {
		return nil, fmt.Errorf("verify: store required")
	}
	if len(ledgers) == 0 {
		return nil, fmt.Errorf("verify: at least one ledger required")
	}
	if cfg.FeeBPS >= types.BasisPoints || cfg.ToleranceBPS >= types.BasisPoints {
		return nil, fmt.Errorf("verify: fee and tolerance must be below %d bps", types.BasisPoints)
	}
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	if cfg.ToleranceFloor == nil {
		cfg.ToleranceFloor = new(uint256.Int)
	}
	v := &Verifier{
		store:   store,
		ledgers: ledgers,
		cfg:     cfg,
		logger:  slog.Default(),
		metrics: observability.Verifier(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	v.logger = v.logger.With(slog.String("component", "verify"))
	return v, nil
}

// Verify runs the validation pipeline for hash, stopping at the first failed check.
// Rejections are returned as *VerificationError; any other error is internal.
func (v *Verifier) Verify(ctx context.Context, hash string, quizID uuid.UUID, userID string) (*Activation, error) {
	start := time.Now()
	activation, err := v.verify(ctx, hash, quizID, userID)
	outcome := "activated"
	if reason, ok := ReasonOf(err); ok {
		outcome = string(reason)
	} else if err != nil {
		outcome = "error"
	}
	v.metrics.Observe(outcome, time.Since(start))
	log := v.logger.With(
		slog.String("quiz_id", quizID.String()),
		slog.String("tx_hash", hash),
		slog.String("user_id", userID),
	)
	switch {
	case err == nil:
		log.Info("quiz activated", slog.String("deposited", activation.Deposited.String()))
	case outcome == "error":
		log.Error("payment verification failed", slog.Any("error", err))
	default:
		log.Info("payment rejected", slog.String("reason", outcome), slog.String("detail", err.Error()))
	}
	return activation, err
}

func (v *Verifier) verify(ctx context.Context, hash string, quizID uuid.UUID, userID string) (*Activation, error) {
	if err := ledger.ValidateTxHash(hash); err != nil {
		return nil, reject(ReasonInvalidHashFormat, "transaction hash must be 43-44 base58 characters")
	}

	used, err := v.store.HashUsed(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("verify: check hash: %w", err)
	}
	if used {
		return nil, reject(ReasonDuplicateHash, "transaction hash was already used to fund a quiz")
	}

	quiz, err := v.store.GetQuiz(ctx, quizID)
	if err != nil {
		return nil, fmt.Errorf("verify: load quiz: %w", err)
	}
	if quiz.Status != types.QuizFunding {
		return nil, reject(ReasonWrongState, "quiz is %s, not awaiting funding", quiz.Status)
	}
	if quiz.CreatorUserID != userID {
		return nil, reject(ReasonWrongSender, "only the quiz creator can fund this quiz")
	}
	network := types.Network(quiz.Network)
	chain, ok := v.ledgers[network]
	if !ok {
		return nil, fmt.Errorf("verify: no ledger configured for network %q", quiz.Network)
	}

	wallet, err := v.store.WalletByOwner(ctx, userID, quiz.Network)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, reject(ReasonWrongSender, "no linked wallet on %s for this user", quiz.Network)
	}
	if err != nil {
		return nil, fmt.Errorf("verify: load creator wallet: %w", err)
	}

	tx, err := chain.TransactionStatus(ctx, hash, wallet.AccountID)
	switch {
	case errors.Is(err, ledger.ErrTransactionNotFound):
		return nil, reject(ReasonTransactionNotFound, "transaction %s from %s not found", hash, wallet.AccountID)
	case errors.Is(err, rpc.ErrUnavailable):
		return nil, &VerificationError{Reason: ReasonRPCUnavailable, Message: "ledger unavailable, try again shortly", Err: err}
	case err != nil:
		return nil, fmt.Errorf("verify: lookup transaction: %w", err)
	}

	if tx.SignerID != wallet.AccountID {
		return nil, reject(ReasonWrongSender, "transaction was sent by %s, expected %s", tx.SignerID, wallet.AccountID)
	}
	if !tx.Succeeded {
		return nil, reject(ReasonTransactionFailed, "transaction did not succeed: %s", tx.Failure)
	}
	if quiz.DepositAddress == "" || tx.ReceiverID != quiz.DepositAddress {
		return nil, reject(ReasonWrongReceiver, "transaction paid %s, expected %s", tx.ReceiverID, quiz.DepositAddress)
	}

	if err := v.checkTimestamp(ctx, chain, tx, quiz); err != nil {
		return nil, err
	}

	required, deposited, err := v.checkAmount(tx, quiz)
	if err != nil {
		return nil, err
	}

	activatedAt := v.now().UTC()
	var endTime *time.Time
	if quiz.DurationSeconds > 0 {
		end := activatedAt.Add(time.Duration(quiz.DurationSeconds) * time.Second)
		endTime = &end
	}
	switch err := v.store.ActivateQuiz(ctx, quiz.ID, hash, activatedAt, endTime); {
	case errors.Is(err, storage.ErrDuplicateHash):
		return nil, reject(ReasonDuplicateHash, "transaction hash was already used to fund a quiz")
	case errors.Is(err, storage.ErrStateConflict):
		return nil, reject(ReasonWrongState, "quiz is no longer awaiting funding")
	case err != nil:
		return nil, fmt.Errorf("verify: activate quiz: %w", err)
	}
	return &Activation{
		QuizID:      quiz.ID,
		TxHash:      hash,
		Sender:      tx.SignerID,
		Deposited:   deposited,
		Required:    required,
		ActivatedAt: activatedAt,
		EndTime:     endTime,
	}, nil
}

// checkTimestamp rejects transactions included outside the funding window. Missing
// block metadata skips the check.
func (v *Verifier) checkTimestamp(ctx context.Context, chain Ledger, tx *ledger.TxOutcome, quiz *storage.Quiz) error {
	log := v.logger.With(slog.String("quiz_id", quiz.ID.String()), slog.String("tx_hash", tx.Hash))
	if tx.BlockHash == "" {
		log.Warn("transaction has no block hash, skipping timestamp check")
		return nil
	}
	block, err := chain.Block(ctx, tx.BlockHash)
	if err != nil {
		log.Warn("block metadata unavailable, skipping timestamp check",
			slog.String("block_hash", tx.BlockHash), slog.Any("error", err))
		return nil
	}
	opened := quiz.CreatedAt.UTC()
	deadline := opened.Add(v.cfg.Window)
	if block.Timestamp.Before(opened) || block.Timestamp.After(deadline) {
		return reject(ReasonStaleTransaction, "transaction at %s is outside the funding window %s to %s",
			block.Timestamp.Format(time.RFC3339), opened.Format(time.RFC3339), deadline.Format(time.RFC3339))
	}
	return nil
}

// checkAmount compares the deposit with the required amount plus fee, less the
// rounding tolerance.
func (v *Verifier) checkAmount(tx *ledger.TxOutcome, quiz *storage.Quiz) (types.Money, types.Money, error) {
	schedule, err := reward.Decode(quiz.RewardKind, quiz.RewardDetails)
	if errors.Is(err, reward.ErrCurrencyMismatch) {
		return types.Money{}, types.Money{}, reject(ReasonCurrencyMismatch, "reward schedule mixes currencies")
	}
	if err != nil {
		return types.Money{}, types.Money{}, fmt.Errorf("verify: decode reward schedule: %w", err)
	}
	base := reward.RequiredOrZero(schedule, v.logger, slog.String("quiz_id", quiz.ID.String()))
	cur, ok := types.LookupCurrency(base.Currency)
	if !ok || !cur.Native {
		return types.Money{}, types.Money{}, reject(ReasonCurrencyMismatch,
			"reward is denominated in %s but deposits are made in %s", base.Currency, types.NEAR.Code)
	}

	required, err := types.WithFee(base.Amount, v.cfg.FeeBPS)
	if err != nil {
		return types.Money{}, types.Money{}, fmt.Errorf("verify: required amount: %w", err)
	}
	tolerance, err := types.Tolerance(required, v.cfg.ToleranceBPS, v.cfg.ToleranceFloor)
	if err != nil {
		return types.Money{}, types.Money{}, fmt.Errorf("verify: tolerance: %w", err)
	}
	threshold := new(uint256.Int)
	if required.Gt(tolerance) {
		threshold.Sub(required, tolerance)
	}
	deposited := tx.TotalDeposit()
	requiredMoney := types.Money{Amount: required, Currency: cur.Code}
	depositedMoney := types.Money{Amount: deposited, Currency: cur.Code}
	if deposited.Lt(threshold) {
		shortage := new(uint256.Int).Sub(required, deposited)
		return requiredMoney, depositedMoney, &VerificationError{
			Reason: ReasonInsufficientAmount,
			Message: fmt.Sprintf("deposited %s, required %s; short by %s %s",
				depositedMoney, requiredMoney, types.FormatAmount(shortage, cur), cur.Code),
			Shortage: shortage,
		}
	}
	return requiredMoney, depositedMoney, nil
}
