package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"quizfund/core/reward"
	"quizfund/core/types"
	"quizfund/crypto"
	"quizfund/ledger"
	"quizfund/observability"
	"quizfund/storage"
)

var (
	// ErrPaused is returned while the engine is paused; quiz status is unchanged.
	ErrPaused = errors.New("payout: distribution paused")
	// ErrWrongState is returned for quizzes that are neither Active nor Closed.
	ErrWrongState = errors.New("payout: quiz is not active")
	// ErrDistributionInProgress is returned when another worker holds the quiz lease.
	ErrDistributionInProgress = errors.New("payout: distribution already in progress")
)

// Per-winner failure reasons recorded on TransferResult.
const (
	ReasonNoWallet         = "recipient has no wallet"
	ReasonWalletUnverified = "wallet unverified"
	ReasonNoAmount         = "reward amount unavailable"
)

// Store is the persistence used by distribution.
type Store interface {
	GetQuiz(ctx context.Context, id uuid.UUID) (*storage.Quiz, error)
	CloseQuiz(ctx context.Context, id uuid.UUID) error
	Participants(ctx context.Context, quizID uuid.UUID) ([]types.Participant, error)
	WalletByOwner(ctx context.Context, owner, network string) (*storage.Wallet, error)
	WalletByID(ctx context.Context, id uuid.UUID) (*storage.Wallet, error)
	AppendTransfer(ctx context.Context, result types.TransferResult) error
	Transfers(ctx context.Context, quizID uuid.UUID) ([]types.TransferResult, error)
	ClaimRun(ctx context.Context, quizID uuid.UUID, owner string, now time.Time, ttl time.Duration) error
	ReleaseRun(ctx context.Context, quizID uuid.UUID, owner string) error
}

// Wallets verifies and repairs recipient wallets before they are paid.
type Wallets interface {
	RecoverIfMissing(ctx context.Context, w *storage.Wallet) (bool, error)
}

// Transferer moves funds on one network.
type Transferer interface {
	Transfer(ctx context.Context, signer ledger.Signer, receiverID string, amount *uint256.Int) (string, error)
}

// Config tunes payout math and leasing.
type Config struct {
	FeeBPS    uint32
	Top3Split [3]uint32
	LeaseTTL  time.Duration
	// Worker identifies this process in distribution leases.
	Worker string
}

// Report is the outcome of one Distribute call.
type Report struct {
	QuizID            uuid.UUID
	TotalParticipants int
	Transfers         []types.TransferResult
	// Replayed is set when the quiz was already closed and no transfer was made.
	Replayed bool
	// SplitFallback is set when a Top3 schedule was split proportionally.
	SplitFallback bool
}

// Succeeded counts successful transfers.
func (r *Report) Succeeded() int {
	n := 0
	for _, t := range r.Transfers {
		if t.Success {
			n++
		}
	}
	return n
}

// Engine pays quiz winners from the quiz deposit account and closes the quiz.
type Engine struct {
	store       Store
	wallets     Wallets
	vault       *crypto.Vault
	transferers map[types.Network]Transferer
	policies    *PolicyEnforcer
	cfg         Config
	logger      *slog.Logger
	metrics     *observability.PayoutMetrics
	now         func() time.Time

	mu     sync.Mutex
	paused bool
}

// Option customises the engine.
type Option func(*Engine)

// WithPolicies enables payout caps.
func WithPolicies(p *PolicyEnforcer) Option {
	return func(e *Engine) { e.policies = p }
}

// WithLogger overrides the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.PayoutMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.now = clock
		}
	}
}

// WithPaused starts the engine paused.
func WithPaused(paused bool) Option {
	return func(e *Engine) { e.paused = paused }
}

// NewEngine constructs a distribution engine.
func NewEngine(store Store, wallets Wallets, vault *crypto.Vault, transferers map[types.Network]Transferer, cfg Config, opts ...Option) (*Engine, error) {
	if store == nil || wallets == nil || vault == nil {
		return nil, fmt.Errorf("payout: store, wallets and vault are required")
	}
	if len(transferers) == 0 {
		return nil, fmt.Errorf("payout: at least one transferer required")
	}
	if cfg.FeeBPS >= types.BasisPoints {
		return nil, fmt.Errorf("payout: fee must be below %d bps", types.BasisPoints)
	}
	if cfg.Top3Split == ([3]uint32{}) {
		cfg.Top3Split = [3]uint32{5000, 3000, 2000}
	}
	if sum := cfg.Top3Split[0] + cfg.Top3Split[1] + cfg.Top3Split[2]; sum != types.BasisPoints {
		return nil, fmt.Errorf("payout: top3 split sums to %d bps", sum)
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10 * time.Minute
	}
	if cfg.Worker == "" {
		host, _ := os.Hostname()
		cfg.Worker = fmt.Sprintf("%s/%d/%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	e := &Engine{
		store:       store,
		wallets:     wallets,
		vault:       vault,
		transferers: transferers,
		cfg:         cfg,
		logger:      slog.Default(),
		metrics:     observability.Payout(),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.logger = e.logger.With(slog.String("component", "payout"))
	e.metrics.SetPaused(e.paused)
	return e, nil
}

// Pause halts new distributions.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	e.metrics.SetPaused(true)
	e.logger.Warn("distribution paused")
}

// Resume re-enables distributions.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	e.metrics.SetPaused(false)
	e.logger.Info("distribution resumed")
}

// Paused reports whether the engine is paused.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Status summarises engine state for operators.
type Status struct {
	Paused       bool              `json:"paused"`
	Worker       string            `json:"worker"`
	RemainingCap map[string]string `json:"remaining_cap,omitempty"`
}

// Status returns the pause flag and the remaining daily caps.
func (e *Engine) Status() Status {
	st := Status{Paused: e.Paused(), Worker: e.cfg.Worker}
	if e.policies != nil {
		st.RemainingCap = make(map[string]string)
		for cur, remaining := range e.policies.Snapshot(e.now()) {
			st.RemainingCap[cur] = remaining.Dec()
		}
	}
	return st
}

// Distribute pays the winners of an Active quiz and closes it. A Closed quiz
// returns its recorded results without moving funds. Per-winner failures are
// recorded and never abort the batch; only failures to load or close the quiz are
// returned as errors, leaving the status unchanged.
func (e *Engine) Distribute(ctx context.Context, quizID uuid.UUID) (*Report, error) {
	start := e.now()
	report, err := e.distribute(ctx, quizID)
	result := "closed"
	switch {
	case errors.Is(err, ErrPaused):
		result = "paused"
	case errors.Is(err, ErrDistributionInProgress):
		result = "in_progress"
	case errors.Is(err, ErrWrongState):
		result = "wrong_state"
	case err != nil:
		result = "error"
	case report.Replayed:
		result = "replayed"
	}
	e.metrics.RecordRun(result, e.now().Sub(start))
	return report, err
}

func (e *Engine) distribute(ctx context.Context, quizID uuid.UUID) (*Report, error) {
	if e.Paused() {
		return nil, ErrPaused
	}
	quiz, err := e.store.GetQuiz(ctx, quizID)
	if err != nil {
		return nil, fmt.Errorf("payout: load quiz %s: %w", quizID, err)
	}
	switch quiz.Status {
	case types.QuizClosed:
		return e.replay(ctx, quizID)
	case types.QuizActive:
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrWrongState, quizID, quiz.Status)
	}

	if err := e.store.ClaimRun(ctx, quizID, e.cfg.Worker, e.now().UTC(), e.cfg.LeaseTTL); err != nil {
		if errors.Is(err, storage.ErrLeaseHeld) {
			return nil, ErrDistributionInProgress
		}
		return nil, fmt.Errorf("payout: claim lease: %w", err)
	}
	defer func() {
		if err := e.store.ReleaseRun(context.WithoutCancel(ctx), quizID, e.cfg.Worker); err != nil {
			e.logger.Warn("release distribution lease", slog.String("quiz_id", quizID.String()), slog.Any("error", err))
		}
	}()

	// Status is re-read under the lease so a concurrent close is observed.
	quiz, err = e.store.GetQuiz(ctx, quizID)
	if err != nil {
		return nil, fmt.Errorf("payout: reload quiz %s: %w", quizID, err)
	}
	switch quiz.Status {
	case types.QuizClosed:
		return e.replay(ctx, quizID)
	case types.QuizActive:
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrWrongState, quizID, quiz.Status)
	}
	return e.run(ctx, quiz)
}

func (e *Engine) replay(ctx context.Context, quizID uuid.UUID) (*Report, error) {
	prior, err := e.store.Transfers(ctx, quizID)
	if err != nil {
		return nil, fmt.Errorf("payout: load recorded transfers: %w", err)
	}
	participants, err := e.store.Participants(ctx, quizID)
	if err != nil {
		return nil, fmt.Errorf("payout: load participants: %w", err)
	}
	return &Report{QuizID: quizID, TotalParticipants: len(participants), Transfers: prior, Replayed: true}, nil
}

func (e *Engine) run(ctx context.Context, quiz *storage.Quiz) (*Report, error) {
	log := e.logger.With(slog.String("quiz_id", quiz.ID.String()))
	network := types.Network(quiz.Network)
	transferer, ok := e.transferers[network]
	if !ok {
		return nil, fmt.Errorf("payout: no transferer for network %q", quiz.Network)
	}
	schedule, err := reward.Decode(quiz.RewardKind, quiz.RewardDetails)
	if err != nil {
		return nil, fmt.Errorf("payout: decode reward schedule: %w", err)
	}
	participants, err := e.store.Participants(ctx, quiz.ID)
	if err != nil {
		return nil, fmt.Errorf("payout: load participants: %w", err)
	}
	ranked := Rank(participants)
	winners := Winners(schedule.Kind(), ranked)
	report := &Report{QuizID: quiz.ID, TotalParticipants: len(participants)}

	if len(winners) == 0 {
		log.Info("no eligible winners, closing quiz", slog.Int("participants", len(participants)))
		return e.close(ctx, quiz.ID, report)
	}

	amounts, currency, fallback, payErr := Payouts(schedule, winners, e.cfg.FeeBPS, e.cfg.Top3Split)
	report.SplitFallback = fallback
	if fallback {
		log.Warn("top3 schedule has no rank amounts, using proportional split",
			slog.Any("split_bps", e.cfg.Top3Split), slog.String("details", schedule.Details()))
	}
	if payErr != nil {
		log.Warn("reward schedule has no payable amount", slog.String("details", schedule.Details()), slog.Any("error", payErr))
	}

	prior, err := e.store.Transfers(ctx, quiz.ID)
	if err != nil {
		return nil, fmt.Errorf("payout: load recorded transfers: %w", err)
	}
	paid := make(map[string]types.TransferResult)
	for _, t := range prior {
		if t.Success {
			paid[t.UserID] = t
		}
	}

	var signer *ledger.Signer
	if payErr == nil && len(paid) < len(winners) {
		if signer, err = e.depositSigner(ctx, quiz); err != nil {
			return nil, err
		}
		defer signer.Key.Wipe()
	}

	for i, winner := range winners {
		if done, ok := paid[winner.UserID]; ok {
			log.Info("winner already paid by an earlier run", slog.String("user_id", winner.UserID), slog.String("tx_hash", done.TxHash))
			report.Transfers = append(report.Transfers, done)
			continue
		}
		result := types.TransferResult{
			QuizID:   quiz.ID,
			UserID:   winner.UserID,
			Rank:     winner.Rank,
			Currency: currency,
			Amount:   new(uint256.Int),
		}
		if payErr != nil {
			result.Reason = ReasonNoAmount
		} else {
			result.Amount = amounts[i]
			e.payWinner(ctx, quiz, transferer, signer, &result)
		}
		result.CreatedAt = e.now().UTC()
		if err := e.store.AppendTransfer(ctx, result); err != nil {
			log.Error("persist transfer result", slog.String("user_id", result.UserID), slog.Bool("success", result.Success),
				slog.String("tx_hash", result.TxHash), slog.Any("error", err))
		}
		outcome := "failed"
		if result.Success {
			outcome = "success"
		}
		e.metrics.RecordTransfer(currency, outcome)
		report.Transfers = append(report.Transfers, result)
	}
	return e.close(ctx, quiz.ID, report)
}

// payWinner runs the per-winner checks and transfer, filling in result. It never
// returns an error; every failure is recorded as the result reason.
func (e *Engine) payWinner(ctx context.Context, quiz *storage.Quiz, transferer Transferer, signer *ledger.Signer, result *types.TransferResult) {
	log := e.logger.With(slog.String("quiz_id", quiz.ID.String()), slog.String("user_id", result.UserID))
	if result.Amount.IsZero() {
		result.Reason = "payout rounds to zero"
		return
	}
	wallet, err := e.store.WalletByOwner(ctx, result.UserID, quiz.Network)
	if errors.Is(err, storage.ErrNotFound) {
		result.Reason = ReasonNoWallet
		log.Warn("winner skipped", slog.String("reason", result.Reason))
		return
	}
	if err != nil {
		result.Reason = fmt.Sprintf("load wallet: %v", err)
		return
	}
	result.Recipient = wallet.AccountID

	ok, err := e.wallets.RecoverIfMissing(ctx, wallet)
	if err != nil || !ok {
		result.Reason = ReasonWalletUnverified
		if err != nil {
			result.Reason = fmt.Sprintf("%s: %v", ReasonWalletUnverified, err)
		}
		log.Warn("winner skipped", slog.String("recipient", wallet.AccountID), slog.String("reason", result.Reason))
		return
	}

	now := e.now()
	if e.policies != nil {
		if err := e.policies.Validate(result.Currency, result.Amount, now); err != nil {
			result.Reason = err.Error()
			log.Warn("payout blocked by policy", slog.String("reason", result.Reason))
			return
		}
	}

	hash, err := transferer.Transfer(ctx, *signer, wallet.AccountID, result.Amount)
	if err != nil {
		result.TxHash = hash
		result.Reason = err.Error()
		log.Error("winner transfer failed", slog.String("recipient", wallet.AccountID), slog.Any("error", err))
		return
	}
	result.Success = true
	result.TxHash = hash
	if e.policies != nil {
		e.policies.Record(result.Currency, result.Amount, now)
		remaining := e.policies.RemainingCap(result.Currency, now)
		if cur, ok := types.LookupCurrency(result.Currency); ok {
			f, _ := decimal.NewFromBigInt(remaining.ToBig(), -cur.Decimals).Float64()
			e.metrics.RecordCap(cur.Code, f)
		}
	}
	log.Info("winner paid", slog.String("recipient", wallet.AccountID), slog.String("tx_hash", hash),
		slog.String("amount", types.Money{Amount: result.Amount, Currency: result.Currency}.String()))
}

// depositSigner decrypts the quiz deposit account key. The caller wipes it.
func (e *Engine) depositSigner(ctx context.Context, quiz *storage.Quiz) (*ledger.Signer, error) {
	if quiz.DepositWalletID == nil {
		return nil, fmt.Errorf("payout: quiz %s has no deposit wallet", quiz.ID)
	}
	w, err := e.store.WalletByID(ctx, *quiz.DepositWalletID)
	if err != nil {
		return nil, fmt.Errorf("payout: load deposit wallet: %w", err)
	}
	key, err := e.vault.OpenPrivateKey(crypto.Envelope{Ciphertext: w.EncryptedKey, IV: w.IV, Tag: w.Tag})
	if err != nil {
		return nil, fmt.Errorf("payout: open deposit key for %s: %w", w.AccountID, err)
	}
	return &ledger.Signer{AccountID: w.AccountID, Key: key}, nil
}

func (e *Engine) close(ctx context.Context, quizID uuid.UUID, report *Report) (*Report, error) {
	err := e.store.CloseQuiz(ctx, quizID)
	switch {
	case errors.Is(err, storage.ErrStateConflict):
		e.logger.Warn("quiz closed concurrently", slog.String("quiz_id", quizID.String()))
	case err != nil:
		return report, fmt.Errorf("payout: close quiz %s: %w", quizID, err)
	}
	e.logger.Info("quiz closed",
		slog.String("quiz_id", quizID.String()),
		slog.Int("participants", report.TotalParticipants),
		slog.Int("transfers", len(report.Transfers)),
		slog.Int("succeeded", report.Succeeded()))
	return report, nil
}
