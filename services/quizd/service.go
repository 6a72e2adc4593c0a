package quizd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"quizfund/core/payout"
	"quizfund/core/reward"
	"quizfund/core/types"
	"quizfund/core/verify"
	"quizfund/core/wallet"
	"quizfund/rpc"
	"quizfund/storage"
)

// ErrInvalidRequest marks caller input errors.
var ErrInvalidRequest = errors.New("quizd: invalid request")

// Store is the persistence used by the service facade.
type Store interface {
	GetQuiz(ctx context.Context, id uuid.UUID) (*storage.Quiz, error)
	OpenFunding(ctx context.Context, id uuid.UUID, depositAddress string, walletID uuid.UUID) error
	Transfers(ctx context.Context, quizID uuid.UUID) ([]types.TransferResult, error)
}

// Verifier validates payment hashes.
type Verifier interface {
	Verify(ctx context.Context, hash string, quizID uuid.UUID, userID string) (*verify.Activation, error)
}

// Distributor pays out quizzes and exposes the pause guard.
type Distributor interface {
	Distribute(ctx context.Context, quizID uuid.UUID) (*payout.Report, error)
	Pause()
	Resume()
	Status() payout.Status
}

// Wallets provisions custodial wallets.
type Wallets interface {
	CreateWallet(ctx context.Context, owner string, network types.Network) (*storage.Wallet, error)
	Stats() wallet.AllocationStats
}

// Breakers exposes the RPC circuit breakers.
type Breakers interface {
	Status() map[string]rpc.BreakerStatus
	Reset(key string) bool
	ResetAll()
}

// Dependencies wires the service facade.
type Dependencies struct {
	Store     Store
	Verifier  Verifier
	Engine    Distributor
	Wallets   Wallets
	Breakers  Breakers
	Scheduler *Scheduler
	Logger    *slog.Logger
	Now       func() time.Time
	// FeeBPS and Window are only used to render deposit instructions.
	FeeBPS uint32
	Window time.Duration
}

// Service is the collaborator-facing facade over verification, wallets and
// distribution.
type Service struct {
	store     Store
	verifier  Verifier
	engine    Distributor
	wallets   Wallets
	breakers  Breakers
	scheduler *Scheduler
	logger    *slog.Logger
	now       func() time.Time
	feeBPS    uint32
	window    time.Duration
}

// NewService validates deps and returns the facade.
func NewService(deps Dependencies) (*Service, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("quizd: store required")
	case deps.Verifier == nil:
		return nil, fmt.Errorf("quizd: verifier required")
	case deps.Engine == nil:
		return nil, fmt.Errorf("quizd: engine required")
	case deps.Wallets == nil:
		return nil, fmt.Errorf("quizd: wallets required")
	case deps.Breakers == nil:
		return nil, fmt.Errorf("quizd: breakers required")
	case deps.Scheduler == nil:
		return nil, fmt.Errorf("quizd: scheduler required")
	}
	s := &Service{
		store:     deps.Store,
		verifier:  deps.Verifier,
		engine:    deps.Engine,
		wallets:   deps.Wallets,
		breakers:  deps.Breakers,
		scheduler: deps.Scheduler,
		logger:    deps.Logger,
		now:       deps.Now,
		feeBPS:    deps.FeeBPS,
		window:    deps.Window,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.window <= 0 {
		s.window = 15 * time.Minute
	}
	s.logger = s.logger.With(slog.String("component", "quizd"))
	return s, nil
}

// SubmitPaymentHash verifies a creator's deposit and activates the quiz. Rejections
// come back as ok=false with a message the creator can act on; the error is only
// set for internal failures.
func (s *Service) SubmitPaymentHash(ctx context.Context, quizID uuid.UUID, hash, userID string) (bool, string, error) {
	activation, err := s.verifier.Verify(ctx, hash, quizID, userID)
	if err != nil {
		var verr *verify.VerificationError
		if errors.As(err, &verr) {
			return false, rejectionMessage(verr), nil
		}
		s.logger.Error("payment verification failed",
			slog.String("quiz_id", quizID.String()),
			slog.String("tx_hash", hash),
			slog.Any("error", err))
		return false, "payment could not be verified right now, please try again", err
	}
	msg := fmt.Sprintf("quiz funded with %s", activation.Deposited)
	if activation.EndTime != nil {
		key := Key{UserID: userID, QuizID: quizID}
		if err := s.scheduler.Schedule(ctx, key, *activation.EndTime); err != nil {
			// The reconcile sweep still picks the quiz up once it is overdue.
			s.logger.Warn("distribution timer not registered",
				slog.String("quiz_id", quizID.String()),
				slog.Any("error", err))
		}
		msg += fmt.Sprintf("; rewards are paid at %s", activation.EndTime.UTC().Format(time.RFC3339))
	}
	return true, msg, nil
}

func rejectionMessage(verr *verify.VerificationError) string {
	switch verr.Reason {
	case verify.ReasonInsufficientAmount:
		if verr.Shortage != nil {
			return fmt.Sprintf("%s (short by %s)", verr.Message, types.Money{Amount: verr.Shortage, Currency: types.NEAR.Code})
		}
	case verify.ReasonRPCUnavailable:
		return "the ledger is unreachable right now, please resubmit in a minute"
	}
	return verr.Message
}

// ScheduleDistribution arranges for quizID to be distributed after delay. Firing
// against a quiz that is no longer Active is a no-op.
func (s *Service) ScheduleDistribution(ctx context.Context, quizID uuid.UUID, delay time.Duration) error {
	if delay < 0 {
		return fmt.Errorf("%w: delay must not be negative", ErrInvalidRequest)
	}
	quiz, err := s.store.GetQuiz(ctx, quizID)
	if err != nil {
		return err
	}
	return s.scheduler.Schedule(ctx, Key{UserID: quiz.CreatorUserID, QuizID: quizID}, s.now().Add(delay))
}

// DistributeNow runs distribution immediately.
func (s *Service) DistributeNow(ctx context.Context, quizID uuid.UUID) (*payout.Report, error) {
	return s.engine.Distribute(ctx, quizID)
}

// Transfers lists recorded payout attempts for a quiz.
func (s *Service) Transfers(ctx context.Context, quizID uuid.UUID) ([]types.TransferResult, error) {
	if _, err := s.store.GetQuiz(ctx, quizID); err != nil {
		return nil, err
	}
	return s.store.Transfers(ctx, quizID)
}

// BreakerStatus reports every circuit breaker keyed by "<network>/<endpoint>".
func (s *Service) BreakerStatus() map[string]rpc.BreakerStatus {
	return s.breakers.Status()
}

// ResetBreaker closes one breaker and reports whether it existed.
func (s *Service) ResetBreaker(endpoint string) bool {
	ok := s.breakers.Reset(endpoint)
	s.logger.Info("circuit breaker reset", slog.String("endpoint", endpoint), slog.Bool("found", ok))
	return ok
}

// ResetAllBreakers closes every breaker.
func (s *Service) ResetAllBreakers() {
	s.breakers.ResetAll()
	s.logger.Info("all circuit breakers reset")
}

// Pause stops new distributions.
func (s *Service) Pause() { s.engine.Pause() }

// Resume re-enables distributions.
func (s *Service) Resume() { s.engine.Resume() }

// Status is the operator view of the daemon.
type Status struct {
	payout.Status
	Allocation wallet.AllocationStats `json:"allocation"`
	Scheduled  int                    `json:"scheduled"`
	Breakers   map[string]string      `json:"breakers"`
}

// Status summarises engine, allocation, scheduler and breaker state.
func (s *Service) Status(ctx context.Context) Status {
	st := Status{
		Status:     s.engine.Status(),
		Allocation: s.wallets.Stats(),
		Breakers:   make(map[string]string),
	}
	if pending, err := s.scheduler.Pending(ctx); err == nil {
		st.Scheduled = len(pending)
	}
	for key, b := range s.breakers.Status() {
		st.Breakers[key] = b.State.String()
	}
	return st
}

// FundingInstructions tell a creator where and how much to deposit.
type FundingInstructions struct {
	QuizID         uuid.UUID   `json:"quiz_id"`
	DepositAddress string      `json:"deposit_address"`
	Required       types.Money `json:"-"`
	RequiredText   string      `json:"required"`
	RequiredYocto  string      `json:"required_yocto"`
	Deadline       time.Time   `json:"deadline"`
}

// OpenFunding moves a Draft quiz to Funding, provisioning its deposit account.
// Calling it again on a Funding quiz returns the same instructions.
func (s *Service) OpenFunding(ctx context.Context, quizID uuid.UUID) (*FundingInstructions, error) {
	quiz, err := s.store.GetQuiz(ctx, quizID)
	if err != nil {
		return nil, err
	}
	if quiz.Status != types.QuizDraft && quiz.Status != types.QuizFunding {
		return nil, fmt.Errorf("%w: quiz is %s", storage.ErrStateConflict, quiz.Status)
	}
	network, err := types.ParseNetwork(quiz.Network)
	if err != nil {
		return nil, err
	}
	schedule, err := reward.Decode(quiz.RewardKind, quiz.RewardDetails)
	if err != nil {
		return nil, fmt.Errorf("decode reward schedule: %w", err)
	}
	if quiz.Status == types.QuizDraft {
		w, err := s.wallets.CreateWallet(ctx, depositOwner(quizID), network)
		if err != nil {
			return nil, fmt.Errorf("provision deposit wallet: %w", err)
		}
		if err := s.store.OpenFunding(ctx, quizID, w.AccountID, w.ID); err != nil && !errors.Is(err, storage.ErrStateConflict) {
			return nil, err
		}
		if quiz, err = s.store.GetQuiz(ctx, quizID); err != nil {
			return nil, err
		}
		s.logger.Info("quiz funding opened",
			slog.String("quiz_id", quizID.String()),
			slog.String("deposit_address", quiz.DepositAddress))
	}
	required := reward.RequiredOrZero(schedule, s.logger, slog.String("quiz_id", quizID.String()))
	withFee, err := types.WithFee(required.Amount, s.feeBPS)
	if err != nil {
		return nil, err
	}
	total := types.Money{Amount: withFee, Currency: required.Currency}
	return &FundingInstructions{
		QuizID:         quizID,
		DepositAddress: quiz.DepositAddress,
		Required:       total,
		RequiredText:   total.String(),
		RequiredYocto:  withFee.Dec(),
		Deadline:       quiz.CreatedAt.Add(s.window).UTC(),
	}, nil
}

func depositOwner(quizID uuid.UUID) string {
	return "quiz:" + quizID.String()
}

// OnboardUser provisions (or returns) the custodial wallet of userID.
func (s *Service) OnboardUser(ctx context.Context, userID, network string) (*storage.Wallet, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || strings.HasPrefix(userID, "quiz:") {
		return nil, fmt.Errorf("%w: user id %q", ErrInvalidRequest, userID)
	}
	n, err := types.ParseNetwork(network)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return s.wallets.CreateWallet(ctx, userID, n)
}
