package verify

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"quizfund/core/types"
	"quizfund/ledger"
	"quizfund/rpc"
	"quizfund/storage"
)

const (
	creator       = "creator-1"
	creatorWallet = "amber1a2b3c.quizfund.testnet"
)

var created = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeChain struct {
	txs      map[string]*ledger.TxOutcome
	blocks   map[string]*ledger.Block
	txErr    error
	blockErr error
	lookups  int
}

func (f *fakeChain) TransactionStatus(_ context.Context, hash, sender string) (*ledger.TxOutcome, error) {
	f.lookups++
	if f.txErr != nil {
		return nil, f.txErr
	}
	tx, ok := f.txs[hash]
	if !ok || tx.SignerID != sender {
		return nil, ledger.ErrTransactionNotFound
	}
	return tx, nil
}

func (f *fakeChain) Block(_ context.Context, hash string) (*ledger.Block, error) {
	if f.blockErr != nil {
		return nil, f.blockErr
	}
	b, ok := f.blocks[hash]
	if !ok {
		return nil, ledger.ErrBlockNotFound
	}
	return b, nil
}

type fixture struct {
	store    *storage.Store
	chain    *fakeChain
	verifier *Verifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// One connection serialises writes so the unique hash index, not sqlite table
	// locking, decides concurrent activations.
	sqlDB.SetMaxOpenConns(1)
	store, err := storage.New(db)
	require.NoError(t, err)
	require.NoError(t, store.CreateWallet(context.Background(), &storage.Wallet{
		OwnerRef: creator, Network: "testnet", AccountID: creatorWallet,
		PublicKey: "ed25519:x", EncryptedKey: []byte{1}, IV: []byte{1}, Tag: []byte{1},
	}))
	chain := &fakeChain{txs: map[string]*ledger.TxOutcome{}, blocks: map[string]*ledger.Block{}}
	f := &fixture{store: store, chain: chain}
	f.verifier = f.newVerifier(t, chain)
	return f
}

func (f *fixture) newVerifier(t *testing.T, chain Ledger) *Verifier {
	t.Helper()
	v, err := New(f.store, map[types.Network]Ledger{types.Testnet: chain}, Config{
		FeeBPS:         200,
		ToleranceBPS:   1,
		ToleranceFloor: uint256.MustFromDecimal("100000000000000000000"),
		Window:         15 * time.Minute,
	}, WithClock(func() time.Time { return created.Add(5 * time.Minute) }), WithMetrics(nil))
	require.NoError(t, err)
	return v
}

// barrierChain holds every transaction lookup until `parties` callers have arrived,
// so all of them pass the hash pre-check before any activation commits.
type barrierChain struct {
	*fakeChain
	parties int

	mu      sync.Mutex
	arrived int
	release chan struct{}
}

func newBarrierChain(inner *fakeChain, parties int) *barrierChain {
	return &barrierChain{fakeChain: inner, parties: parties, release: make(chan struct{})}
}

func (b *barrierChain) TransactionStatus(ctx context.Context, hash, sender string) (*ledger.TxOutcome, error) {
	b.mu.Lock()
	b.arrived++
	if b.arrived == b.parties {
		close(b.release)
	}
	b.mu.Unlock()
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	tx, ok := b.txs[hash]
	if !ok || tx.SignerID != sender {
		return nil, ledger.ErrTransactionNotFound
	}
	return tx, nil
}

func (f *fixture) quiz(t *testing.T, details string) *storage.Quiz {
	t.Helper()
	ctx := context.Background()
	q := &storage.Quiz{
		Title: "geography", CreatorUserID: creator, Network: "testnet",
		RewardKind: "winner_takes_all", RewardDetails: details,
		DurationSeconds: 600, CreatedAt: created,
	}
	require.NoError(t, f.store.CreateQuiz(ctx, q))
	deposit := "quiz" + q.ID.String()[:6] + ".quizfund.testnet"
	require.NoError(t, f.store.OpenFunding(ctx, q.ID, deposit, uuid.New()))
	q.DepositAddress = deposit
	return q
}

func newHash(t *testing.T) string {
	t.Helper()
	digest := sha256.Sum256([]byte(uuid.NewString()))
	return base58.Encode(digest[:])
}

func yocto(t *testing.T, near string) *uint256.Int {
	t.Helper()
	v, err := types.ParseAmount(near, types.NEAR)
	require.NoError(t, err)
	return v
}

// deposit records a successful transfer included 2 minutes after quiz creation.
func (f *fixture) deposit(t *testing.T, q *storage.Quiz, amount *uint256.Int) string {
	t.Helper()
	hash := newHash(t)
	block := "block-" + hash[:8]
	f.chain.txs[hash] = &ledger.TxOutcome{
		Hash: hash, SignerID: creatorWallet, ReceiverID: q.DepositAddress,
		BlockHash: block, Succeeded: true, Deposits: []*uint256.Int{amount},
	}
	f.chain.blocks[block] = &ledger.Block{Hash: block, Timestamp: created.Add(2 * time.Minute)}
	return hash
}

func requireReason(t *testing.T, err error, want Reason) *VerificationError {
	t.Helper()
	require.Error(t, err)
	var verr *VerificationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, want, verr.Reason)
	return verr
}

func TestExactDepositActivatesQuiz(t *testing.T) {
	f := newFixture(t)
	q := f.quiz(t, "5 NEAR to the winner")
	hash := f.deposit(t, q, yocto(t, "5.1"))

	activation, err := f.verifier.Verify(context.Background(), hash, q.ID, creator)
	require.NoError(t, err)
	require.Equal(t, yocto(t, "5.1").Dec(), activation.Required.Amount.Dec())
	require.NotNil(t, activation.EndTime)
	require.Equal(t, created.Add(15*time.Minute), *activation.EndTime)

	loaded, err := f.store.GetQuiz(context.Background(), q.ID)
	require.NoError(t, err)
	require.Equal(t, types.QuizActive, loaded.Status)
	require.Equal(t, hash, *loaded.PaymentTxHash)
	require.NotNil(t, loaded.EndTime)
}

func TestShortDepositReportsExactShortage(t *testing.T) {
	f := newFixture(t)
	q := f.quiz(t, "5 NEAR")
	hash := f.deposit(t, q, yocto(t, "5.075"))

	_, err := f.verifier.Verify(context.Background(), hash, q.ID, creator)
	verr := requireReason(t, err, ReasonInsufficientAmount)
	require.Equal(t, yocto(t, "0.025").Dec(), verr.Shortage.Dec())

	loaded, err := f.store.GetQuiz(context.Background(), q.ID)
	require.NoError(t, err)
	require.Equal(t, types.QuizFunding, loaded.Status)
}

func TestDepositWithinToleranceIsAccepted(t *testing.T) {
	f := newFixture(t)
	q := f.quiz(t, "5 NEAR")
	// 5.1 NEAR less 0.0005 NEAR, inside the 1 bp tolerance of 0.00051 NEAR.
	hash := f.deposit(t, q, yocto(t, "5.0995"))

	_, err := f.verifier.Verify(context.Background(), hash, q.ID, creator)
	require.NoError(t, err)
}

func TestInvalidHashFormatSkipsLedger(t *testing.T) {
	f := newFixture(t)
	q := f.quiz(t, "5 NEAR")
	for _, hash := range []string{"", "abc", "0OIl" + newHash(t)[4:], newHash(t) + "x"} {
		_, err := f.verifier.Verify(context.Background(), hash, q.ID, creator)
		requireReason(t, err, ReasonInvalidHashFormat)
	}
	require.Zero(t, f.chain.lookups)
}

func TestHashActivatesAtMostOneQuiz(t *testing.T) {
	f := newFixture(t)
	first := f.quiz(t, "5 NEAR")
	second := f.quiz(t, "5 NEAR")
	hash := f.deposit(t, first, yocto(t, "5.1"))

	_, err := f.verifier.Verify(context.Background(), hash, first.ID, creator)
	require.NoError(t, err)

	_, err = f.verifier.Verify(context.Background(), hash, second.ID, creator)
	requireReason(t, err, ReasonDuplicateHash)

	loaded, err := f.store.GetQuiz(context.Background(), first.ID)
	require.NoError(t, err)
	require.Equal(t, types.QuizActive, loaded.Status)
	require.Equal(t, hash, *loaded.PaymentTxHash)
}

func TestWrongStateAndSender(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	draft := &storage.Quiz{CreatorUserID: creator, Network: "testnet", RewardKind: "top3", RewardDetails: "5 NEAR", CreatedAt: created}
	require.NoError(t, f.store.CreateQuiz(ctx, draft))
	_, err := f.verifier.Verify(ctx, newHash(t), draft.ID, creator)
	requireReason(t, err, ReasonWrongState)

	q := f.quiz(t, "5 NEAR")
	hash := f.deposit(t, q, yocto(t, "5.1"))
	_, err = f.verifier.Verify(ctx, hash, q.ID, "someone-else")
	requireReason(t, err, ReasonWrongSender)

	f.chain.txs[hash].SignerID = "impostor.testnet"
	_, err = f.verifier.Verify(ctx, hash, q.ID, creator)
	requireReason(t, err, ReasonTransactionNotFound)
}

func TestLedgerOutcomeChecks(t *testing.T) {
	ctx := context.Background()

	t.Run("failed", func(t *testing.T) {
		f := newFixture(t)
		q := f.quiz(t, "5 NEAR")
		hash := f.deposit(t, q, yocto(t, "5.1"))
		f.chain.txs[hash].Succeeded = false
		f.chain.txs[hash].Failure = "NotEnoughBalance"
		_, err := f.verifier.Verify(ctx, hash, q.ID, creator)
		requireReason(t, err, ReasonTransactionFailed)
	})

	t.Run("wrong receiver", func(t *testing.T) {
		f := newFixture(t)
		q := f.quiz(t, "5 NEAR")
		hash := f.deposit(t, q, yocto(t, "5.1"))
		f.chain.txs[hash].ReceiverID = "elsewhere.testnet"
		_, err := f.verifier.Verify(ctx, hash, q.ID, creator)
		requireReason(t, err, ReasonWrongReceiver)
	})

	t.Run("stale", func(t *testing.T) {
		f := newFixture(t)
		q := f.quiz(t, "5 NEAR")
		hash := f.deposit(t, q, yocto(t, "5.1"))
		f.chain.blocks[f.chain.txs[hash].BlockHash].Timestamp = created.Add(20 * time.Minute)
		_, err := f.verifier.Verify(ctx, hash, q.ID, creator)
		requireReason(t, err, ReasonStaleTransaction)
	})

	t.Run("block unavailable fails open", func(t *testing.T) {
		f := newFixture(t)
		q := f.quiz(t, "5 NEAR")
		hash := f.deposit(t, q, yocto(t, "5.1"))
		f.chain.blockErr = &rpc.Error{Kind: rpc.KindUnavailable, Network: "testnet", Operation: "block"}
		_, err := f.verifier.Verify(ctx, hash, q.ID, creator)
		require.NoError(t, err)
	})

	t.Run("rpc unavailable", func(t *testing.T) {
		f := newFixture(t)
		q := f.quiz(t, "5 NEAR")
		hash := f.deposit(t, q, yocto(t, "5.1"))
		f.chain.txErr = &rpc.Error{Kind: rpc.KindCircuitOpen, Network: "testnet", Operation: "tx"}
		_, err := f.verifier.Verify(ctx, hash, q.ID, creator)
		requireReason(t, err, ReasonRPCUnavailable)
		require.ErrorIs(t, err, rpc.ErrCircuitOpen)
	})

	t.Run("non native reward", func(t *testing.T) {
		f := newFixture(t)
		q := f.quiz(t, "50 USDT")
		hash := f.deposit(t, q, yocto(t, "5.1"))
		_, err := f.verifier.Verify(ctx, hash, q.ID, creator)
		requireReason(t, err, ReasonCurrencyMismatch)
	})
}

func TestConcurrentSubmissionsActivateOnce(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	f := newFixture(t)
	first := f.quiz(t, "5 NEAR")
	// A second quiz on the same deposit account, so one transfer satisfies every
	// ledger check for both and only the hash binding can tell them apart.
	second := &storage.Quiz{
		Title: "history", CreatorUserID: creator, Network: "testnet",
		RewardKind: "winner_takes_all", RewardDetails: "5 NEAR",
		DurationSeconds: 600, CreatedAt: created,
	}
	require.NoError(t, f.store.CreateQuiz(ctx, second))
	require.NoError(t, f.store.OpenFunding(ctx, second.ID, first.DepositAddress, uuid.New()))
	hash := f.deposit(t, first, yocto(t, "5.1"))

	verifier := f.newVerifier(t, newBarrierChain(f.chain, 2))
	quizzes := []uuid.UUID{first.ID, second.ID}
	errs := make([]error, len(quizzes))
	var wg sync.WaitGroup
	for i, id := range quizzes {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			_, errs[i] = verifier.Verify(ctx, hash, id, creator)
		}(i, id)
	}
	wg.Wait()

	winner, loser := -1, -1
	for i, err := range errs {
		if err == nil {
			require.Equal(t, -1, winner, "hash activated more than one quiz")
			winner = i
			continue
		}
		reason, ok := ReasonOf(err)
		require.True(t, ok, "unexpected error: %v", err)
		require.Equal(t, ReasonDuplicateHash, reason)
		loser = i
	}
	require.NotEqual(t, -1, winner)
	require.NotEqual(t, -1, loser)

	won, err := f.store.GetQuiz(ctx, quizzes[winner])
	require.NoError(t, err)
	require.Equal(t, types.QuizActive, won.Status)
	require.Equal(t, hash, *won.PaymentTxHash)

	lost, err := f.store.GetQuiz(ctx, quizzes[loser])
	require.NoError(t, err)
	require.Equal(t, types.QuizFunding, lost.Status)
	require.Nil(t, lost.PaymentTxHash)
}

func TestActivationAfterCommitReportsDuplicate(t *testing.T) {
	f := newFixture(t)
	q := f.quiz(t, "5 NEAR")
	hash := f.deposit(t, q, yocto(t, "5.1"))

	require.NoError(t, f.store.ActivateQuiz(context.Background(), q.ID, hash, created, nil))
	err := f.store.ActivateQuiz(context.Background(), q.ID, hash, created, nil)
	require.ErrorIs(t, err, storage.ErrStateConflict)

	_, err = f.verifier.Verify(context.Background(), hash, q.ID, creator)
	requireReason(t, err, ReasonDuplicateHash)
}
