package wallet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"quizfund/core/types"
	"quizfund/crypto"
	"quizfund/ledger"
	"quizfund/storage"
)

const testRoot = "quizfund.testnet"

type fakeLedger struct {
	mu       sync.Mutex
	accounts map[string][]string

	commitErr     error
	commitCreates bool
	asyncErr      error
	asyncCreates  bool
	viewErr       error

	commits int
	asyncs  int
	views   int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{accounts: map[string][]string{}}
}

func (f *fakeLedger) ViewAccount(_ context.Context, accountID string) (*ledger.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.views++
	if f.viewErr != nil {
		return nil, f.viewErr
	}
	if _, ok := f.accounts[accountID]; !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return &ledger.Account{Amount: new(uint256.Int)}, nil
}

func (f *fakeLedger) AccessKeys(_ context.Context, accountID string) ([]ledger.AccessKeyInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys, ok := f.accounts[accountID]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	out := make([]ledger.AccessKeyInfo, 0, len(keys))
	for _, k := range keys {
		out = append(out, ledger.AccessKeyInfo{PublicKey: k, FullAccess: true})
	}
	return out, nil
}

func (f *fakeLedger) apply(receiver string, actions []ledger.Action) {
	for _, a := range actions {
		if add, ok := a.(ledger.AddFullAccessKey); ok {
			f.accounts[receiver] = append(f.accounts[receiver], add.PublicKey.String())
		}
	}
}

func (f *fakeLedger) SendTransaction(_ context.Context, signer ledger.Signer, receiver string, actions []ledger.Action) (*ledger.TxOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	if f.commitCreates {
		f.apply(receiver, actions)
	}
	if f.commitErr != nil {
		return nil, f.commitErr
	}
	return &ledger.TxOutcome{Hash: "h", SignerID: signer.AccountID, ReceiverID: receiver, Succeeded: true}, nil
}

func (f *fakeLedger) SendTransactionAsync(_ context.Context, signer ledger.Signer, receiver string, actions []ledger.Action) (*ledger.TxOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asyncs++
	if f.asyncCreates {
		f.apply(receiver, actions)
	}
	if f.asyncErr != nil {
		return nil, f.asyncErr
	}
	return &ledger.TxOutcome{Hash: "h", SignerID: signer.AccountID, ReceiverID: receiver, Succeeded: true}, nil
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	store, err := storage.New(db)
	require.NoError(t, err)
	return store
}

func newTestVault(t *testing.T) *crypto.Vault {
	t.Helper()
	vault, err := crypto.NewVault([]byte("wallet-test-secret-0123456789"))
	require.NoError(t, err)
	return vault
}

func newTestManager(t *testing.T, chain *fakeLedger, store *storage.Store, opts ...Option) (*Manager, *sleepRecorder) {
	t.Helper()
	rootKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	sleeps := &sleepRecorder{}
	base := []Option{WithSleep(sleeps.sleep), WithMetrics(nil)}
	m, err := NewManager([]Network{{
		Name:           types.Testnet,
		Root:           testRoot,
		RootKey:        rootKey,
		InitialBalance: uint256.NewInt(1),
		Ledger:         chain,
	}}, newTestVault(t), store, append(base, opts...)...)
	require.NoError(t, err)
	return m, sleeps
}

func TestAllocateAccountIDShape(t *testing.T) {
	m, _ := newTestManager(t, newFakeLedger(), newTestStore(t))
	id, err := m.AllocateAccountID(context.Background(), "user-1", false)
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^[a-z]+[0-9a-f]{6}\.quizfund\.testnet$`), id)
	require.Equal(t, AllocationStats{Attempts: 1}, m.Stats())

	_, err = m.AllocateAccountID(context.Background(), "user-1", true)
	require.ErrorIs(t, err, ErrUnknownNetwork)
}

func TestAllocateAccountIDRetriesCollisions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	probe, _ := newTestManager(t, newFakeLedger(), store, WithRandom(zeroReader{}))
	taken, err := probe.candidate("user-1", testRoot)
	require.NoError(t, err)
	require.NoError(t, store.CreateWallet(ctx, &storage.Wallet{
		OwnerRef: "someone-else", Network: "testnet", AccountID: taken,
		PublicKey: "ed25519:x", EncryptedKey: []byte{1}, IV: []byte{1}, Tag: []byte{1},
	}))

	entropy := append(make([]byte, 16), bytes.Repeat([]byte{1}, 16)...)
	m, _ := newTestManager(t, newFakeLedger(), store, WithRandom(bytes.NewReader(entropy)))
	id, err := m.AllocateAccountID(ctx, "user-1", false)
	require.NoError(t, err)
	require.NotEqual(t, taken, id)
	require.Equal(t, AllocationStats{Attempts: 2, Collisions: 1}, m.Stats())
}

func TestAllocateAccountIDExhaustsBudget(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	m, _ := newTestManager(t, newFakeLedger(), store, WithRandom(zeroReader{}), WithAllocationAttempts(4))
	taken, err := m.candidate("user-1", testRoot)
	require.NoError(t, err)
	require.NoError(t, store.CreateWallet(ctx, &storage.Wallet{
		OwnerRef: "someone-else", Network: "testnet", AccountID: taken,
		PublicKey: "ed25519:x", EncryptedKey: []byte{1}, IV: []byte{1}, Tag: []byte{1},
	}))

	_, err = m.AllocateAccountID(ctx, "user-1", false)
	require.ErrorIs(t, err, ErrAccountIDCollision)
	require.Equal(t, AllocationStats{Attempts: 4, Collisions: 4}, m.Stats())
}

func TestCreateAccountPrimaryPath(t *testing.T) {
	chain := newFakeLedger()
	chain.commitCreates = true
	m, _ := newTestManager(t, chain, newTestStore(t))
	_, pub, err := m.GenerateKeypair()
	require.NoError(t, err)

	require.NoError(t, m.CreateAccount(context.Background(), "amber000000."+testRoot, pub, types.Testnet))
	require.Equal(t, 1, chain.commits)
	require.Zero(t, chain.asyncs)
}

func TestCreateAccountFallsBackToAsync(t *testing.T) {
	chain := newFakeLedger()
	chain.commitErr = errors.New("commit timed out")
	chain.asyncCreates = true
	m, _ := newTestManager(t, chain, newTestStore(t))
	_, pub, err := m.GenerateKeypair()
	require.NoError(t, err)

	require.NoError(t, m.CreateAccount(context.Background(), "amber000000."+testRoot, pub, types.Testnet))
	require.Equal(t, 1, chain.asyncs)
}

func TestCreateAccountTrustsOnlyExistence(t *testing.T) {
	chain := newFakeLedger()
	chain.asyncErr = errors.New("async rejected")
	m, _ := newTestManager(t, chain, newTestStore(t))
	_, pub, err := m.GenerateKeypair()
	require.NoError(t, err)

	// The commit claims success but the account never shows up.
	err = m.CreateAccount(context.Background(), "amber000000."+testRoot, pub, types.Testnet)
	require.ErrorIs(t, err, ErrWalletCreationFailed)
	require.Equal(t, 10, chain.views)
}

func TestCreateAccountAcceptsLandedPrimaryDespiteErrors(t *testing.T) {
	chain := newFakeLedger()
	chain.commitCreates = true
	chain.commitErr = errors.New("response lost")
	chain.asyncErr = errors.New("account already exists")
	m, _ := newTestManager(t, chain, newTestStore(t))
	_, pub, err := m.GenerateKeypair()
	require.NoError(t, err)

	require.NoError(t, m.CreateAccount(context.Background(), "amber000000."+testRoot, pub, types.Testnet))
}

func TestVerifyExistsBackoffSchedule(t *testing.T) {
	chain := newFakeLedger()
	m, sleeps := newTestManager(t, chain, newTestStore(t))

	ok, err := m.VerifyExists(context.Background(), "missing."+testRoot, types.Testnet)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, []time.Duration{time.Second, time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, sleeps.delays)
	require.Equal(t, 5, chain.views)

	chain.viewErr = errors.New("rpc unavailable")
	ok, err = m.VerifyExists(context.Background(), "missing."+testRoot, types.Testnet)
	require.Error(t, err)
	require.False(t, ok)
}

func TestVerifyAccessKeyRejectsForeignKey(t *testing.T) {
	chain := newFakeLedger()
	m, _ := newTestManager(t, chain, newTestStore(t))
	_, mine, err := m.GenerateKeypair()
	require.NoError(t, err)
	_, theirs, err := m.GenerateKeypair()
	require.NoError(t, err)
	chain.accounts["taken."+testRoot] = []string{theirs.String()}

	ok, err := m.VerifyAccessKey(context.Background(), "taken."+testRoot, mine, types.Testnet)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = m.VerifyAccessKey(context.Background(), "taken."+testRoot, theirs, types.Testnet)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.VerifyAccessKey(context.Background(), "nobody."+testRoot, mine, types.Testnet)
	require.NoError(t, err)
	require.False(t, ok)
}

func sealedWallet(t *testing.T, m *Manager, store *storage.Store, accountID string) (*storage.Wallet, *crypto.PublicKey) {
	t.Helper()
	key, pub, err := m.GenerateKeypair()
	require.NoError(t, err)
	env, err := m.vault.SealPrivateKey(key)
	require.NoError(t, err)
	w := &storage.Wallet{
		OwnerRef: "winner", Network: "testnet", AccountID: accountID, PublicKey: pub.String(),
		EncryptedKey: env.Ciphertext, IV: env.IV, Tag: env.Tag,
	}
	require.NoError(t, store.CreateWallet(context.Background(), w))
	return w, pub
}

func TestRecoverIfMissingRecreatesAccount(t *testing.T) {
	ctx := context.Background()
	chain := newFakeLedger()
	chain.commitCreates = true
	store := newTestStore(t)
	m, _ := newTestManager(t, chain, store)
	w, pub := sealedWallet(t, m, store, "maple123abc."+testRoot)

	ok, err := m.RecoverIfMissing(ctx, w)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{pub.String()}, chain.accounts[w.AccountID])

	loaded, err := store.WalletByID(ctx, w.ID)
	require.NoError(t, err)
	require.True(t, loaded.Verified)
}

func TestRecoverIfMissingRefusesForeignAccount(t *testing.T) {
	chain := newFakeLedger()
	store := newTestStore(t)
	m, _ := newTestManager(t, chain, store)
	w, _ := sealedWallet(t, m, store, "maple123abc."+testRoot)
	_, other, err := m.GenerateKeypair()
	require.NoError(t, err)
	chain.accounts[w.AccountID] = []string{other.String()}

	ok, err := m.RecoverIfMissing(context.Background(), w)
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, chain.commits)
}

func TestRecoverIfMissingFailsClosedOnTamperedKey(t *testing.T) {
	chain := newFakeLedger()
	store := newTestStore(t)
	m, _ := newTestManager(t, chain, store)
	w, _ := sealedWallet(t, m, store, "maple123abc."+testRoot)
	w.Tag[0] ^= 0xff

	ok, err := m.RecoverIfMissing(context.Background(), w)
	require.ErrorIs(t, err, crypto.ErrDecryption)
	require.False(t, ok)
	require.Zero(t, chain.commits)
}

func TestCreateWalletProvisionsAndVerifies(t *testing.T) {
	ctx := context.Background()
	chain := newFakeLedger()
	chain.commitCreates = true
	store := newTestStore(t)
	m, _ := newTestManager(t, chain, store)

	w, err := m.CreateWallet(ctx, "user-7", types.Testnet)
	require.NoError(t, err)
	require.True(t, w.Verified)
	require.True(t, w.IsDemo)

	key, err := m.vault.OpenPrivateKey(crypto.Envelope{Ciphertext: w.EncryptedKey, IV: w.IV, Tag: w.Tag})
	require.NoError(t, err)
	require.Equal(t, w.PublicKey, key.PubKey().String())
	key.Wipe()

	again, err := m.CreateWallet(ctx, "user-7", types.Testnet)
	require.NoError(t, err)
	require.Equal(t, w.ID, again.ID)
	require.Equal(t, 1, chain.commits)
}

func TestCreateWalletRechecksUnverifiedRecord(t *testing.T) {
	ctx := context.Background()
	chain := newFakeLedger()
	chain.commitErr = errors.New("rpc: timeout")
	chain.asyncErr = errors.New("rpc: timeout")
	store := newTestStore(t)
	m, _ := newTestManager(t, chain, store)

	_, err := m.CreateWallet(ctx, "quiz:x", types.Testnet)
	require.ErrorIs(t, err, ErrWalletCreationFailed)

	// Chain still refuses: the stored record must not be reported as provisioned.
	w, err := m.CreateWallet(ctx, "quiz:x", types.Testnet)
	require.ErrorIs(t, err, ErrWalletUnverified)
	require.False(t, w.Verified)
	require.Equal(t, 2, chain.commits)

	chain.commitErr = nil
	chain.asyncErr = nil
	chain.commitCreates = true
	recovered, err := m.CreateWallet(ctx, "quiz:x", types.Testnet)
	require.NoError(t, err)
	require.True(t, recovered.Verified)
	require.Equal(t, w.ID, recovered.ID)
	require.Equal(t, []string{w.PublicKey}, chain.accounts[w.AccountID])

	stored, err := store.WalletByOwner(ctx, "quiz:x", string(types.Testnet))
	require.NoError(t, err)
	require.True(t, stored.Verified)
}
