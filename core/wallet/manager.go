package wallet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"quizfund/core/types"
	"quizfund/crypto"
	"quizfund/ledger"
	"quizfund/observability"
	"quizfund/storage"
)

var (
	// ErrAccountIDCollision is returned once every allocation attempt collided.
	ErrAccountIDCollision = errors.New("wallet: account id collision budget exhausted")
	// ErrWalletCreationFailed is returned when neither creation path produced a
	// verifiable account.
	ErrWalletCreationFailed = errors.New("wallet: account creation failed")
	// ErrWalletUnverified is returned when an account cannot be shown to exist and
	// hold the expected key.
	ErrWalletUnverified = errors.New("wallet: wallet unverified")
	// ErrUnknownNetwork is returned for networks the manager has no root for.
	ErrUnknownNetwork = errors.New("wallet: unknown network")
)

// Ledger is the subset of the ledger client used for wallet lifecycle.
type Ledger interface {
	ViewAccount(ctx context.Context, accountID string) (*ledger.Account, error)
	AccessKeys(ctx context.Context, accountID string) ([]ledger.AccessKeyInfo, error)
	SendTransaction(ctx context.Context, signer ledger.Signer, receiverID string, actions []ledger.Action) (*ledger.TxOutcome, error)
	SendTransactionAsync(ctx context.Context, signer ledger.Signer, receiverID string, actions []ledger.Action) (*ledger.TxOutcome, error)
}

// Store persists wallet records.
type Store interface {
	AccountIDTaken(ctx context.Context, accountID string) (bool, error)
	CreateWallet(ctx context.Context, wallet *storage.Wallet) error
	WalletByOwner(ctx context.Context, owner, network string) (*storage.Wallet, error)
	SetWalletVerified(ctx context.Context, id uuid.UUID, verified bool) error
}

// Network binds a custodial root account to the ledger client of its network.
type Network struct {
	Name           types.Network
	Root           string
	RootKey        *crypto.PrivateKey
	InitialBalance *uint256.Int
	Ledger         Ledger
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// AllocationStats reports account id allocation attempts and collisions.
type AllocationStats struct {
	Attempts   uint64 `json:"attempts"`
	Collisions uint64 `json:"collisions"`
}

// Manager owns custodial wallet generation, creation, verification and recovery.
type Manager struct {
	networks map[types.Network]Network
	vault    *crypto.Vault
	store    Store
	logger   *slog.Logger
	metrics  *observability.WalletMetrics

	attempts int
	warmUp   time.Duration
	backoff  []time.Duration
	words    []string
	random   io.Reader
	sleep    SleepFunc

	allocAttempts   atomic.Uint64
	allocCollisions atomic.Uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithAllocationAttempts bounds account id regeneration.
func WithAllocationAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.attempts = n
		}
	}
}

// WithVerification sets the warm-up delay and the backoff schedule used by
// VerifyExists. The number of lookups is len(backoff)+1.
func WithVerification(warmUp time.Duration, backoff []time.Duration) Option {
	return func(m *Manager) {
		if warmUp >= 0 {
			m.warmUp = warmUp
		}
		if len(backoff) > 0 {
			m.backoff = append([]time.Duration(nil), backoff...)
		}
	}
}

// WithWords overrides the account name word list.
func WithWords(words []string) Option {
	return func(m *Manager) {
		if len(words) > 0 {
			m.words = append([]string(nil), words...)
		}
	}
}

// WithRandom overrides the entropy source for account id suffixes.
func WithRandom(r io.Reader) Option {
	return func(m *Manager) {
		if r != nil {
			m.random = r
		}
	}
}

// WithSleep overrides the delay implementation.
func WithSleep(sleep SleepFunc) Option {
	return func(m *Manager) {
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

// WithMetrics overrides the metrics registry.
func WithMetrics(metrics *observability.WalletMetrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// NewManager constructs a manager for the supplied networks.
func NewManager(networks []Network, vault *crypto.Vault, store Store, opts ...Option) (*Manager, error) {
	if vault == nil {
		return nil, fmt.Errorf("wallet: vault required")
	}
	if store == nil {
		return nil, fmt.Errorf("wallet: store required")
	}
	m := &Manager{
		networks: make(map[types.Network]Network, len(networks)),
		vault:    vault,
		store:    store,
		logger:   slog.Default(),
		metrics:  observability.Wallet(),
		attempts: 5,
		warmUp:   time.Second,
		backoff:  []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second},
		words:    defaultWords,
		random:   defaultRandom,
		sleep:    sleepContext,
	}
	for _, n := range networks {
		if n.Ledger == nil || n.RootKey == nil || strings.TrimSpace(n.Root) == "" {
			return nil, fmt.Errorf("wallet: network %s requires root, root key and ledger", n.Name)
		}
		if n.InitialBalance == nil {
			n.InitialBalance = new(uint256.Int)
		}
		m.networks[n.Name] = n
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.logger = m.logger.With(slog.String("component", "wallet"))
	return m, nil
}

func (m *Manager) network(name types.Network) (Network, error) {
	n, ok := m.networks[name]
	if !ok {
		return Network{}, fmt.Errorf("%w: %s", ErrUnknownNetwork, name)
	}
	return n, nil
}

// Stats returns the allocation counters.
func (m *Manager) Stats() AllocationStats {
	return AllocationStats{
		Attempts:   m.allocAttempts.Load(),
		Collisions: m.allocCollisions.Load(),
	}
}

// GenerateKeypair returns a fresh ed25519 keypair.
func (m *Manager) GenerateKeypair() (*crypto.PrivateKey, *crypto.PublicKey, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("wallet: generate key: %w", err)
	}
	return key, key.PubKey(), nil
}

// CreateAccount creates accountID on chain with publicKey as its full access key.
// The commit broadcast is tried first and the async broadcast second. Success is
// only reported after an independent existence check.
func (m *Manager) CreateAccount(ctx context.Context, accountID string, publicKey *crypto.PublicKey, network types.Network) error {
	n, err := m.network(network)
	if err != nil {
		return err
	}
	signer := ledger.Signer{AccountID: n.Root, Key: n.RootKey}
	actions := ledger.CreateAccountActions(publicKey, n.InitialBalance)
	log := m.logger.With(slog.String("account_id", accountID), slog.String("network", string(network)))

	_, primaryErr := n.Ledger.SendTransaction(ctx, signer, accountID, actions)
	if primaryErr == nil {
		m.metrics.RecordCreation("primary", "submitted")
		exists, verifyErr := m.VerifyExists(ctx, accountID, network)
		if exists {
			m.metrics.RecordCreation("primary", "verified")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		primaryErr = fmt.Errorf("account not visible after commit: %w", orNotFound(verifyErr))
	} else {
		m.metrics.RecordCreation("primary", "error")
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrWalletCreationFailed, ctx.Err())
	}

	log.Warn("primary account creation failed, trying async broadcast", slog.Any("error", primaryErr))
	_, secondaryErr := n.Ledger.SendTransactionAsync(ctx, signer, accountID, actions)
	if secondaryErr != nil {
		m.metrics.RecordCreation("secondary", "error")
	} else {
		m.metrics.RecordCreation("secondary", "submitted")
	}
	// The first broadcast may have landed after all, so existence decides.
	exists, verifyErr := m.VerifyExists(ctx, accountID, network)
	if exists {
		m.metrics.RecordCreation("secondary", "verified")
		return nil
	}
	if secondaryErr == nil {
		secondaryErr = orNotFound(verifyErr)
	}
	return fmt.Errorf("%w: %s: primary: %v; secondary: %v", ErrWalletCreationFailed, accountID, primaryErr, secondaryErr)
}

func orNotFound(err error) error {
	if err == nil {
		return ledger.ErrAccountNotFound
	}
	return err
}

// VerifyExists waits the warm-up delay and then polls view_account with the
// configured backoff. A false result with a nil error means the chain answered
// "unknown account" on every lookup; a non-nil error means the last lookup could
// not get an answer at all.
func (m *Manager) VerifyExists(ctx context.Context, accountID string, network types.Network) (bool, error) {
	n, err := m.network(network)
	if err != nil {
		return false, err
	}
	if m.warmUp > 0 {
		if err := m.sleep(ctx, m.warmUp); err != nil {
			return false, err
		}
	}
	var lastErr error
	for attempt := 0; attempt <= len(m.backoff); attempt++ {
		if attempt > 0 {
			if err := m.sleep(ctx, m.backoff[attempt-1]); err != nil {
				return false, err
			}
		}
		_, err := n.Ledger.ViewAccount(ctx, accountID)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, ledger.ErrAccountNotFound):
			lastErr = nil
		default:
			lastErr = err
		}
	}
	return false, lastErr
}

// VerifyAccessKey reports whether publicKey is among accountID's access keys.
func (m *Manager) VerifyAccessKey(ctx context.Context, accountID string, publicKey *crypto.PublicKey, network types.Network) (bool, error) {
	n, err := m.network(network)
	if err != nil {
		return false, err
	}
	keys, err := n.Ledger.AccessKeys(ctx, accountID)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, k := range keys {
		onChain, err := crypto.ParsePublicKey(k.PublicKey)
		if err != nil {
			continue
		}
		if onChain.Equal(publicKey) {
			return true, nil
		}
	}
	return false, nil
}

// RecoverIfMissing makes sure the wallet's account exists on chain and carries the
// recorded key. A missing account is recreated from the encrypted key on record.
// The decrypted key only lives for the duration of the call.
func (m *Manager) RecoverIfMissing(ctx context.Context, w *storage.Wallet) (bool, error) {
	if w == nil {
		return false, ErrWalletUnverified
	}
	network := types.Network(w.Network)
	log := m.logger.With(slog.String("account_id", w.AccountID), slog.String("network", w.Network))
	recorded, err := crypto.ParsePublicKey(w.PublicKey)
	if err != nil {
		return false, fmt.Errorf("wallet: recorded public key: %w", err)
	}

	exists, err := m.VerifyExists(ctx, w.AccountID, network)
	if err != nil {
		m.metrics.RecordRecovery("lookup_error")
		return false, err
	}
	if exists {
		ok, err := m.VerifyAccessKey(ctx, w.AccountID, recorded, network)
		if err != nil {
			return false, err
		}
		if !ok {
			m.metrics.RecordRecovery("foreign_key")
			log.Error("account exists without the recorded access key")
			return false, nil
		}
		m.metrics.RecordRecovery("present")
		m.markVerified(ctx, w, true)
		return true, nil
	}

	if len(w.EncryptedKey) == 0 {
		m.metrics.RecordRecovery("no_key")
		log.Warn("account missing on chain and no key on record")
		return false, nil
	}
	key, err := m.vault.OpenPrivateKey(crypto.Envelope{Ciphertext: w.EncryptedKey, IV: w.IV, Tag: w.Tag})
	if err != nil {
		m.metrics.RecordRecovery("decrypt_failed")
		return false, fmt.Errorf("wallet: open key for %s: %w", w.AccountID, err)
	}
	pub := key.PubKey()
	key.Wipe()
	if !pub.Equal(recorded) {
		m.metrics.RecordRecovery("key_mismatch")
		return false, fmt.Errorf("wallet: stored key does not match recorded public key for %s", w.AccountID)
	}

	log.Warn("account missing on chain, recreating from stored key")
	if err := m.CreateAccount(ctx, w.AccountID, pub, network); err != nil {
		m.metrics.RecordRecovery("failed")
		return false, err
	}
	ok, err := m.VerifyAccessKey(ctx, w.AccountID, pub, network)
	if err != nil {
		return false, err
	}
	if !ok {
		m.metrics.RecordRecovery("failed")
		return false, nil
	}
	m.metrics.RecordRecovery("recovered")
	m.markVerified(ctx, w, true)
	return true, nil
}

func (m *Manager) markVerified(ctx context.Context, w *storage.Wallet, verified bool) {
	if w.Verified == verified {
		return
	}
	if err := m.store.SetWalletVerified(ctx, w.ID, verified); err != nil {
		m.logger.Warn("persist wallet verification", slog.String("account_id", w.AccountID), slog.Any("error", err))
		return
	}
	w.Verified = verified
}

// CreateWallet provisions the custodial wallet for owner on network. A verified
// existing wallet is returned unchanged; an unverified one is re-checked on chain and
// recreated from its stored key when missing. The encrypted key is persisted before
// the account is created on chain so a failed creation can be recovered later.
func (m *Manager) CreateWallet(ctx context.Context, owner string, network types.Network) (*storage.Wallet, error) {
	if _, err := m.network(network); err != nil {
		return nil, err
	}
	existing, err := m.store.WalletByOwner(ctx, owner, string(network))
	if err == nil {
		return m.ensureOnChain(ctx, existing)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	key, pub, err := m.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	env, err := m.vault.SealPrivateKey(key)
	key.Wipe()
	if err != nil {
		return nil, fmt.Errorf("wallet: seal key: %w", err)
	}

	var record *storage.Wallet
	for race := 0; record == nil; race++ {
		if race >= m.attempts {
			return nil, ErrAccountIDCollision
		}
		accountID, err := m.AllocateAccountID(ctx, owner, network.IsMainnet())
		if err != nil {
			return nil, err
		}
		candidate := &storage.Wallet{
			OwnerRef:     owner,
			Network:      string(network),
			AccountID:    accountID,
			PublicKey:    pub.String(),
			EncryptedKey: env.Ciphertext,
			IV:           env.IV,
			Tag:          env.Tag,
			IsDemo:       !network.IsMainnet(),
		}
		err = m.store.CreateWallet(ctx, candidate)
		if errors.Is(err, storage.ErrDuplicateAccount) {
			// Lost an allocation race against another writer.
			m.allocCollisions.Add(1)
			m.metrics.RecordAllocation("collision")
			continue
		}
		if errors.Is(err, storage.ErrWalletExists) {
			existing, err := m.store.WalletByOwner(ctx, owner, string(network))
			if err != nil {
				return nil, err
			}
			return m.ensureOnChain(ctx, existing)
		}
		if err != nil {
			return nil, fmt.Errorf("wallet: persist: %w", err)
		}
		record = candidate
	}

	log := m.logger.With(slog.String("account_id", record.AccountID), slog.String("owner", owner))
	if err := m.CreateAccount(ctx, record.AccountID, pub, network); err != nil {
		log.Error("wallet account creation failed", slog.Any("error", err))
		return record, err
	}
	ok, err := m.VerifyAccessKey(ctx, record.AccountID, pub, network)
	if err != nil {
		return record, err
	}
	if !ok {
		return record, fmt.Errorf("%w: %s does not hold the generated key", ErrWalletUnverified, record.AccountID)
	}
	m.markVerified(ctx, record, true)
	log.Info("wallet created")
	return record, nil
}

// ensureOnChain returns w once its account is confirmed on chain with the recorded
// key. Unverified records go through RecoverIfMissing.
func (m *Manager) ensureOnChain(ctx context.Context, w *storage.Wallet) (*storage.Wallet, error) {
	if w.Verified {
		return w, nil
	}
	ok, err := m.RecoverIfMissing(ctx, w)
	if err != nil {
		return w, fmt.Errorf("%w: %s: %w", ErrWalletUnverified, w.AccountID, err)
	}
	if !ok {
		return w, fmt.Errorf("%w: %s is not on chain with its recorded key", ErrWalletUnverified, w.AccountID)
	}
	return w, nil
}
