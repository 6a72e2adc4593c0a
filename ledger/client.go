package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/holiman/uint256"

	"quizfund/crypto"
	"quizfund/rpc"
)

// Client is a JSON-RPC client for one ledger network. Every request is routed
// through the network's resilience pool.
type Client struct {
	pool   *rpc.Pool
	http   *http.Client
	logger *slog.Logger
	nextID atomic.Int64

	pollInterval time.Duration
	pollAttempts int
	sleep        rpc.SleepFunc
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the transport.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithLogger overrides the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPolling configures how async broadcasts are awaited.
func WithPolling(interval time.Duration, attempts int, sleep rpc.SleepFunc) ClientOption {
	return func(c *Client) {
		if interval > 0 {
			c.pollInterval = interval
		}
		if attempts > 0 {
			c.pollAttempts = attempts
		}
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// NewClient constructs a client bound to pool.
func NewClient(pool *rpc.Pool, opts ...ClientOption) *Client {
	c := &Client{
		pool:         pool,
		http:         &http.Client{},
		logger:       slog.Default(),
		pollInterval: 2 * time.Second,
		pollAttempts: 10,
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = c.logger.With(slog.String("component", "ledger"), slog.String("network", pool.Network()))
	return c
}

// Network returns the network this client talks to.
func (c *Client) Network() string {
	return c.pool.Network()
}

// ViewAccount returns the account state or ErrAccountNotFound.
func (c *Client) ViewAccount(ctx context.Context, accountID string) (*Account, error) {
	var view accountView
	params := map[string]any{
		"request_type": "view_account",
		"finality":     "final",
		"account_id":   accountID,
	}
	if err := c.call(ctx, "query", params, &view); err != nil {
		return nil, err
	}
	amount, err := uint256.FromDecimal(view.Amount)
	if err != nil {
		return nil, fmt.Errorf("ledger: invalid account amount %q: %w", view.Amount, err)
	}
	locked := new(uint256.Int)
	if view.Locked != "" {
		if locked, err = uint256.FromDecimal(view.Locked); err != nil {
			return nil, fmt.Errorf("ledger: invalid locked amount %q: %w", view.Locked, err)
		}
	}
	return &Account{Amount: amount, Locked: locked, BlockHash: view.BlockHash, BlockHeight: view.BlockHeight}, nil
}

// AccessKey returns the access key registered for publicKey on accountID.
func (c *Client) AccessKey(ctx context.Context, accountID string, publicKey *crypto.PublicKey) (*AccessKey, error) {
	var view accessKeyView
	params := map[string]any{
		"request_type": "view_access_key",
		"finality":     "final",
		"account_id":   accountID,
		"public_key":   publicKey.String(),
	}
	if err := c.call(ctx, "query", params, &view); err != nil {
		return nil, err
	}
	return &AccessKey{
		Nonce:       view.Nonce,
		BlockHash:   view.BlockHash,
		BlockHeight: view.BlockHeight,
		FullAccess:  view.fullAccess(),
	}, nil
}

// AccessKeys lists every access key of accountID.
func (c *Client) AccessKeys(ctx context.Context, accountID string) ([]AccessKeyInfo, error) {
	var view accessKeyList
	params := map[string]any{
		"request_type": "view_access_key_list",
		"finality":     "final",
		"account_id":   accountID,
	}
	if err := c.call(ctx, "query", params, &view); err != nil {
		return nil, err
	}
	keys := make([]AccessKeyInfo, 0, len(view.Keys))
	for _, key := range view.Keys {
		keys = append(keys, AccessKeyInfo{
			PublicKey:  key.PublicKey,
			Nonce:      key.AccessKey.Nonce,
			FullAccess: key.AccessKey.fullAccess(),
		})
	}
	return keys, nil
}

// TransactionStatus looks a transaction up by hash and sender.
func (c *Client) TransactionStatus(ctx context.Context, hash, sender string) (*TxOutcome, error) {
	var view txView
	if err := c.call(ctx, "tx", []string{hash, sender}, &view); err != nil {
		return nil, err
	}
	return view.outcome()
}

// Block fetches block metadata by hash.
func (c *Client) Block(ctx context.Context, hash string) (*Block, error) {
	var view blockView
	if err := c.call(ctx, "block", map[string]any{"block_id": hash}, &view); err != nil {
		return nil, err
	}
	block, err := view.block()
	if err != nil {
		return nil, err
	}
	return &block, nil
}

// LatestBlockHash returns the hash of the latest final block.
func (c *Client) LatestBlockHash(ctx context.Context) ([32]byte, error) {
	var view blockView
	if err := c.call(ctx, "block", map[string]any{"finality": "final"}, &view); err != nil {
		return [32]byte{}, err
	}
	return DecodeBlockHash(view.Header.Hash)
}

// BroadcastTxCommit submits a signed transaction and waits for its outcome.
func (c *Client) BroadcastTxCommit(ctx context.Context, signed SignedTransaction) (*TxOutcome, error) {
	var view txView
	if err := c.call(ctx, "broadcast_tx_commit", []string{signed.Base64()}, &view); err != nil {
		return nil, err
	}
	return view.outcome()
}

// BroadcastTxAsync submits a signed transaction and returns its hash immediately.
func (c *Client) BroadcastTxAsync(ctx context.Context, signed SignedTransaction) (string, error) {
	var hash string
	if err := c.call(ctx, "broadcast_tx_async", []string{signed.Base64()}, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

// Signer identifies the account and key authorising a transaction.
type Signer struct {
	AccountID string
	Key       *crypto.PrivateKey
}

func (c *Client) buildSigned(ctx context.Context, signer Signer, receiverID string, actions []Action) (SignedTransaction, error) {
	if signer.Key == nil {
		return SignedTransaction{}, fmt.Errorf("ledger: signer key required")
	}
	pub := signer.Key.PubKey()
	key, err := c.AccessKey(ctx, signer.AccountID, pub)
	if err != nil {
		return SignedTransaction{}, fmt.Errorf("ledger: load signer nonce: %w", err)
	}
	blockHash, err := c.LatestBlockHash(ctx)
	if err != nil {
		return SignedTransaction{}, fmt.Errorf("ledger: load recent block: %w", err)
	}
	tx := &Transaction{
		SignerID:   signer.AccountID,
		PublicKey:  pub,
		Nonce:      key.Nonce + 1,
		ReceiverID: receiverID,
		BlockHash:  blockHash,
		Actions:    actions,
	}
	return Sign(tx, signer.Key)
}

// SendTransaction signs and commits actions. When the commit response is lost the
// outcome is recovered by hash, so a retried broadcast never reports a landed
// transaction as failed.
func (c *Client) SendTransaction(ctx context.Context, signer Signer, receiverID string, actions []Action) (*TxOutcome, error) {
	signed, err := c.buildSigned(ctx, signer, receiverID, actions)
	if err != nil {
		return nil, err
	}
	outcome, err := c.BroadcastTxCommit(ctx, signed)
	if err != nil {
		if errors.Is(err, rpc.ErrCircuitOpen) || ctx.Err() != nil {
			return nil, err
		}
		recovered, lookupErr := c.TransactionStatus(ctx, signed.Hash, signer.AccountID)
		if lookupErr != nil {
			return nil, err
		}
		c.logger.Warn("recovered transaction outcome after broadcast error",
			slog.String("tx_hash", signed.Hash), slog.Any("error", err))
		outcome = recovered
	}
	if outcome.Hash == "" {
		outcome.Hash = signed.Hash
	}
	if !outcome.Succeeded {
		return outcome, fmt.Errorf("%w: %s", ErrTransactionFailed, outcome.Failure)
	}
	return outcome, nil
}

// SendTransactionAsync broadcasts without waiting and then polls the transaction
// status until it is final or the poll budget is spent.
func (c *Client) SendTransactionAsync(ctx context.Context, signer Signer, receiverID string, actions []Action) (*TxOutcome, error) {
	signed, err := c.buildSigned(ctx, signer, receiverID, actions)
	if err != nil {
		return nil, err
	}
	if _, err := c.BroadcastTxAsync(ctx, signed); err != nil {
		return nil, err
	}
	for attempt := 0; attempt < c.pollAttempts; attempt++ {
		if err := c.sleep(ctx, c.pollInterval); err != nil {
			return nil, err
		}
		outcome, err := c.TransactionStatus(ctx, signed.Hash, signer.AccountID)
		if errors.Is(err, ErrTransactionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !outcome.Succeeded {
			return outcome, fmt.Errorf("%w: %s", ErrTransactionFailed, outcome.Failure)
		}
		return outcome, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrTransactionPending, signed.Hash)
}

// CreateAccountActions returns the actions creating a funded sub-account owned by publicKey.
func CreateAccountActions(publicKey *crypto.PublicKey, initialBalance *uint256.Int) []Action {
	return []Action{
		CreateAccount{},
		Transfer{Deposit: initialBalance},
		AddFullAccessKey{PublicKey: publicKey},
	}
}

// Transfer moves amount yocto from the signer to receiverID and returns the tx hash.
func (c *Client) Transfer(ctx context.Context, signer Signer, receiverID string, amount *uint256.Int) (string, error) {
	outcome, err := c.SendTransaction(ctx, signer, receiverID, []Action{Transfer{Deposit: amount}})
	if err != nil {
		return "", err
	}
	return outcome.Hash, nil
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	return c.pool.Call(ctx, method, func(ctx context.Context, endpoint rpc.Endpoint) error {
		return c.exchange(ctx, endpoint.URL, method, params, out)
	})
}

func (c *Client) exchange(ctx context.Context, url, method string, params any, out any) error {
	id := c.nextID.Add(1)
	body := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return rpc.Transient(err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError:
		_, _ = io.Copy(io.Discard, resp.Body)
		return rpc.Transient(fmt.Errorf("ledger rpc %s: status=%d", method, resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("ledger rpc %s failed: status=%d", method, resp.StatusCode)
	}
	var rpcResp struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result"`
		Error   *RPCError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return rpc.Transient(fmt.Errorf("ledger rpc %s: decode response: %w", method, err))
	}
	if rpcResp.Error != nil {
		if rpcResp.Error.transient() {
			return rpc.Transient(rpcResp.Error)
		}
		return rpcResp.Error
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return rpc.Transient(fmt.Errorf("ledger rpc %s returned empty result", method))
	}
	if method == "query" {
		var probe struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(rpcResp.Result, &probe) == nil && probe.Error != "" {
			return queryError(probe.Error)
		}
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// queryError classifies errors that older nodes embed in a successful query result.
func queryError(msg string) error {
	switch {
	case strings.Contains(msg, "access key") && strings.Contains(msg, "does not exist"):
		return fmt.Errorf("%w: %s", ErrAccessKeyNotFound, msg)
	case strings.Contains(msg, "does not exist"):
		return fmt.Errorf("%w: %s", ErrAccountNotFound, msg)
	}
	return fmt.Errorf("ledger: query failed: %s", msg)
}
