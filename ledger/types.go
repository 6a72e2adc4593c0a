package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

var (
	ErrTransactionNotFound = errors.New("ledger: transaction not found")
	ErrAccountNotFound     = errors.New("ledger: account not found")
	ErrAccessKeyNotFound   = errors.New("ledger: access key not found")
	ErrBlockNotFound       = errors.New("ledger: block not found")
	ErrInvalidTransaction  = errors.New("ledger: invalid transaction")
	ErrTransactionFailed   = errors.New("ledger: transaction failed")
	ErrTransactionPending  = errors.New("ledger: transaction not final")
)

// RPCError is the structured error object returned by the node.
type RPCError struct {
	Name    string          `json:"name"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Cause   struct {
		Name string          `json:"name"`
		Info json.RawMessage `json:"info"`
	} `json:"cause"`
}

func (e *RPCError) Error() string {
	cause := e.Cause.Name
	if cause == "" {
		cause = e.Name
	}
	if len(e.Data) > 0 {
		return fmt.Sprintf("ledger rpc error %s (%d): %s: %s", cause, e.Code, e.Message, strings.Trim(string(e.Data), `"`))
	}
	return fmt.Sprintf("ledger rpc error %s (%d): %s", cause, e.Code, e.Message)
}

// Is maps node error causes onto the package sentinels.
func (e *RPCError) Is(target error) bool {
	switch target {
	case ErrTransactionNotFound:
		return e.Cause.Name == "UNKNOWN_TRANSACTION"
	case ErrAccountNotFound:
		return e.Cause.Name == "UNKNOWN_ACCOUNT"
	case ErrAccessKeyNotFound:
		return e.Cause.Name == "UNKNOWN_ACCESS_KEY"
	case ErrBlockNotFound:
		return e.Cause.Name == "UNKNOWN_BLOCK"
	case ErrInvalidTransaction:
		return e.Cause.Name == "INVALID_TRANSACTION"
	}
	return false
}

func (e *RPCError) transient() bool {
	switch e.Cause.Name {
	case "TIMEOUT_ERROR", "INTERNAL_ERROR", "NO_SYNCED_BLOCKS", "NOT_SYNCED_YET":
		return true
	}
	return false
}

// Account is the view_account result.
type Account struct {
	Amount      *uint256.Int
	Locked      *uint256.Int
	BlockHash   string
	BlockHeight uint64
}

type accountView struct {
	Amount      string `json:"amount"`
	Locked      string `json:"locked"`
	BlockHash   string `json:"block_hash"`
	BlockHeight uint64 `json:"block_height"`
}

// AccessKey is the view_access_key result.
type AccessKey struct {
	Nonce       uint64 `json:"nonce"`
	BlockHash   string `json:"block_hash"`
	BlockHeight uint64 `json:"block_height"`
	FullAccess  bool   `json:"-"`
}

type accessKeyView struct {
	Nonce       uint64          `json:"nonce"`
	Permission  json.RawMessage `json:"permission"`
	BlockHash   string          `json:"block_hash"`
	BlockHeight uint64          `json:"block_height"`
}

func (v accessKeyView) fullAccess() bool {
	var perm string
	if err := json.Unmarshal(v.Permission, &perm); err == nil {
		return perm == "FullAccess"
	}
	return false
}

// AccessKeyInfo is one entry of view_access_key_list.
type AccessKeyInfo struct {
	PublicKey  string
	Nonce      uint64
	FullAccess bool
}

type accessKeyList struct {
	Keys []struct {
		PublicKey string        `json:"public_key"`
		AccessKey accessKeyView `json:"access_key"`
	} `json:"keys"`
}

// Block is the subset of block metadata the core needs.
type Block struct {
	Hash      string
	Height    uint64
	Timestamp time.Time
}

type blockView struct {
	Header struct {
		Hash             string `json:"hash"`
		Height           uint64 `json:"height"`
		Timestamp        uint64 `json:"timestamp"`
		TimestampNanosec string `json:"timestamp_nanosec"`
	} `json:"header"`
}

func (v blockView) block() (Block, error) {
	nanos := v.Header.Timestamp
	if v.Header.TimestampNanosec != "" {
		parsed, err := strconv.ParseUint(v.Header.TimestampNanosec, 10, 64)
		if err != nil {
			return Block{}, fmt.Errorf("ledger: invalid block timestamp %q", v.Header.TimestampNanosec)
		}
		nanos = parsed
	}
	return Block{
		Hash:      v.Header.Hash,
		Height:    v.Header.Height,
		Timestamp: time.Unix(0, int64(nanos)).UTC(),
	}, nil
}

// TxOutcome is the decoded result of tx / broadcast_tx_commit.
type TxOutcome struct {
	Hash       string
	SignerID   string
	ReceiverID string
	// BlockHash is the block that included the transaction.
	BlockHash string
	Succeeded bool
	Failure   string
	// Deposits lists the deposit of every Transfer action in order.
	Deposits []*uint256.Int
}

// TotalDeposit sums every transfer action of the transaction.
func (o *TxOutcome) TotalDeposit() *uint256.Int {
	total := new(uint256.Int)
	for _, d := range o.Deposits {
		total.Add(total, d)
	}
	return total
}

type txView struct {
	Status      map[string]json.RawMessage `json:"status"`
	Transaction struct {
		Hash       string            `json:"hash"`
		SignerID   string            `json:"signer_id"`
		ReceiverID string            `json:"receiver_id"`
		Actions    []json.RawMessage `json:"actions"`
	} `json:"transaction"`
	TransactionOutcome struct {
		BlockHash string `json:"block_hash"`
	} `json:"transaction_outcome"`
	ReceiptsOutcome []struct {
		Outcome struct {
			Status map[string]json.RawMessage `json:"status"`
		} `json:"outcome"`
	} `json:"receipts_outcome"`
}

func (v txView) outcome() (*TxOutcome, error) {
	out := &TxOutcome{
		Hash:       v.Transaction.Hash,
		SignerID:   v.Transaction.SignerID,
		ReceiverID: v.Transaction.ReceiverID,
		BlockHash:  v.TransactionOutcome.BlockHash,
	}
	if failure, ok := v.Status["Failure"]; ok {
		out.Failure = string(failure)
	} else if _, ok := v.Status["SuccessValue"]; ok {
		out.Succeeded = true
	} else if _, ok := v.Status["SuccessReceiptId"]; ok {
		out.Succeeded = true
	}
	for _, receipt := range v.ReceiptsOutcome {
		if failure, ok := receipt.Outcome.Status["Failure"]; ok {
			out.Succeeded = false
			if out.Failure == "" {
				out.Failure = string(failure)
			}
		}
	}
	for _, raw := range v.Transaction.Actions {
		deposit, ok, err := transferDeposit(raw)
		if err != nil {
			return nil, err
		}
		if ok {
			out.Deposits = append(out.Deposits, deposit)
		}
	}
	return out, nil
}

// transferDeposit extracts the deposit of a {"Transfer":{"deposit":"..."}} action.
// Unit actions such as "CreateAccount" are encoded as bare strings and skipped.
func transferDeposit(raw json.RawMessage) (*uint256.Int, bool, error) {
	var action map[string]json.RawMessage
	if err := json.Unmarshal(raw, &action); err != nil {
		return nil, false, nil
	}
	body, ok := action["Transfer"]
	if !ok {
		return nil, false, nil
	}
	var transfer struct {
		Deposit string `json:"deposit"`
	}
	if err := json.Unmarshal(body, &transfer); err != nil {
		return nil, false, fmt.Errorf("ledger: decode transfer action: %w", err)
	}
	deposit, err := uint256.FromDecimal(transfer.Deposit)
	if err != nil {
		return nil, false, fmt.Errorf("ledger: invalid transfer deposit %q: %w", transfer.Deposit, err)
	}
	return deposit, true, nil
}
