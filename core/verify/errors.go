package verify

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// Reason classifies why a payment hash was rejected. Every reason is a user
// correctable outcome except RpcUnavailable, which asks the user to retry later.
type Reason string

const (
	ReasonInvalidHashFormat   Reason = "invalid_hash_format"
	ReasonDuplicateHash       Reason = "duplicate_hash"
	ReasonWrongState          Reason = "wrong_state"
	ReasonTransactionNotFound Reason = "transaction_not_found"
	ReasonWrongSender         Reason = "wrong_sender"
	ReasonTransactionFailed   Reason = "transaction_failed"
	ReasonWrongReceiver       Reason = "wrong_receiver"
	ReasonStaleTransaction    Reason = "stale_transaction"
	ReasonInsufficientAmount  Reason = "insufficient_amount"
	ReasonCurrencyMismatch    Reason = "currency_mismatch"
	ReasonRPCUnavailable      Reason = "rpc_unavailable"
)

// VerificationError is the typed rejection returned by Verify.
type VerificationError struct {
	Reason  Reason
	Message string
	// Shortage is set for ReasonInsufficientAmount and holds the missing amount in
	// the smallest unit.
	Shortage *uint256.Int
	Err      error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("verify: %s: %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("verify: %s: %s", e.Reason, e.Message)
}

func (e *VerificationError) Unwrap() error { return e.Err }

func reject(reason Reason, format string, args ...any) *VerificationError {
	return &VerificationError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the rejection reason from err.
func ReasonOf(err error) (Reason, bool) {
	var verr *VerificationError
	if errors.As(err, &verr) {
		return verr.Reason, true
	}
	return "", false
}
