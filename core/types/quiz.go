package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// QuizStatus tracks the funding lifecycle of a quiz.
type QuizStatus string

const (
	QuizDraft   QuizStatus = "Draft"
	QuizFunding QuizStatus = "Funding"
	QuizActive  QuizStatus = "Active"
	QuizClosed  QuizStatus = "Closed"
)

var statusOrder = map[QuizStatus]int{
	QuizDraft:   0,
	QuizFunding: 1,
	QuizActive:  2,
	QuizClosed:  3,
}

// Valid reports whether s is a known status.
func (s QuizStatus) Valid() bool {
	_, ok := statusOrder[s]
	return ok
}

// CanAdvanceTo reports whether next is the immediate successor of s. Status never
// moves backward or skips a step.
func (s QuizStatus) CanAdvanceTo(next QuizStatus) bool {
	from, ok := statusOrder[s]
	if !ok {
		return false
	}
	to, ok := statusOrder[next]
	return ok && to == from+1
}

// Network is a ledger network name.
type Network string

const (
	Testnet Network = "testnet"
	Mainnet Network = "mainnet"
)

// ParseNetwork validates a network name.
func ParseNetwork(raw string) (Network, error) {
	switch Network(strings.ToLower(strings.TrimSpace(raw))) {
	case Testnet:
		return Testnet, nil
	case Mainnet:
		return Mainnet, nil
	}
	return "", fmt.Errorf("types: unknown network %q", raw)
}

// IsMainnet reports whether n is the production network.
func (n Network) IsMainnet() bool { return n == Mainnet }

// Participant is an answer aggregate consumed by distribution.
type Participant struct {
	UserID       string
	Username     string
	CorrectCount int
	// LastCorrectAt is when the participant reached CorrectCount; earlier wins ties.
	LastCorrectAt time.Time
	Rank          int
}

// TransferResult records one winner payout attempt.
type TransferResult struct {
	QuizID    uuid.UUID
	UserID    string
	Recipient string
	Rank      int
	Amount    *uint256.Int
	Currency  string
	TxHash    string
	Success   bool
	Reason    string
	CreatedAt time.Time
}
