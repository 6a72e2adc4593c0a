package reward

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/holiman/uint256"

	"quizfund/core/types"
)

var (
	// ErrCurrencyMismatch is returned when one schedule names more than one currency.
	ErrCurrencyMismatch = errors.New("reward: currency mismatch")
	// ErrNoAmount is returned by RequiredAmount when the text held no parseable amount.
	ErrNoAmount = errors.New("reward: no parseable amount")
	// ErrUnknownKind is returned for unrecognised schedule kinds.
	ErrUnknownKind = errors.New("reward: unknown schedule kind")
)

// Kind identifies a reward schedule variant.
type Kind string

const (
	KindWinnerTakesAll Kind = "winner_takes_all"
	KindTop3           Kind = "top3"
	KindCustom         Kind = "custom"
	KindManual         Kind = "manual"
)

// ParseKind normalises a persisted kind string.
func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(strings.ReplaceAll(raw, "-", "_"))) {
	case "winner_takes_all", "wta", "winner_take_all":
		return KindWinnerTakesAll, nil
	case "top3", "top_3":
		return KindTop3, nil
	case "custom":
		return KindCustom, nil
	case "manual":
		return KindManual, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
}

// Schedule is the closed set of reward schedules. Implementations live in this
// package only.
type Schedule interface {
	Kind() Kind
	// Details returns the verbatim source text.
	Details() string
	// RequiredAmount is the amount the creator must deposit before fees.
	RequiredAmount() (types.Money, error)
	sealed()
}

// WinnerTakesAll pays the full amount to the single top participant.
type WinnerTakesAll struct {
	Total types.Money
	Text  string
}

// Top3 pays the three top participants, either by rank-tagged amounts or by a
// proportional split of the total.
type Top3 struct {
	// Ranks holds amounts tagged "1st", "2nd" and "3rd"; entries are nil when untagged.
	Ranks [3]*uint256.Int
	Total types.Money
	Text  string
}

// Custom splits the total across every participant with at least one correct answer.
type Custom struct {
	Amounts []types.Money
	Total   types.Money
	Text    string
}

// Manual is settled like Custom but its text is flagged for operator review.
type Manual struct {
	Amounts []types.Money
	Total   types.Money
	Text    string
}

func (s WinnerTakesAll) Kind() Kind { return KindWinnerTakesAll }
func (s Top3) Kind() Kind           { return KindTop3 }
func (s Custom) Kind() Kind         { return KindCustom }
func (s Manual) Kind() Kind         { return KindManual }

func (s WinnerTakesAll) Details() string { return s.Text }
func (s Top3) Details() string           { return s.Text }
func (s Custom) Details() string         { return s.Text }
func (s Manual) Details() string         { return s.Text }

func (WinnerTakesAll) sealed() {}
func (Top3) sealed()           {}
func (Custom) sealed()         {}
func (Manual) sealed()         {}

func (s WinnerTakesAll) RequiredAmount() (types.Money, error) { return required(s.Total) }
func (s Top3) RequiredAmount() (types.Money, error)           { return required(s.Total) }
func (s Custom) RequiredAmount() (types.Money, error)         { return required(s.Total) }
func (s Manual) RequiredAmount() (types.Money, error)         { return required(s.Total) }

func required(total types.Money) (types.Money, error) {
	if total.Amount == nil || total.Currency == "" {
		return types.Money{Amount: new(uint256.Int), Currency: types.NEAR.Code}, ErrNoAmount
	}
	return types.Money{Amount: new(uint256.Int).Set(total.Amount), Currency: total.Currency}, nil
}

// RankSpecific reports whether all three ranks carry their own tagged amount.
func (s Top3) RankSpecific() bool {
	return s.Ranks[0] != nil && s.Ranks[1] != nil && s.Ranks[2] != nil
}

// RankAmounts returns the gross amount for each rank. Without rank-specific tags the
// total is split by splitBPS and fallback is true.
func (s Top3) RankAmounts(splitBPS [3]uint32) (amounts [3]*uint256.Int, fallback bool, err error) {
	if s.RankSpecific() {
		for i, v := range s.Ranks {
			amounts[i] = new(uint256.Int).Set(v)
		}
		return amounts, false, nil
	}
	if s.Total.Amount == nil {
		return amounts, true, ErrNoAmount
	}
	for i, bps := range splitBPS {
		if amounts[i], err = types.Share(s.Total.Amount, bps); err != nil {
			return amounts, true, err
		}
	}
	return amounts, true, nil
}

// RequiredOrZero returns the schedule's required amount. A schedule without a
// parseable amount yields zero, and that fallback is always logged.
func RequiredOrZero(s Schedule, logger *slog.Logger, attrs ...any) types.Money {
	money, err := s.RequiredAmount()
	if err == nil {
		return money
	}
	if logger == nil {
		logger = slog.Default()
	}
	args := append([]any{
		slog.String("kind", string(s.Kind())),
		slog.String("details", s.Details()),
		slog.Any("error", err),
	}, attrs...)
	logger.Warn("reward schedule has no parseable amount, required amount falls back to zero", args...)
	return money
}
