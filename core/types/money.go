package types

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// BasisPoints is the denominator for fee, tolerance and split rates.
const BasisPoints = 10_000

var (
	ErrUnknownCurrency = errors.New("types: unknown currency")
	ErrFractionalUnit  = errors.New("types: amount has more precision than the currency allows")
	ErrNegativeAmount  = errors.New("types: amount must be non-negative")
	ErrAmountOverflow  = errors.New("types: amount overflows 256 bits")
)

// Currency describes a ledger denomination and its smallest-unit scale.
type Currency struct {
	Code     string
	Decimals int32
	// Native marks the ledger's own coin, the only currency that can fund a quiz.
	Native bool
}

// NEAR is the native currency; one NEAR is 10^24 yocto.
var NEAR = Currency{Code: "NEAR", Decimals: 24, Native: true}

var currencies = map[string]Currency{
	"NEAR": NEAR,
	"USDT": {Code: "USDT", Decimals: 6},
	"USDC": {Code: "USDC", Decimals: 6},
}

// LookupCurrency resolves a currency code case-insensitively.
func LookupCurrency(code string) (Currency, bool) {
	c, ok := currencies[strings.ToUpper(strings.TrimSpace(code))]
	return c, ok
}

// CurrencyCodes lists the known currency codes.
func CurrencyCodes() []string {
	codes := make([]string, 0, len(currencies))
	for code := range currencies {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Money is an integer amount in the currency's smallest unit.
type Money struct {
	Amount   *uint256.Int
	Currency string
}

// String renders the amount in whole currency units.
func (m Money) String() string {
	cur, ok := LookupCurrency(m.Currency)
	if !ok {
		return fmt.Sprintf("%s %s", amountOrZero(m.Amount).Dec(), m.Currency)
	}
	return FormatAmount(m.Amount, cur) + " " + cur.Code
}

// ParseAmount converts decimal text such as "1,250.5" into smallest units. Digits
// beyond the currency precision are rejected rather than rounded.
func ParseAmount(text string, cur Currency) (*uint256.Int, error) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(text), ",", "")
	value, err := decimal.NewFromString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("types: parse amount %q: %w", text, err)
	}
	if value.IsNegative() {
		return nil, ErrNegativeAmount
	}
	scaled := value.Shift(cur.Decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, ErrFractionalUnit
	}
	out, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, ErrAmountOverflow
	}
	return out, nil
}

// FormatAmount renders smallest units as a decimal string in whole units.
func FormatAmount(amount *uint256.Int, cur Currency) string {
	return decimal.NewFromBigInt(amountOrZero(amount).ToBig(), -cur.Decimals).String()
}

// WithFee returns ceil(amount * (10000 + feeBPS) / 10000).
func WithFee(amount *uint256.Int, feeBPS uint32) (*uint256.Int, error) {
	return mulDiv(amount, uint64(BasisPoints)+uint64(feeBPS), true)
}

// AfterFee returns floor(amount * (10000 - feeBPS) / 10000).
func AfterFee(amount *uint256.Int, feeBPS uint32) (*uint256.Int, error) {
	if feeBPS > BasisPoints {
		return nil, fmt.Errorf("types: fee %d bps exceeds 100%%", feeBPS)
	}
	return mulDiv(amount, uint64(BasisPoints-feeBPS), false)
}

// Share returns floor(amount * bps / 10000).
func Share(amount *uint256.Int, bps uint32) (*uint256.Int, error) {
	return mulDiv(amount, uint64(bps), false)
}

// Tolerance returns max(floor(required * bps / 10000), floor).
func Tolerance(required *uint256.Int, bps uint32, floor *uint256.Int) (*uint256.Int, error) {
	proportional, err := Share(required, bps)
	if err != nil {
		return nil, err
	}
	if floor != nil && floor.Gt(proportional) {
		return new(uint256.Int).Set(floor), nil
	}
	return proportional, nil
}

func mulDiv(amount *uint256.Int, numerator uint64, roundUp bool) (*uint256.Int, error) {
	x := amountOrZero(amount)
	y := uint256.NewInt(numerator)
	d := uint256.NewInt(BasisPoints)
	out, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrAmountOverflow
	}
	if roundUp && !new(uint256.Int).MulMod(x, y, d).IsZero() {
		if _, overflow := out.AddOverflow(out, uint256.NewInt(1)); overflow {
			return nil, ErrAmountOverflow
		}
	}
	return out, nil
}

func amountOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
