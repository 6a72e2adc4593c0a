package reward

import (
	"regexp"
	"strings"

	"github.com/holiman/uint256"
	"golang.org/x/text/unicode/norm"

	"quizfund/core/types"
)

// amountPattern requires at least three letters after the number so ordinals such
// as "1st" or "2nd" never read as amounts.
var amountPattern = regexp.MustCompile(`(?i)(\d{1,3}(?:,\d{3})+|\d+)(\.\d+)?\s*([a-z]{3,10})\b`)

var rankPattern = regexp.MustCompile(`(?i)\b(1st|first|2nd|second|3rd|third)\b`)

var segmentSeparator = regexp.MustCompile(`[;\n|]+|,\s+`)

type match struct {
	money types.Money
	rank  int // 0 when untagged, otherwise 1..3
}

// Parse decodes free text into a typed schedule. Text without any amount still
// yields a schedule whose RequiredAmount reports ErrNoAmount; only mixed
// currencies are rejected.
func Parse(raw string, kind Kind) (Schedule, error) {
	text := norm.NFKC.String(raw)
	switch kind {
	case KindWinnerTakesAll:
		matches, err := extract(text)
		if err != nil {
			return nil, err
		}
		s := WinnerTakesAll{Text: raw}
		if len(matches) > 0 {
			s.Total = matches[0].money
		}
		return s, nil
	case KindTop3:
		matches, err := extract(text)
		if err != nil {
			return nil, err
		}
		s := Top3{Text: raw}
		tagged := 0
		for _, m := range matches {
			if m.rank > 0 && s.Ranks[m.rank-1] == nil {
				s.Ranks[m.rank-1] = new(uint256.Int).Set(m.money.Amount)
				tagged++
			}
		}
		if tagged != 3 {
			s.Ranks = [3]*uint256.Int{}
		}
		s.Total = sum(matches)
		return s, nil
	case KindCustom:
		matches, err := extract(text)
		if err != nil {
			return nil, err
		}
		return Custom{Amounts: amounts(matches), Total: sum(matches), Text: raw}, nil
	case KindManual:
		matches, err := extract(text)
		if err != nil {
			return nil, err
		}
		return Manual{Amounts: amounts(matches), Total: sum(matches), Text: raw}, nil
	}
	return nil, ErrUnknownKind
}

// Decode rebuilds a schedule from its persisted {kind, details_text} shape.
func Decode(kind, details string) (Schedule, error) {
	k, err := ParseKind(kind)
	if err != nil {
		return nil, err
	}
	return Parse(details, k)
}

// rankAfter matches a rank right after an amount: "6 NEAR for 1st", "6 NEAR - 2nd".
var rankAfter = regexp.MustCompile(`(?i)^\s*(?:[:=-]\s*)?(?:(?:for|to)\s+)?(?:the\s+)?(1st|first|2nd|second|3rd|third)\b`)

// rankBefore matches a rank right before an amount: "1st: 6 NEAR", "2nd place 3 NEAR".
var rankBefore = regexp.MustCompile(`(?i)\b(1st|first|2nd|second|3rd|third)(?:\s+(?:place|prize))?\s*(?:[:=-]\s*)?$`)

func extract(text string) ([]match, error) {
	var out []match
	currency := ""
	for _, segment := range segmentSeparator.Split(text, -1) {
		var (
			segmentMatches []match
			spans          [][2]int
		)
		for _, idx := range amountPattern.FindAllStringSubmatchIndex(segment, -1) {
			digits := segment[idx[2]:idx[3]]
			fraction := ""
			if idx[4] >= 0 {
				fraction = segment[idx[4]:idx[5]]
			}
			cur, ok := types.LookupCurrency(segment[idx[6]:idx[7]])
			if !ok {
				continue
			}
			value, err := types.ParseAmount(digits+fraction, cur)
			if err != nil {
				continue
			}
			if currency == "" {
				currency = cur.Code
			} else if currency != cur.Code {
				return nil, ErrCurrencyMismatch
			}
			segmentMatches = append(segmentMatches, match{money: types.Money{Amount: value, Currency: cur.Code}})
			spans = append(spans, [2]int{idx[0], idx[1]})
		}
		tagRanks(segment, spans, segmentMatches)
		out = append(out, segmentMatches...)
	}
	return out, nil
}

// tagRanks pairs each amount with the rank written directly beside it. Both
// orientations are tried and the one tagging more amounts wins. A segment holding
// a single amount and a single rank is tagged regardless of word order.
func tagRanks(segment string, spans [][2]int, matches []match) {
	after := make([]int, len(spans))
	before := make([]int, len(spans))
	nAfter, nBefore := 0, 0
	for i, span := range spans {
		if g := rankAfter.FindStringSubmatch(segment[span[1]:]); g != nil {
			after[i] = rankOf(g[1])
			nAfter++
		}
		if g := rankBefore.FindStringSubmatch(segment[:span[0]]); g != nil {
			before[i] = rankOf(g[1])
			nBefore++
		}
	}
	chosen := after
	if nBefore > nAfter {
		chosen = before
	}
	for i := range matches {
		matches[i].rank = chosen[i]
	}
	if len(matches) == 1 && matches[0].rank == 0 {
		if ranks := rankPattern.FindAllString(segment, -1); len(ranks) == 1 {
			matches[0].rank = rankOf(ranks[0])
		}
	}
}

func rankOf(token string) int {
	switch strings.ToLower(token) {
	case "1st", "first":
		return 1
	case "2nd", "second":
		return 2
	case "3rd", "third":
		return 3
	}
	return 0
}

func sum(matches []match) types.Money {
	if len(matches) == 0 {
		return types.Money{}
	}
	total := new(uint256.Int)
	for _, m := range matches {
		total.Add(total, m.money.Amount)
	}
	return types.Money{Amount: total, Currency: matches[0].money.Currency}
}

func amounts(matches []match) []types.Money {
	out := make([]types.Money, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.money)
	}
	return out
}
