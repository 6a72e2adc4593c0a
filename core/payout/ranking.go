package payout

import (
	"fmt"
	"sort"

	"github.com/holiman/uint256"

	"quizfund/core/reward"
	"quizfund/core/types"
)

// Rank orders participants by correct answers, most first. Ties go to the
// participant who reached their score earliest, then to the lower user id, so the
// order is total and reproducible. Ranks are assigned 1..n on a copy.
func Rank(participants []types.Participant) []types.Participant {
	ranked := append([]types.Participant(nil), participants...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.CorrectCount != b.CorrectCount {
			return a.CorrectCount > b.CorrectCount
		}
		if !a.LastCorrectAt.Equal(b.LastCorrectAt) {
			return a.LastCorrectAt.Before(b.LastCorrectAt)
		}
		return a.UserID < b.UserID
	})
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked
}

// Winners selects the paid participants from a ranked list. Participants without a
// correct answer never win.
func Winners(kind reward.Kind, ranked []types.Participant) []types.Participant {
	eligible := make([]types.Participant, 0, len(ranked))
	for _, p := range ranked {
		if p.CorrectCount > 0 {
			eligible = append(eligible, p)
		}
	}
	limit := len(eligible)
	switch kind {
	case reward.KindWinnerTakesAll:
		limit = 1
	case reward.KindTop3:
		limit = 3
	}
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}
	return eligible
}

// Payouts returns the net amount for each winner, in winner order, after the
// platform fee. fallback reports that a Top3 schedule had no rank tags and was
// split proportionally.
func Payouts(schedule reward.Schedule, winners []types.Participant, feeBPS uint32, top3Split [3]uint32) (amounts []*uint256.Int, currency string, fallback bool, err error) {
	if len(winners) == 0 {
		return nil, "", false, nil
	}
	total, err := schedule.RequiredAmount()
	if err != nil {
		return nil, total.Currency, false, err
	}
	gross := make([]*uint256.Int, len(winners))
	switch s := schedule.(type) {
	case reward.WinnerTakesAll:
		gross[0] = new(uint256.Int).Set(total.Amount)
	case reward.Top3:
		var ranks [3]*uint256.Int
		ranks, fallback, err = s.RankAmounts(top3Split)
		if err != nil {
			return nil, total.Currency, fallback, err
		}
		for i := range winners {
			gross[i] = ranks[i]
		}
	case reward.Custom, reward.Manual:
		share := new(uint256.Int).Div(total.Amount, uint256.NewInt(uint64(len(winners))))
		for i := range winners {
			gross[i] = new(uint256.Int).Set(share)
		}
	default:
		return nil, total.Currency, false, fmt.Errorf("%w: %T", reward.ErrUnknownKind, schedule)
	}
	amounts = make([]*uint256.Int, len(winners))
	for i, g := range gross {
		if amounts[i], err = types.AfterFee(g, feeBPS); err != nil {
			return nil, total.Currency, fallback, err
		}
	}
	return amounts, total.Currency, fallback, nil
}
