package payout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quizfund/core/reward"
	"quizfund/core/types"
)

func TestRankIsTotalAndDeterministic(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	input := []types.Participant{
		{UserID: "dave", CorrectCount: 2, LastCorrectAt: base.Add(3 * time.Second)},
		{UserID: "bob", CorrectCount: 3, LastCorrectAt: base.Add(5 * time.Second)},
		{UserID: "carol", CorrectCount: 2, LastCorrectAt: base.Add(3 * time.Second)},
		{UserID: "alice", CorrectCount: 3, LastCorrectAt: base.Add(4 * time.Second)},
		{UserID: "erin", CorrectCount: 0},
	}
	want := []string{"alice", "bob", "carol", "dave", "erin"}

	for i := 0; i < len(input); i++ {
		rotated := append(append([]types.Participant(nil), input[i:]...), input[:i]...)
		ranked := Rank(rotated)
		got := make([]string, len(ranked))
		for j, p := range ranked {
			got[j] = p.UserID
			require.Equal(t, j+1, p.Rank)
		}
		require.Equal(t, want, got)
	}
}

func TestWinnersByKind(t *testing.T) {
	ranked := Rank([]types.Participant{
		{UserID: "a", CorrectCount: 5},
		{UserID: "b", CorrectCount: 4},
		{UserID: "c", CorrectCount: 3},
		{UserID: "d", CorrectCount: 1},
		{UserID: "e", CorrectCount: 0},
	})
	require.Len(t, Winners(reward.KindWinnerTakesAll, ranked), 1)
	require.Len(t, Winners(reward.KindTop3, ranked), 3)
	require.Len(t, Winners(reward.KindCustom, ranked), 4)
	require.Empty(t, Winners(reward.KindTop3, Rank([]types.Participant{{UserID: "z"}})))
}

func TestPayoutsApplyFeeWithFloor(t *testing.T) {
	winners := []types.Participant{{UserID: "a", CorrectCount: 2, Rank: 1}, {UserID: "b", CorrectCount: 1, Rank: 2}, {UserID: "c", CorrectCount: 1, Rank: 3}}

	schedule, err := reward.Parse("5 NEAR for 1st, 3 NEAR for 2nd, 1 NEAR for 3rd", reward.KindTop3)
	require.NoError(t, err)
	amounts, currency, fallback, err := Payouts(schedule, winners, 200, [3]uint32{5000, 3000, 2000})
	require.NoError(t, err)
	require.False(t, fallback)
	require.Equal(t, "NEAR", currency)
	require.Equal(t, "4900000000000000000000000", amounts[0].Dec())
	require.Equal(t, "2940000000000000000000000", amounts[1].Dec())
	require.Equal(t, "980000000000000000000000", amounts[2].Dec())

	// 10 yocto split three ways is 3 each, and the 2% fee floors 3 to 2.
	custom := reward.Custom{Total: types.Money{Amount: mustInt(t, "10"), Currency: "NEAR"}}
	amounts, _, _, err = Payouts(custom, winners, 200, [3]uint32{5000, 3000, 2000})
	require.NoError(t, err)
	for _, a := range amounts {
		require.Equal(t, "2", a.Dec())
	}

	_, _, _, err = Payouts(reward.Manual{Text: "a trophy"}, winners, 200, [3]uint32{5000, 3000, 2000})
	require.ErrorIs(t, err, reward.ErrNoAmount)
}
