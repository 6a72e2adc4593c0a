package types

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func yocto(t *testing.T, near string) *uint256.Int {
	t.Helper()
	v, err := ParseAmount(near, NEAR)
	require.NoError(t, err)
	return v
}

func TestParseAmount(t *testing.T) {
	require.Equal(t, "1000000000000000000000000", yocto(t, "1").Dec())
	require.Equal(t, "1250500000000000000000000000", yocto(t, "1,250.5").Dec())
	require.Equal(t, "1", yocto(t, "0.000000000000000000000001").Dec())

	_, err := ParseAmount("0.0000000000000000000000001", NEAR)
	require.ErrorIs(t, err, ErrFractionalUnit)
	_, err = ParseAmount("-1", NEAR)
	require.ErrorIs(t, err, ErrNegativeAmount)
	_, err = ParseAmount("abc", NEAR)
	require.Error(t, err)
}

func TestFeeArithmeticIsExact(t *testing.T) {
	amount := yocto(t, "10")
	required, err := WithFee(amount, 200)
	require.NoError(t, err)
	require.Equal(t, yocto(t, "10.2").Dec(), required.Dec())

	payout, err := AfterFee(amount, 200)
	require.NoError(t, err)
	require.Equal(t, yocto(t, "9.8").Dec(), payout.Dec())

	odd := uint256.NewInt(101)
	up, err := WithFee(odd, 200)
	require.NoError(t, err)
	require.EqualValues(t, 104, up.Uint64(), "103.02 rounds up")
	down, err := AfterFee(odd, 200)
	require.NoError(t, err)
	require.EqualValues(t, 98, down.Uint64(), "98.98 rounds down")
}

func TestTolerance(t *testing.T) {
	floor := yocto(t, "0.0001")
	small, err := Tolerance(yocto(t, "1"), 1, floor)
	require.NoError(t, err)
	require.Equal(t, floor.Dec(), small.Dec())

	large, err := Tolerance(yocto(t, "10000"), 1, floor)
	require.NoError(t, err)
	require.Equal(t, yocto(t, "1").Dec(), large.Dec())
}

func TestFormatAmount(t *testing.T) {
	require.Equal(t, "9.8", FormatAmount(yocto(t, "9.8"), NEAR))
	require.Equal(t, "0", FormatAmount(nil, NEAR))
	require.Equal(t, "9.8 NEAR", Money{Amount: yocto(t, "9.8"), Currency: "near"}.String())
}

func TestStatusAdvancesOneStepForward(t *testing.T) {
	require.True(t, QuizDraft.CanAdvanceTo(QuizFunding))
	require.True(t, QuizFunding.CanAdvanceTo(QuizActive))
	require.True(t, QuizActive.CanAdvanceTo(QuizClosed))
	require.False(t, QuizActive.CanAdvanceTo(QuizFunding))
	require.False(t, QuizDraft.CanAdvanceTo(QuizActive))
	require.False(t, QuizClosed.CanAdvanceTo(QuizClosed))
	require.False(t, QuizStatus("Bogus").CanAdvanceTo(QuizDraft))
}
