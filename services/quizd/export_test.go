package quizd

import (
	"context"
	"encoding/csv"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"quizfund/core/types"
)

type sliceSource []types.TransferResult

func (s sliceSource) TransfersBetween(_ context.Context, from, to time.Time) ([]types.TransferResult, error) {
	var out []types.TransferResult
	for _, r := range s {
		if !r.CreatedAt.Before(from) && r.CreatedAt.Before(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestExportWritesCSVAndParquet(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	quizID := uuid.New()
	amount, err := types.ParseAmount("4.9", types.NEAR)
	require.NoError(t, err)
	source := sliceSource{
		{QuizID: quizID, UserID: "alice", Recipient: "amber1a2b3c.quizfund.testnet", Rank: 1, Amount: amount, Currency: "NEAR", TxHash: "tx-1", Success: true, CreatedAt: base},
		{QuizID: quizID, UserID: "bob", Rank: 2, Amount: uint256.NewInt(0), Currency: "NEAR", Reason: "wallet unverified", CreatedAt: base.Add(time.Minute)},
		{QuizID: quizID, UserID: "late", Rank: 3, Amount: uint256.NewInt(1), Currency: "NEAR", CreatedAt: base.Add(48 * time.Hour)},
	}

	dir := t.TempDir()
	csvPath, parquetPath, err := NewExporter(source, nil).Export(context.Background(), base, base.Add(24*time.Hour), dir)
	require.NoError(t, err)

	file, err := os.Open(csvPath)
	require.NoError(t, err)
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, csvHeader, records[0])
	require.Equal(t, []string{
		quizID.String(), "alice", "amber1a2b3c.quizfund.testnet", "1", "4900000000000000000000000", "4.9", "NEAR",
		"true", "tx-1", "", "2026-05-01T12:00:00Z",
	}, records[1])
	require.Equal(t, "false", records[2][7])
	require.Equal(t, "wallet unverified", records[2][9])

	info, err := os.Stat(parquetPath)
	require.NoError(t, err)
	require.Positive(t, info.Size())
}

func TestExportRejectsEmptyWindow(t *testing.T) {
	now := time.Now()
	_, _, err := NewExporter(sliceSource{}, nil).Export(context.Background(), now, now, t.TempDir())
	require.Error(t, err)
}
