package quizd

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"quizfund/core/types"
)

// TransferSource loads transfer results for an audit window.
type TransferSource interface {
	TransfersBetween(ctx context.Context, from, to time.Time) ([]types.TransferResult, error)
}

// Exporter writes transfer audit files.
type Exporter struct {
	source TransferSource
	logger *slog.Logger
}

// NewExporter constructs an exporter reading from source.
func NewExporter(source TransferSource, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{source: source, logger: logger.With(slog.String("component", "export"))}
}

// Export writes transfers created in [from, to) to a CSV and a Parquet file in dir
// and returns both paths.
func (e *Exporter) Export(ctx context.Context, from, to time.Time, dir string) (string, string, error) {
	if !to.After(from) {
		return "", "", fmt.Errorf("export: window end must be after start")
	}
	rows, err := e.source.TransfersBetween(ctx, from, to)
	if err != nil {
		return "", "", fmt.Errorf("export: load transfers: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("export: create dir: %w", err)
	}
	base := fmt.Sprintf("transfers_%s_%s", from.UTC().Format("20060102T150405"), to.UTC().Format("20060102T150405"))
	csvPath := filepath.Join(dir, base+".csv")
	parquetPath := filepath.Join(dir, base+".parquet")
	if err := writeCSV(csvPath, rows); err != nil {
		return "", "", err
	}
	if err := writeParquet(parquetPath, rows); err != nil {
		return "", "", err
	}
	e.logger.Info("transfer audit exported",
		slog.String("csv", csvPath),
		slog.String("parquet", parquetPath),
		slog.Int("rows", len(rows)))
	return csvPath, parquetPath, nil
}

var csvHeader = []string{
	"quiz_id", "user_id", "recipient", "rank", "amount", "amount_units", "currency",
	"success", "tx_hash", "reason", "created_at",
}

func writeCSV(path string, rows []types.TransferResult) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("export: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.QuizID.String(),
			row.UserID,
			row.Recipient,
			strconv.Itoa(row.Rank),
			amountText(row),
			unitsText(row),
			row.Currency,
			strconv.FormatBool(row.Success),
			row.TxHash,
			row.Reason,
			row.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("export: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("export: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	QuizID      string  `parquet:"name=quiz_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	UserID      string  `parquet:"name=user_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Recipient   string  `parquet:"name=recipient, type=BYTE_ARRAY, convertedtype=UTF8"`
	Rank        int32   `parquet:"name=rank, type=INT32"`
	Amount      string  `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	AmountUnits float64 `parquet:"name=amount_units, type=DOUBLE"`
	Currency    string  `parquet:"name=currency, type=BYTE_ARRAY, convertedtype=UTF8"`
	Success     bool    `parquet:"name=success, type=BOOLEAN"`
	TxHash      string  `parquet:"name=tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	Reason      string  `parquet:"name=reason, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt   string  `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []types.TransferResult) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("export: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		units, _ := unitsDecimal(row).Float64()
		pr := &parquetRow{
			QuizID:      row.QuizID.String(),
			UserID:      row.UserID,
			Recipient:   row.Recipient,
			Rank:        int32(row.Rank),
			Amount:      amountText(row),
			AmountUnits: units,
			Currency:    row.Currency,
			Success:     row.Success,
			TxHash:      row.TxHash,
			Reason:      row.Reason,
			CreatedAt:   row.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("export: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("export: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("export: close parquet file: %w", err)
	}
	return nil
}

// amountText is the exact smallest-unit amount.
func amountText(row types.TransferResult) string {
	if row.Amount == nil {
		return "0"
	}
	return row.Amount.Dec()
}

// unitsText renders the amount in whole currency units.
func unitsText(row types.TransferResult) string {
	return unitsDecimal(row).String()
}

func unitsDecimal(row types.TransferResult) decimal.Decimal {
	cur, ok := types.LookupCurrency(row.Currency)
	if !ok || row.Amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(row.Amount.ToBig(), -cur.Decimals)
}
