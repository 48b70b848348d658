package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/seclab/vulnreview/constants"
	"github.com/seclab/vulnreview/internal/entity"
	"github.com/seclab/vulnreview/internal/stream"
)

// Service produces XLSX bytes from resolved output collections.
type Service struct {
	kind   constants.RunKind
	logger *slog.Logger
}

func NewService(kind constants.RunKind, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{kind: kind, logger: logger}
}

// ExportResultsXLSX returns an XLSX workbook (as bytes) covering the
// given output files, one row per resolved item.
func (s *Service) ExportResultsXLSX(ctx context.Context, outputFiles []string) ([]byte, error) {
	start := time.Now()

	f := excelize.NewFile()
	const sheet = "Judgments"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		_, err := f.NewSheet(sheet)
		if err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)

	headers := []string{
		"Source File",
		"Item ID",
		"Sub ID",
		"Code ID",
		"Function ID",
		"Label",
		"Judgment",
		"Review Stage",
		"Review Reason",
		"Decided At",
		"Response Excerpt",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	row := 2
	for _, path := range outputFiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := s.appendFile(f, sheet, path, &row)
		if err != nil {
			return nil, err
		}
		s.logger.Info("export.file.ok", "path", path, "rows", n)
	}

	// Widen a few columns
	_ = f.SetColWidth(sheet, "A", "A", 36) // source file
	_ = f.SetColWidth(sheet, "B", "D", 10) // ids
	_ = f.SetColWidth(sheet, "E", "E", 28) // function id
	_ = f.SetColWidth(sheet, "G", "G", 16) // judgment
	_ = f.SetColWidth(sheet, "I", "I", 12) // reason
	_ = f.SetColWidth(sheet, "J", "J", 22) // decided at
	_ = f.SetColWidth(sheet, "K", "K", 60) // excerpt

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"files", len(outputFiles),
		"rows", row-2,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func (s *Service) appendFile(f *excelize.File, sheet, path string, row *int) (int, error) {
	r, err := stream.NewReader(path, constants.MalformedHalt, s.logger)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	count := 0
	for {
		item, _, err := r.Next()
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("read %s: %w", path, err)
		}

		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, *row)
			_ = f.SetCellValue(sheet, cell, v)
		}

		label, judgment := labelCells(s.kind, item)
		decidedAt := ""
		if item.DecidedAt != nil {
			decidedAt = item.DecidedAt.UTC().Format(time.RFC3339)
		}

		write(1, path)
		write(2, item.ID)
		write(3, item.SubID)
		write(4, item.CodeID)
		write(5, item.FunctionID)
		write(6, label)
		write(7, judgment)
		write(8, item.ReviewStage)
		write(9, string(item.ReviewReason))
		write(10, decidedAt)
		write(11, truncate(item.ResponseText, 140))

		*row++
		count++
	}
}

// labelCells resolves the numeric label and its human reading for the
// run kind; unresolved items render both as empty.
func labelCells(kind constants.RunKind, item *entity.Item) (any, string) {
	var v *int
	if kind == constants.KindFunction {
		v = item.FunctionLabel
	} else {
		v = item.RelevanceLabel
	}
	if v == nil {
		return "", ""
	}
	return *v, constants.Label(*v).Describe()
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
