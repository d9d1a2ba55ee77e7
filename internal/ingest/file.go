package ingest

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codremit/codremit/internal/domain"
	"github.com/codremit/codremit/internal/recon"
)

// ColumnMapping names the carrier file's columns for each canonical field.
// Carriers disagree on layout; the mapping is configured per carrier.
// Status is optional: when empty, every row is treated as a collection.
type ColumnMapping struct {
	AWB       string `json:"awb"`
	Amount    string `json:"amount"`
	Timestamp string `json:"timestamp"`
	Status    string `json:"status,omitempty"`
}

// RowResult is the per-row outcome of a bulk file run.
type RowResult struct {
	Line    int    `json:"line"`
	AWB     string `json:"awb,omitempty"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// FileSummary aggregates a bulk file run.
type FileSummary struct {
	Total     int         `json:"total"`
	Applied   int         `json:"applied"`
	Skipped   int         `json:"skipped"`
	Failed    int         `json:"failed"`
	Rows      []RowResult `json:"rows"`
	StartedAt time.Time   `json:"startedAt"`
	Duration  string      `json:"duration"`
}

// FileProcessor ingests carrier settlement files. Rows are applied with a
// bounded parallel fan-out; one bad row never aborts the file.
type FileProcessor struct {
	engine       *recon.Engine
	workers      int
	recheckDelay time.Duration
}

// NewFileProcessor creates a bulk file processor.
func NewFileProcessor(engine *recon.Engine, cfg domain.IngestConfig) *FileProcessor {
	workers := cfg.FileWorkers
	if workers <= 0 {
		workers = 16
	}
	recheck := cfg.LookupRecheck
	if recheck <= 0 {
		recheck = 10 * time.Minute
	}
	return &FileProcessor{
		engine:       engine,
		workers:      workers,
		recheckDelay: recheck,
	}
}

// Process reads a CSV settlement file and applies every row. The returned
// summary carries a per-row outcome; only a header-level problem fails the
// whole file.
func (p *FileProcessor) Process(ctx context.Context, r io.Reader, carrierID string, mapping ColumnMapping) (*FileSummary, error) {
	started := time.Now()

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read header: %v", domain.ErrValidation, err)
	}

	cols, err := resolveColumns(header, mapping)
	if err != nil {
		return nil, err
	}

	var records [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A malformed line is a row-level failure, not a file abort.
			records = append(records, nil)
			continue
		}
		records = append(records, record)
	}

	summary := &FileSummary{
		Total:     len(records),
		Rows:      make([]RowResult, len(records)),
		StartedAt: started,
	}

	// Bounded fan-out: thousands of rows, a fixed worker cap. The
	// semaphore is taken before the goroutine spawns, so at most
	// p.workers goroutines exist at a time.
	var wg sync.WaitGroup
	sem := make(chan struct{}, p.workers)

	for i, record := range records {
		sem <- struct{}{}
		wg.Add(1)
		go func(idx int, rec []string) {
			defer wg.Done()
			defer func() { <-sem }()

			summary.Rows[idx] = p.processRow(ctx, idx+2, rec, carrierID, cols)
		}(i, record)
	}
	wg.Wait()

	for _, row := range summary.Rows {
		switch {
		case row.Error != "":
			summary.Failed++
		case row.Outcome == "skipped":
			summary.Skipped++
		default:
			summary.Applied++
		}
	}

	summary.Duration = time.Since(started).String()
	slog.Info("settlement file processed",
		"carrier", carrierID,
		"total", summary.Total,
		"applied", summary.Applied,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"duration", summary.Duration,
	)
	return summary, nil
}

type columnIndexes struct {
	awb       int
	amount    int
	timestamp int
	status    int // -1 when unmapped
}

func resolveColumns(header []string, mapping ColumnMapping) (columnIndexes, error) {
	if mapping.AWB == "" || mapping.Amount == "" || mapping.Timestamp == "" {
		return columnIndexes{}, fmt.Errorf("%w: awb, amount and timestamp column mappings are required", domain.ErrValidation)
	}

	find := func(name string) int {
		for i, h := range header {
			if strings.EqualFold(strings.TrimSpace(h), name) {
				return i
			}
		}
		return -1
	}

	cols := columnIndexes{
		awb:       find(mapping.AWB),
		amount:    find(mapping.Amount),
		timestamp: find(mapping.Timestamp),
		status:    -1,
	}
	if mapping.Status != "" {
		cols.status = find(mapping.Status)
	}

	if cols.awb < 0 || cols.amount < 0 || cols.timestamp < 0 {
		return columnIndexes{}, fmt.Errorf("%w: file header missing mapped columns", domain.ErrValidation)
	}
	return cols, nil
}

func (p *FileProcessor) processRow(ctx context.Context, line int, record []string, carrierID string, cols columnIndexes) RowResult {
	if record == nil {
		return RowResult{Line: line, Outcome: "failed", Error: "malformed csv line"}
	}

	max := cols.awb
	if cols.amount > max {
		max = cols.amount
	}
	if cols.timestamp > max {
		max = cols.timestamp
	}
	if len(record) <= max {
		return RowResult{Line: line, Outcome: "failed", Error: "row has too few columns"}
	}

	awb := strings.TrimSpace(record[cols.awb])
	if awb == "" {
		return RowResult{Line: line, Outcome: "failed", Error: "empty awb"}
	}

	if cols.status >= 0 && cols.status < len(record) {
		if !deliveredStatus(record[cols.status]) {
			return RowResult{Line: line, AWB: awb, Outcome: "skipped"}
		}
	}

	amount, err := parsePaise(record[cols.amount])
	if err != nil {
		return RowResult{Line: line, AWB: awb, Outcome: "failed", Error: err.Error()}
	}

	reportedAt, err := parseTimestamp(record[cols.timestamp])
	if err != nil {
		return RowResult{Line: line, AWB: awb, Outcome: "failed", Error: err.Error()}
	}

	report := &domain.CollectionReport{
		AWB:            awb,
		CarrierID:      carrierID,
		ReportedAmount: amount,
		ReportedAt:     reportedAt,
		Source:         domain.SourceFile,
	}

	result, err := p.engine.Apply(ctx, report, p.recheckDelay)
	if err != nil {
		return RowResult{Line: line, AWB: awb, Outcome: "failed", Error: err.Error()}
	}

	return RowResult{Line: line, AWB: awb, Outcome: string(result.Outcome)}
}

// parsePaise converts a decimal rupee string ("1300", "1300.5", "1300.50")
// to integer paise without going through floating point.
func parsePaise(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	whole := s
	frac := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if len(frac) > 2 {
		frac = frac[:2]
	}
	for len(frac) < 2 {
		frac += "0"
	}
	if whole == "" {
		whole = "0"
	}

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad amount %q", s)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad amount %q", s)
	}

	paise := w*100 + f
	if neg {
		paise = -paise
	}
	return paise, nil
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02/01/2006 15:04",
	"02/01/2006",
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("bad timestamp %q", s)
}
