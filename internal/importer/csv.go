// Package importer bulk-loads dispense records from CSV. Rows are applied in
// batches on a worker pool; each batch runs under its own deadline and a
// failed row or batch is reported, never retried.
package importer

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-medintake/internal/dispense"
	"github.com/drfirst/go-medintake/internal/domain/intake"
	"github.com/drfirst/go-medintake/pkg/workerpool"
)

// Required and optional CSV columns.
const (
	colItem     = "prescription_item_id"
	colQuantity = "dispensed_quantity"
	colDate     = "dispatch_date"
	colTime     = "dispatch_time"
)

// Row results, also used as metric labels.
const (
	resultScheduled    = "scheduled"
	resultRecalculated = "recalculated"
	resultUnchanged    = "unchanged"
	resultDuplicate    = "duplicate"
	resultError        = "error"
)

const defaultBatchTimeout = 30 * time.Second

var errBatchTimeout = errors.New("batch deadline exceeded before row was applied")

// Applier records one dispense event once per message id.
// *dispense.Processor satisfies it.
type Applier interface {
	Apply(ctx context.Context, messageID string, ev intake.DispenseEvent) (*dispense.Result, error)
}

// Recorder receives import metrics.
type Recorder interface {
	RowProcessed(result string)
	BatchCompleted(d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RowProcessed(string)          {}
func (nopRecorder) BatchCompleted(time.Duration) {}

type Config struct {
	BatchSize    int
	BatchTimeout time.Duration
	Workers      int
}

// RowError describes a row that was not applied. Line is the 1-based line
// number in the input, counting the header.
type RowError struct {
	Line   int    `json:"line"`
	ItemID string `json:"prescription_item_id,omitempty"`
	Error  string `json:"error"`
}

// Report summarizes an import.
type Report struct {
	Rows         int        `json:"rows"`
	Scheduled    int        `json:"scheduled"`
	Recalculated int        `json:"recalculated"`
	Unchanged    int        `json:"unchanged"`
	Duplicates   int        `json:"duplicates"`
	Failed       int        `json:"failed"`
	Batches      int        `json:"batches"`
	Errors       []RowError `json:"errors"`
}

type Importer struct {
	applier  Applier
	cfg      Config
	recorder Recorder
	logger   *zap.Logger
}

// New creates an importer. recorder may be nil.
func New(applier Applier, cfg Config, recorder Recorder, logger *zap.Logger) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaultBatchTimeout
	}
	return &Importer{applier: applier, cfg: cfg, recorder: recorder, logger: logger}
}

type row struct {
	line int
	// id names the row by file content and line, so re-running the same
	// file is deduplicated while an edited file is applied.
	id string
	ev intake.DispenseEvent
}

type rowOutcome struct {
	line   int
	itemID string
	result string
	err    error
}

// Import reads every row from r and applies them. It fails only when the
// input cannot be read as CSV with the expected header; row and batch
// failures are reported.
func (im *Importer) Import(ctx context.Context, r io.Reader) (*Report, error) {
	digest := sha256.New()
	rows, rowErrs, err := parse(io.TeeReader(r, digest))
	if err != nil {
		return nil, err
	}
	source := hex.EncodeToString(digest.Sum(nil))
	for i := range rows {
		rows[i].id = fmt.Sprintf("csv:%s:%d", source, rows[i].line)
	}

	report := &Report{Rows: len(rows) + len(rowErrs), Errors: rowErrs}
	report.Failed = len(rowErrs)
	for range rowErrs {
		im.recorder.RowProcessed(resultError)
	}

	batches := chunk(rows, im.cfg.BatchSize)
	report.Batches = len(batches)
	if len(batches) > 0 {
		if err := im.run(ctx, batches, report); err != nil {
			return report, err
		}
	}

	sort.Slice(report.Errors, func(i, j int) bool { return report.Errors[i].Line < report.Errors[j].Line })
	im.logger.Info("import finished",
		zap.Int("rows", report.Rows),
		zap.Int("batches", report.Batches),
		zap.Int("scheduled", report.Scheduled),
		zap.Int("recalculated", report.Recalculated),
		zap.Int("unchanged", report.Unchanged),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("failed", report.Failed))
	return report, nil
}

func (im *Importer) run(ctx context.Context, batches [][]row, report *Report) error {
	pool, err := workerpool.New(ctx, poolConfig(im.cfg), im.applyBatch, im.logger)
	if err != nil {
		return err
	}
	pool.Start()

	var (
		mu   sync.Mutex
		done = make(chan struct{})
	)
	go func() {
		defer close(done)
		for res := range pool.Results() {
			im.recorder.BatchCompleted(res.Duration)
			outcomes, _ := res.Data.([]rowOutcome)
			if res.Error != nil && outcomes == nil {
				// The batch never started.
				idx, _ := strconv.Atoi(res.TaskID)
				outcomes = failAll(batches[idx], res.Error)
			}
			mu.Lock()
			for _, o := range outcomes {
				im.tally(report, o)
			}
			mu.Unlock()
		}
	}()

	var submitErr error
	for i, b := range batches {
		if err := pool.Submit(ctx, &workerpool.Task{ID: strconv.Itoa(i), Payload: b}); err != nil {
			submitErr = fmt.Errorf("submit batch %d: %w", i, err)
			mu.Lock()
			for _, rest := range batches[i:] {
				for _, o := range failAll(rest, err) {
					im.tally(report, o)
				}
			}
			mu.Unlock()
			break
		}
	}

	stopErr := pool.Stop()
	<-done
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("import interrupted: %w", err)
	}
	if submitErr != nil {
		return submitErr
	}
	return stopErr
}

func (im *Importer) applyBatch(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	batch := task.Payload.([]row)
	outcomes := make([]rowOutcome, 0, len(batch))

	for i, r := range batch {
		if ctx.Err() != nil {
			outcomes = append(outcomes, failAll(batch[i:], errBatchTimeout)...)
			im.logger.Warn("import batch abandoned",
				zap.String("batch", task.ID),
				zap.Int("remaining", len(batch)-i),
				zap.Error(ctx.Err()))
			return &workerpool.Result{TaskID: task.ID, Data: outcomes, Error: ctx.Err()}
		}

		o := rowOutcome{line: r.line, itemID: r.ev.ItemID.String()}
		res, err := im.applier.Apply(ctx, r.id, r.ev)
		switch {
		case err != nil:
			o.result, o.err = resultError, err
		case res.Duplicate:
			o.result = resultDuplicate
		default:
			o.result = string(res.Outcome.Action)
		}
		outcomes = append(outcomes, o)
	}
	return &workerpool.Result{TaskID: task.ID, Data: outcomes}
}

func (im *Importer) tally(report *Report, o rowOutcome) {
	im.recorder.RowProcessed(o.result)
	switch o.result {
	case resultScheduled:
		report.Scheduled++
	case resultRecalculated:
		report.Recalculated++
	case resultUnchanged:
		report.Unchanged++
	case resultDuplicate:
		report.Duplicates++
	default:
		report.Failed++
		report.Errors = append(report.Errors, RowError{Line: o.line, ItemID: o.itemID, Error: o.err.Error()})
	}
}

// poolConfig sizes the shutdown wait to cover every batch that can be
// queued or running when Stop is called, so only BatchTimeout ever cuts a
// batch short.
func poolConfig(cfg Config) workerpool.Config {
	queue := cfg.Workers * 2
	return workerpool.Config{
		Workers:                 cfg.Workers,
		QueueSize:               queue,
		TaskTimeout:             cfg.BatchTimeout,
		GracefulShutdownTimeout: time.Duration(queue/cfg.Workers+2) * cfg.BatchTimeout,
	}
}

func failAll(batch []row, err error) []rowOutcome {
	out := make([]rowOutcome, len(batch))
	for i, r := range batch {
		out[i] = rowOutcome{line: r.line, itemID: r.ev.ItemID.String(), result: resultError, err: err}
	}
	return out
}

func chunk(rows []row, size int) [][]row {
	var out [][]row
	for len(rows) > 0 {
		n := size
		if n > len(rows) {
			n = len(rows)
		}
		out = append(out, rows[:n])
		rows = rows[n:]
	}
	return out
}

// parse reads the header and converts each record. Records that do not
// convert become RowErrors.
func parse(r io.Reader) ([]row, []RowError, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, errors.New("csv input is empty")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read csv header: %w", err)
	}

	cols := map[string]int{}
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{colItem, colQuantity, colDate} {
		if _, ok := cols[required]; !ok {
			return nil, nil, fmt.Errorf("csv header is missing column %q", required)
		}
	}

	var (
		rows []row
		errs []RowError
	)
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				errs = append(errs, RowError{Line: line, Error: perr.Err.Error()})
				continue
			}
			return nil, nil, fmt.Errorf("read csv: %w", err)
		}

		field := func(name string) string {
			i, ok := cols[name]
			if !ok || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}

		rawID := field(colItem)
		id, err := uuid.Parse(rawID)
		if err != nil {
			errs = append(errs, RowError{Line: line, ItemID: rawID, Error: "invalid prescription_item_id"})
			continue
		}
		qty, err := strconv.Atoi(field(colQuantity))
		if err != nil {
			errs = append(errs, RowError{Line: line, ItemID: rawID, Error: "invalid dispensed_quantity"})
			continue
		}
		rows = append(rows, row{line: line, ev: intake.DispenseEvent{
			ItemID:            id,
			DispensedQuantity: qty,
			DispatchDate:      field(colDate),
			DispatchTime:      field(colTime),
		}})
	}
	return rows, errs, nil
}
