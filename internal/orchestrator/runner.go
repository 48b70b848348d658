// Package orchestrator drives the per-item processing loop and exposes
// the control surface (current item, decisions, progress, start/stop)
// that the review frontend consumes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seclab/vulnreview/constants"
	"github.com/seclab/vulnreview/internal/audit"
	"github.com/seclab/vulnreview/internal/checkpoint"
	"github.com/seclab/vulnreview/internal/common"
	"github.com/seclab/vulnreview/internal/entity"
	"github.com/seclab/vulnreview/internal/estimate"
	"github.com/seclab/vulnreview/internal/infer"
	"github.com/seclab/vulnreview/internal/parse"
	"github.com/seclab/vulnreview/internal/review"
	"github.com/seclab/vulnreview/internal/stream"
)

// Runner processes the files of one run set in order, one item at a
// time. The loop runs on a background goroutine; all control methods
// are safe to call concurrently with it. The only suspension point is
// awaiting a human decision for an item in review.
type Runner struct {
	rs      *common.RunSet
	store   *checkpoint.Store
	parser  *parse.Parser
	arb     *review.Arbitrator
	inferer infer.Inferer
	est     *estimate.Estimator
	auditor *audit.Store // optional
	logger  *slog.Logger

	mu            sync.Mutex
	running       bool
	stopRequested bool
	current       *entity.Item
	decisionCh    chan entity.Decision
	runID         string
	runErr        error
	done          chan struct{}

	fileDone  int
	fileTotal int
	batchDone int
	batchSize int
}

type Option func(*Runner)

// WithAudit enables the sqlite decision log.
func WithAudit(st *audit.Store) Option {
	return func(r *Runner) { r.auditor = st }
}

func NewRunner(rs *common.RunSet, store *checkpoint.Store, parser *parse.Parser, arb *review.Arbitrator, inferer infer.Inferer, est *estimate.Estimator, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		rs:      rs,
		store:   store,
		parser:  parser,
		arb:     arb,
		inferer: inferer,
		est:     est,
		logger:  logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start launches the processing loop. Calling Start while a loop is
// already running is a no-op.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		r.logger.Info("run.already_processing")
		return
	}
	r.running = true
	r.stopRequested = false
	r.runErr = nil
	r.runID = uuid.New().String()
	r.decisionCh = make(chan entity.Decision, 1)
	r.done = make(chan struct{})
	r.logger.Info("run.start",
		"run_id", r.runID,
		"model", r.rs.Model,
		"kind", string(r.rs.Kind),
		"policy", string(r.rs.Policy),
		"files", len(r.rs.InputFiles),
	)
	go r.run(ctx)
}

// Stop requests a cooperative stop. It is honored at the next item
// boundary; an in-flight human review is not aborted.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		r.logger.Info("run.stop_ignored", "reason", "not processing")
		return
	}
	r.stopRequested = true
	r.logger.Info("run.stop_requested")
}

// Done is closed when the current processing loop exits.
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Err reports the fatal error that halted the last run, if any.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runErr
}

// CurrentItem returns a snapshot of the item currently awaiting a
// review decision, or nil.
func (r *Runner) CurrentItem() *entity.Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	cp := *r.current
	return &cp
}

// Progress reports file and batch completion percentages. Both are
// count ratios; durations feed only the time estimate.
func (r *Runner) Progress() entity.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return entity.Progress{
		FileProgress:  estimate.Percent(r.fileDone, r.fileTotal),
		TotalProgress: estimate.Percent(r.batchDone, r.batchSize),
		IsProcessing:  r.running,
	}
}

// SubmitDecision validates a human decision against the pending item
// and hands it to the loop. A decision that does not match the pending
// item's key or stage, or whose value is outside the label domain, is
// rejected without mutating any state.
func (r *Runner) SubmitDecision(ctx context.Context, key entity.ItemKey, value int) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return common.NewAppError("REVIEW_ERROR", "no processing run is active", common.ErrDecisionRejected)
	}
	if r.current == nil || !r.current.Pending {
		r.mu.Unlock()
		return common.NewAppError("REVIEW_ERROR", "no item is awaiting review", common.ErrDecisionRejected)
	}
	if r.current.ItemKey != key {
		r.mu.Unlock()
		return common.NewAppError("REVIEW_ERROR",
			fmt.Sprintf("decision key (%s) does not match pending item (%s)", key.String(), r.current.ItemKey.String()),
			common.ErrDecisionRejected)
	}
	if !constants.ValidLabel(r.rs.Kind, value) {
		r.mu.Unlock()
		return common.NewAppError("REVIEW_ERROR",
			fmt.Sprintf("decision value %d is outside the %s label domain", value, r.rs.Kind),
			common.ErrDecisionRejected)
	}
	d := entity.Decision{Key: key, Stage: r.current.ReviewStage, Value: value}
	select {
	case r.decisionCh <- d:
	default:
		r.mu.Unlock()
		return common.NewAppError("REVIEW_ERROR", "a decision for this item is already being applied", common.ErrDecisionRejected)
	}
	runID := r.runID
	r.mu.Unlock()

	r.logger.Info("review.decision_submitted",
		"item", key.String(),
		"stage", d.Stage,
		"value", value,
	)
	if r.auditor != nil {
		e := audit.Entry{RunID: runID, Key: key, Stage: d.Stage, Value: value, DecidedAt: time.Now()}
		if err := r.auditor.Record(ctx, e); err != nil {
			r.logger.Error("audit.record_failed", "item", key.String(), "error", err)
		}
	}
	return nil
}

// run is the processing loop. It owns every mutation of items, output
// files and checkpoints.
func (r *Runner) run(ctx context.Context) {
	var runErr error
	defer func() {
		r.mu.Lock()
		r.running = false
		r.current = nil
		r.runErr = runErr
		close(r.done)
		r.mu.Unlock()
		if runErr != nil {
			r.logger.Error("run.halted", "error", runErr)
		} else {
			r.logger.Info("run.finished")
		}
	}()

	totals, err := r.countInputs()
	if err != nil {
		runErr = err
		return
	}

	for i, inputFile := range r.rs.InputFiles {
		stopped, err := r.processFile(ctx, inputFile, totals[i])
		if err != nil {
			runErr = err
			return
		}
		if stopped {
			r.logger.Info("run.stopped", "input_file", inputFile)
			return
		}
	}
}

// countInputs sizes every file of the batch up front so total progress
// can be reported from the first item on. It also primes batchDone with
// work already accounted for by existing checkpoints.
func (r *Runner) countInputs() ([]int, error) {
	totals := make([]int, len(r.rs.InputFiles))
	size, done := 0, 0
	for i, f := range r.rs.InputFiles {
		n, err := stream.RecordCount(f)
		if err != nil {
			return nil, common.WrapError(err, "size input collection")
		}
		totals[i] = n
		size += n
		if cp, ok, err := r.store.Load(entity.RunIdentity{Model: r.rs.Model, InputFile: f}); err != nil {
			return nil, err
		} else if ok {
			done += cp.ProcessedCount + cp.SkippedCount
		}
	}
	r.mu.Lock()
	r.batchSize = size
	r.batchDone = done
	r.mu.Unlock()
	return totals, nil
}

func (r *Runner) outputPath(inputFile string) string {
	return filepath.Join(r.rs.OutputDir, filepath.Base(inputFile))
}

// processFile drives one input collection from its checkpoint to
// exhaustion. Returns stopped=true when a cooperative stop was honored.
func (r *Runner) processFile(ctx context.Context, inputFile string, total int) (bool, error) {
	id := entity.RunIdentity{Model: r.rs.Model, InputFile: inputFile}
	outPath := r.outputPath(inputFile)

	cp, found, err := r.store.Load(id)
	if err != nil {
		return false, err
	}
	if !found {
		cp = &entity.Checkpoint{Identity: id}
	}
	cp.TotalCount = total
	if cp.Completed && cp.ProcessedCount+cp.SkippedCount >= total {
		r.logger.Info("run.file_already_complete", "input_file", inputFile)
		return false, nil
	}
	r.est.Seed(cp.AvgItemSeconds)

	// Reconcile against the output collection. A crash between an
	// append and the checkpoint save leaves exactly one record the
	// checkpoint does not know about; that item must not be reprocessed.
	recorded, err := stream.RecordCount(outPath)
	if err != nil {
		return false, common.WrapError(err, "size output collection")
	}
	if recorded < cp.ProcessedCount {
		return false, common.NewAppError("STATE_ERROR",
			fmt.Sprintf("output %s holds %d records but checkpoint says %d were processed", outPath, recorded, cp.ProcessedCount),
			common.ErrInternal)
	}
	if recorded > cp.ProcessedCount+1 {
		return false, common.NewAppError("STATE_ERROR",
			fmt.Sprintf("output %s is %d records ahead of the checkpoint; refusing to continue", outPath, recorded-cp.ProcessedCount),
			common.ErrInternal)
	}
	orphanAppend := recorded == cp.ProcessedCount+1

	resumeFrom := 0
	if found {
		resumeFrom = cp.LastIndex + 1
	}

	reader, err := stream.NewReader(inputFile, r.rs.OnMalformed, r.logger)
	if err != nil {
		return false, err
	}
	defer reader.Close()
	if err := reader.Skip(resumeFrom); err != nil {
		return false, err
	}

	writer, err := stream.OpenWriter(outPath, r.logger)
	if err != nil {
		return false, err
	}
	defer writer.Close()

	r.mu.Lock()
	r.fileDone = cp.ProcessedCount + cp.SkippedCount
	r.fileTotal = total
	r.mu.Unlock()

	baseSkipped := cp.SkippedCount
	r.logger.Info("run.file_start",
		"input_file", inputFile,
		"output_file", outPath,
		"total", total,
		"resume_from", resumeFrom,
	)

	for {
		r.mu.Lock()
		stop := r.stopRequested
		r.mu.Unlock()
		if stop {
			return true, nil
		}

		item, idx, err := reader.Next()
		if errors.Is(err, io.EOF) {
			cp.SkippedCount = baseSkipped + reader.Skipped()
			cp.Completed = true
			if err := r.store.Save(cp); err != nil {
				return false, err
			}
			r.logger.Info("run.file_complete", "input_file", inputFile, "processed", cp.ProcessedCount, "skipped", cp.SkippedCount)
			return false, nil
		}
		if err != nil {
			return false, err
		}

		if orphanAppend {
			// This item was durably appended just before the crash;
			// only the checkpoint is behind. Catch it up.
			orphanAppend = false
			r.logger.Warn("run.orphan_append_reconciled", "item", item.ItemKey.String(), "index", idx)
			cp.SkippedCount = baseSkipped + reader.Skipped()
			if err := r.store.Advance(cp, idx, r.est.Avg(), nil); err != nil {
				return false, err
			}
			r.bumpProgress(cp)
			continue
		}

		if err := r.processItem(ctx, item, idx, reader, writer, cp, baseSkipped); err != nil {
			return false, err
		}
	}
}

// processItem takes one item from inference through arbitration to the
// durable append and checkpoint advance.
func (r *Runner) processItem(ctx context.Context, item *entity.Item, idx int, reader *stream.Reader, writer *stream.Writer, cp *entity.Checkpoint, baseSkipped int) error {
	start := time.Now()

	if item.ResponseText == "" {
		// No silent fallback label: if the service stays unreachable the
		// run halts and resumes here after a restart.
		resp, err := r.inferer.Infer(ctx, item)
		if err != nil {
			return common.WrapError(err, "inference service")
		}
		item.ResponseText = resp
	}

	label, parsed := r.parser.Parse(item.ResponseText)
	r.arb.Evaluate(item, label, parsed)

	// Publish the item only once the loop stops mutating it outside the
	// lock; from here on all writes go through ApplyDecision under mu.
	if r.arb.NeedsReview(item) {
		r.setCurrent(item)
		defer r.setCurrent(nil)
	}

	for r.arb.NeedsReview(item) {
		r.logger.Info("review.waiting",
			"item", item.ItemKey.String(),
			"stage", item.ReviewStage,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-r.decisionCh:
			r.mu.Lock()
			_, err := r.arb.ApplyDecision(item, d)
			r.mu.Unlock()
			if err != nil {
				// SubmitDecision validates under the same lock, so this
				// only fires if a stale decision raced a stage change.
				r.logger.Warn("review.decision_rejected", "item", item.ItemKey.String(), "error", err)
			}
		}
	}

	rec, err := item.OutputRecord()
	if err != nil {
		return err
	}
	if err := writer.Append(rec); err != nil {
		return common.WrapError(err, "append output record")
	}

	avg := r.est.Observe(time.Since(start))
	cp.SkippedCount = baseSkipped + reader.Skipped()
	eta := r.est.ETA(cp.ProcessedCount+1+cp.SkippedCount, cp.TotalCount)
	if err := r.store.Advance(cp, idx, avg, eta); err != nil {
		return common.WrapError(err, "advance checkpoint")
	}
	r.bumpProgress(cp)

	label, _ = item.FinalLabel()
	r.logger.Info("run.item_done",
		"item", item.ItemKey.String(),
		"label", label.Describe(),
		"review_stage", item.ReviewStage,
		"review_reason", string(item.ReviewReason),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (r *Runner) setCurrent(item *entity.Item) {
	r.mu.Lock()
	r.current = item
	r.mu.Unlock()
}

// bumpProgress refreshes the done counters from the checkpoint.
// Skipped records count toward progress alongside processed ones.
func (r *Runner) bumpProgress(cp *entity.Checkpoint) {
	r.mu.Lock()
	prev := r.fileDone
	r.fileDone = cp.ProcessedCount + cp.SkippedCount
	r.batchDone += r.fileDone - prev
	r.mu.Unlock()
}
