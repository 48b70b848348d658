// Package checkpoint persists resume points so an interrupted run can
// continue at the item after the last one durably written.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/seclab/vulnreview/internal/entity"
)

// Store reads and writes checkpoint files, one per (model, input file)
// identity. Saves go through a temporary file and an atomic rename so a
// reader never observes a partially written checkpoint.
type Store struct {
	dir    string
	logger *slog.Logger
}

func NewStore(stateDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Join(stateDir, "checkpoints")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

func (s *Store) path(id entity.RunIdentity) string {
	return filepath.Join(s.dir, id.Filename())
}

// Load returns the checkpoint for id, or ok=false when none exists,
// which means the run starts at index 0.
func (s *Store) Load(id entity.RunIdentity) (*entity.Checkpoint, bool, error) {
	raw, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp entity.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, false, fmt.Errorf("decode checkpoint %s: %w", s.path(id), err)
	}
	s.logger.Info("checkpoint.load",
		"model", id.Model,
		"input_file", id.InputFile,
		"last_index", cp.LastIndex,
		"progress_pct", cp.ProgressPct,
	)
	return &cp, true, nil
}

// Save atomically replaces the checkpoint on disk.
func (s *Store) Save(cp *entity.Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	raw, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	final := s.path(cp.Identity)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

// Advance records that the item at index was durably written, folds its
// duration into the running average, and saves. avgSeconds and eta come
// from the estimator; they are stored so a resumed run starts with a
// warm estimate.
func (s *Store) Advance(cp *entity.Checkpoint, index int, avgSeconds float64, eta *time.Time) error {
	cp.LastIndex = index
	cp.ProcessedCount++
	if cp.TotalCount > 0 {
		cp.ProgressPct = round2(float64(cp.ProcessedCount+cp.SkippedCount) / float64(cp.TotalCount) * 100)
	}
	cp.AvgItemSeconds = avgSeconds
	cp.EstimatedDone = eta
	cp.Completed = cp.ProcessedCount+cp.SkippedCount >= cp.TotalCount
	if err := s.Save(cp); err != nil {
		return err
	}
	s.logger.Debug("checkpoint.advance",
		"model", cp.Identity.Model,
		"input_file", cp.Identity.InputFile,
		"last_index", cp.LastIndex,
		"progress_pct", cp.ProgressPct,
	)
	return nil
}

// Reset deletes the checkpoint for id, forcing the next run to start
// from the beginning.
func (s *Store) Reset(id entity.RunIdentity) error {
	err := os.Remove(s.path(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("reset checkpoint: %w", err)
	}
	if err == nil {
		s.logger.Warn("checkpoint.reset", "model", id.Model, "input_file", id.InputFile)
	}
	return nil
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
