package entity

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// RunIdentity names the (model, input file) pair a checkpoint belongs to.
type RunIdentity struct {
	Model     string `json:"model"`
	InputFile string `json:"input_file"`
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9]`)

// SanitizeName makes a model or file name safe for filesystem use.
func SanitizeName(name string) string {
	return unsafeChars.ReplaceAllString(name, "_")
}

// Filename is the checkpoint file name for this identity.
func (ri RunIdentity) Filename() string {
	base := strings.TrimSuffix(filepath.Base(ri.InputFile), filepath.Ext(ri.InputFile))
	return SanitizeName(ri.Model) + "_" + SanitizeName(base) + "_resume.json"
}

// Checkpoint is the persisted resume point for one (model, input file)
// identity. LastIndex only advances after the corresponding record is
// durably present in the output collection.
type Checkpoint struct {
	Identity       RunIdentity `json:"identity"`
	LastIndex      int         `json:"last_index"`
	ProcessedCount int         `json:"processed_count"`
	SkippedCount   int         `json:"skipped_count,omitempty"`
	TotalCount     int         `json:"total_count"`
	ProgressPct    float64     `json:"progress_pct"`
	AvgItemSeconds float64     `json:"avg_item_seconds"`
	EstimatedDone  *time.Time  `json:"estimated_completion_at,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at"`
	Completed      bool        `json:"completed"`
}

// Progress is the control-surface snapshot handed to pollers.
type Progress struct {
	FileProgress  float64 `json:"file_progress"`
	TotalProgress float64 `json:"total_progress"`
	IsProcessing  bool    `json:"is_processing"`
}

// Decision is a transient human verdict for the item currently pending
// review. It is consumed by the arbitrator and then discarded.
type Decision struct {
	Key   ItemKey
	Stage int
	Value int
}
