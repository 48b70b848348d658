package checkpoint

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/seclab/vulnreview/internal/entity"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	id := entity.RunIdentity{Model: "gpt-4o", InputFile: "data/part1.json"}
	cp, ok, err := s.Load(id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok || cp != nil {
		t.Fatal("want no checkpoint for a fresh identity")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	id := entity.RunIdentity{Model: "gpt-4o", InputFile: "data/part1.json"}
	eta := time.Now().Add(time.Hour).UTC()
	cp := &entity.Checkpoint{
		Identity:       id,
		LastIndex:      41,
		ProcessedCount: 42,
		TotalCount:     100,
		AvgItemSeconds: 2.5,
		EstimatedDone:  &eta,
	}
	if err := s.Save(cp); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, ok, err := s.Load(id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatal("want checkpoint after save")
	}
	if got.LastIndex != 41 || got.ProcessedCount != 42 || got.TotalCount != 100 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.AvgItemSeconds != 2.5 {
		t.Fatalf("want avg 2.5, got %v", got.AvgItemSeconds)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatal("save must stamp UpdatedAt")
	}
}

func TestAdvanceUpdatesDerivedFields(t *testing.T) {
	s := newTestStore(t)
	cp := &entity.Checkpoint{
		Identity:   entity.RunIdentity{Model: "m", InputFile: "f.json"},
		TotalCount: 4,
	}
	for i := 0; i < 4; i++ {
		if err := s.Advance(cp, i, 1.5, nil); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
		if cp.LastIndex != i {
			t.Fatalf("want last_index %d, got %d", i, cp.LastIndex)
		}
		if cp.ProcessedCount != i+1 {
			t.Fatalf("want processed %d, got %d", i+1, cp.ProcessedCount)
		}
	}
	if cp.ProgressPct != 100 {
		t.Fatalf("want 100%%, got %v", cp.ProgressPct)
	}
	if !cp.Completed {
		t.Fatal("want completed after last item")
	}

	got, ok, err := s.Load(cp.Identity)
	if err != nil || !ok {
		t.Fatalf("load after advance: %v", err)
	}
	if got.LastIndex != 3 || !got.Completed {
		t.Fatalf("persisted state mismatch: %+v", got)
	}
}

func TestAdvanceCountsSkippedTowardProgress(t *testing.T) {
	s := newTestStore(t)
	cp := &entity.Checkpoint{
		Identity:     entity.RunIdentity{Model: "m", InputFile: "f.json"},
		TotalCount:   4,
		SkippedCount: 2,
	}
	if err := s.Advance(cp, 2, 1.0, nil); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if cp.ProgressPct != 75 {
		t.Fatalf("want 75%% with 1 processed + 2 skipped of 4, got %v", cp.ProgressPct)
	}
}

func TestSaveLeavesNoTempFile(t *testing.T) {
	s := newTestStore(t)
	cp := &entity.Checkpoint{Identity: entity.RunIdentity{Model: "m", InputFile: "f.json"}}
	if err := s.Save(cp); err != nil {
		t.Fatalf("save: %v", err)
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestResetDeletesCheckpoint(t *testing.T) {
	s := newTestStore(t)
	id := entity.RunIdentity{Model: "m", InputFile: "f.json"}
	if err := s.Save(&entity.Checkpoint{Identity: id}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Reset(id); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, ok, err := s.Load(id); err != nil || ok {
		t.Fatalf("want checkpoint gone after reset, ok=%v err=%v", ok, err)
	}
	// resetting again is fine
	if err := s.Reset(id); err != nil {
		t.Fatalf("second reset: %v", err)
	}
}

func TestIdentitySanitization(t *testing.T) {
	id := entity.RunIdentity{Model: "org/model:v1", InputFile: "data/batch 1.json"}
	name := id.Filename()
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '.':
		default:
			t.Fatalf("unsafe character %q in checkpoint filename %s", c, name)
		}
	}
}
