package common

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/seclab/vulnreview/constants"
)

func writeRunSet(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runset.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write run set: %v", err)
	}
	return path
}

func TestLoadRunSetFillsDefaults(t *testing.T) {
	path := writeRunSet(t, `
name: batch-a
model: gpt-4o
input_files:
  - data/part1.json
`)
	cfg := LoadConfig()
	rs, err := LoadRunSet(path, cfg)
	if err != nil {
		t.Fatalf("load run set: %v", err)
	}
	if rs.Kind != constants.KindRelevance {
		t.Fatalf("want default kind relevance, got %q", rs.Kind)
	}
	if rs.Policy != cfg.Review.Policy {
		t.Fatalf("want policy from config, got %q", rs.Policy)
	}
	if rs.OnMalformed != constants.MalformedHalt {
		t.Fatalf("want default halt policy, got %q", rs.OnMalformed)
	}
	if rs.OutputDir != cfg.State.OutputDir {
		t.Fatalf("want output dir from config, got %q", rs.OutputDir)
	}
}

func TestFunctionRunsDefaultToAlwaysReview(t *testing.T) {
	path := writeRunSet(t, `
name: fn-batch
model: gpt-4o
kind: function
input_files:
  - data/fns.json
`)
	rs, err := LoadRunSet(path, LoadConfig())
	if err != nil {
		t.Fatalf("load run set: %v", err)
	}
	if rs.Policy != constants.PolicyAlwaysReview {
		t.Fatalf("function runs must default to always-review, got %q", rs.Policy)
	}
}

func TestLoadRunSetValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing model", "name: x\ninput_files: [a.json]\n"},
		{"no inputs", "name: x\nmodel: m\n"},
		{"bad kind", "name: x\nmodel: m\nkind: file\ninput_files: [a.json]\n"},
		{"bad policy", "name: x\nmodel: m\nreview_policy: sometimes\ninput_files: [a.json]\n"},
		{"bad malformed policy", "name: x\nmodel: m\non_malformed: ignore\ninput_files: [a.json]\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeRunSet(t, tc.body)
			_, err := LoadRunSet(path, LoadConfig())
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("want invalid-input error, got %v", err)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := LoadConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	cfg.Review.Alpha = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("want error for alpha out of range")
	}
}

func TestAppErrorUnwraps(t *testing.T) {
	err := NewAppError("REVIEW_ERROR", "nope", ErrDecisionRejected)
	if !errors.Is(err, ErrDecisionRejected) {
		t.Fatal("AppError must unwrap to its cause")
	}
	wrapped := WrapError(err, "submitting")
	if !errors.Is(wrapped, ErrDecisionRejected) {
		t.Fatal("wrapping must preserve the cause chain")
	}
}
