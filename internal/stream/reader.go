// Package stream reads and writes the JSON-array collections this
// system consumes and produces. Collections can be large, so the reader
// decodes one record at a time, and the writer keeps the output file a
// syntactically valid array after every single append.
package stream

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/seclab/vulnreview/constants"
	"github.com/seclab/vulnreview/internal/common"
	"github.com/seclab/vulnreview/internal/entity"
)

// Reader lazily yields item records from a JSON-array file in source
// order. It never materializes the whole collection.
//
// Malformed-record policy: an element that is not valid JSON at all
// corrupts the array and always halts, regardless of policy. An element
// that is valid JSON but does not decode into an item honors the
// configured policy: MalformedHalt stops the run, MalformedSkip logs
// the index and continues.
type Reader struct {
	f      *os.File
	dec    *json.Decoder
	path   string
	policy constants.MalformedPolicy
	logger *slog.Logger

	index   int // source index of the next record
	skipped int
}

// NewReader opens path and positions the decoder at the first element.
func NewReader(path string, policy constants.MalformedPolicy, logger *slog.Logger) (*Reader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	dec := json.NewDecoder(bufio.NewReader(f))
	tok, err := dec.Token()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read opening token of %s: %w", path, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		f.Close()
		return nil, common.NewAppError("INPUT_ERROR", fmt.Sprintf("%s is not a JSON array", path), common.ErrMalformedRecord)
	}
	return &Reader{f: f, dec: dec, path: path, policy: policy, logger: logger}, nil
}

// Next returns the next item and its source index. It returns io.EOF
// once the array is exhausted.
func (r *Reader) Next() (*entity.Item, int, error) {
	for r.dec.More() {
		var raw json.RawMessage
		if err := r.dec.Decode(&raw); err != nil {
			// The array itself is broken; skipping cannot recover the
			// decoder position, so this is fatal under either policy.
			return nil, 0, common.NewAppError("INPUT_ERROR",
				fmt.Sprintf("%s: record %d is not valid JSON", r.path, r.index),
				errors.Join(common.ErrMalformedRecord, err))
		}
		idx := r.index
		r.index++

		var it entity.Item
		if err := json.Unmarshal(raw, &it); err != nil {
			if r.policy == constants.MalformedSkip {
				r.skipped++
				r.logger.Warn("stream.read.skip_malformed", "path", r.path, "index", idx, "error", err)
				continue
			}
			return nil, 0, common.NewAppError("INPUT_ERROR",
				fmt.Sprintf("%s: record %d does not decode into an item", r.path, idx),
				errors.Join(common.ErrMalformedRecord, err))
		}
		it.Raw = raw
		return &it, idx, nil
	}
	return nil, 0, io.EOF
}

// Skip fast-forwards past n records without building items. Used when
// resuming from a checkpoint.
func (r *Reader) Skip(n int) error {
	for i := 0; i < n; i++ {
		if !r.dec.More() {
			return fmt.Errorf("skip %d records in %s: only %d present", n, r.path, i)
		}
		var raw json.RawMessage
		if err := r.dec.Decode(&raw); err != nil {
			return fmt.Errorf("skip record %d in %s: %w", r.index, r.path, err)
		}
		r.index++
	}
	return nil
}

// Skipped reports how many malformed records were skipped so far.
func (r *Reader) Skipped() int { return r.skipped }

func (r *Reader) Close() error { return r.f.Close() }

// RecordCount counts the elements of a JSON-array file. A missing file
// counts as zero records.
func RecordCount(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	dec := json.NewDecoder(bufio.NewReader(f))
	tok, err := dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil // empty file, treated as an empty collection
		}
		return 0, fmt.Errorf("read opening token of %s: %w", path, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return 0, fmt.Errorf("%s is not a JSON array", path)
	}
	n := 0
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return 0, fmt.Errorf("count records in %s: %w", path, err)
		}
		n++
	}
	return n, nil
}
