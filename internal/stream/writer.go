package stream

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Writer appends finalized records to a JSON-array file so that the
// file parses as a complete array after every Append returns, even if
// the process dies immediately afterward. On each append it rewinds
// over the closing bracket, writes the new record, re-closes the array
// and fsyncs before returning.
//
// Exactly one Writer may operate on a file at a time; there is no
// cross-process locking.
type Writer struct {
	f      *os.File
	path   string
	logger *slog.Logger
}

// OpenWriter opens (or creates) the output file at path. An existing
// non-empty file must already be a well-formed array; new records are
// appended after the ones it holds.
func OpenWriter(path string, logger *slog.Logger) (*Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}
	w := &Writer{f: f, path: path, logger: logger}
	if size, err := w.size(); err != nil {
		f.Close()
		return nil, err
	} else if size > 0 {
		if _, _, err := w.closingBracket(size); err != nil {
			f.Close()
			return nil, err
		}
	}
	return w, nil
}

// Append writes one record. rec must be a complete JSON value.
func (w *Writer) Append(rec []byte) error {
	size, err := w.size()
	if err != nil {
		return err
	}

	if size == 0 {
		if _, err := w.f.WriteAt(append(append([]byte("[\n"), rec...), []byte("\n]")...), 0); err != nil {
			return fmt.Errorf("write first record to %s: %w", w.path, err)
		}
		return w.f.Sync()
	}

	bracket, empty, err := w.closingBracket(size)
	if err != nil {
		return err
	}
	sep := []byte(",\n")
	if empty {
		sep = []byte("\n")
	}
	buf := append(append(append([]byte{}, sep...), rec...), []byte("\n]")...)
	if _, err := w.f.WriteAt(buf, bracket); err != nil {
		return fmt.Errorf("append record to %s: %w", w.path, err)
	}
	if err := w.f.Truncate(bracket + int64(len(buf))); err != nil {
		return fmt.Errorf("truncate %s: %w", w.path, err)
	}
	return w.f.Sync()
}

func (w *Writer) Close() error { return w.f.Close() }

func (w *Writer) size() (int64, error) {
	st, err := w.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", w.path, err)
	}
	return st.Size(), nil
}

// closingBracket finds the offset of the final ']' and reports whether
// the array is empty (nothing but whitespace between the brackets).
func (w *Writer) closingBracket(size int64) (int64, bool, error) {
	bracket, b, err := w.lastNonSpace(size)
	if err != nil {
		return 0, false, err
	}
	if b != ']' {
		return 0, false, fmt.Errorf("output %s does not end with a closing bracket; refusing to append", w.path)
	}
	_, b, err = w.lastNonSpace(bracket)
	if err != nil {
		return 0, false, err
	}
	return bracket, b == '[', nil
}

// lastNonSpace scans backward from limit for the last byte that is not
// JSON whitespace.
func (w *Writer) lastNonSpace(limit int64) (int64, byte, error) {
	const chunk = 512
	for end := limit; end > 0; {
		start := end - chunk
		if start < 0 {
			start = 0
		}
		buf := make([]byte, end-start)
		if _, err := w.f.ReadAt(buf, start); err != nil {
			return 0, 0, fmt.Errorf("read %s: %w", w.path, err)
		}
		for i := len(buf) - 1; i >= 0; i-- {
			switch buf[i] {
			case ' ', '\t', '\n', '\r':
				continue
			default:
				return start + int64(i), buf[i], nil
			}
		}
		end = start
	}
	return 0, 0, fmt.Errorf("output %s contains only whitespace", w.path)
}
