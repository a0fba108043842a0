package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileName is the journal file inside the instance state directory.
const FileName = "journal.jsonl"

// Writer appends records.
//
// Implementations must be safe for concurrent use; the dispatcher worker
// reports submissions while the driver writes iteration records.
type Writer interface {
	Write(ctx context.Context, recordType string, data any) error
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON.
type JSONLWriter struct {
	w        io.Writer
	closer   io.Closer
	runID    string
	instance string
	now      func() time.Time
	mu       sync.Mutex
	closed   bool
}

// NewJSONLWriter wraps w. The caller owns w.
func NewJSONLWriter(w io.Writer, runID, instance string) *JSONLWriter {
	return &JSONLWriter{
		w:        w,
		runID:    runID,
		instance: instance,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// OpenFile appends to <stateDir>/journal.jsonl, creating it if needed. The
// returned writer closes the file on Close.
func OpenFile(stateDir, runID, instance string) (*JSONLWriter, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	// #nosec G304 -- path is derived from the instance directory
	f, err := os.OpenFile(filepath.Join(stateDir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	jw := NewJSONLWriter(f, runID, instance)
	jw.closer = f
	return jw, nil
}

// Write marshals data and appends one record line.
func (jw *JSONLWriter) Write(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()
	if jw.closed {
		return ErrWriterClosed
	}

	recordBytes, err := json.Marshal(Record{
		Type:     recordType,
		TS:       jw.now(),
		RunID:    jw.runID,
		Instance: jw.instance,
		Data:     dataBytes,
	})
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

// Close marks the writer closed and closes the file opened by OpenFile.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	if jw.closed {
		return nil
	}
	jw.closed = true
	if jw.closer != nil {
		return jw.closer.Close()
	}
	return nil
}

// writeAll loops over short writes so a record line is never truncated.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// Discard is a Writer that drops every record.
var Discard Writer = discard{}

type discard struct{}

func (discard) Write(context.Context, string, any) error { return nil }
func (discard) Close() error                             { return nil }

// Read parses every complete record from r. A torn final line (from a crash
// mid-write) is ignored; malformed lines elsewhere are an error.
func Read(r io.Reader) ([]Record, error) {
	var (
		out     []Record
		pending error
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if pending != nil {
			return nil, pending
		}
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(b, &rec); err != nil {
			pending = fmt.Errorf("journal line %d: %w", line, err)
			continue
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadFile reads the journal of an instance state directory. A missing
// journal yields no records.
func ReadFile(stateDir string) ([]Record, error) {
	f, err := os.Open(filepath.Join(stateDir, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return Read(f)
}
