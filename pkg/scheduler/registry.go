package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Registry persists receipts on disk.
//
// Directory layout:
//
//	<root>/<receipt_id>/job.json
//	<root>/<receipt_id>/stdout.log   (local jobs)
//	<root>/<receipt_id>/stderr.log   (local jobs)
//
// Root is normally <instance>/.dmftloop/jobs.
type Registry struct {
	root string
	mu   sync.Mutex
}

func NewRegistry(root string) *Registry {
	return &Registry{root: strings.TrimSpace(root)}
}

func (r *Registry) RootDir() string {
	return r.root
}

func (r *Registry) JobDir(id string) string {
	return filepath.Join(r.root, id)
}

func (r *Registry) JobPath(id string) string {
	return filepath.Join(r.JobDir(id), "job.json")
}

func (r *Registry) ensureRoot() error {
	if r.root == "" {
		return fmt.Errorf("job registry root dir is empty")
	}
	return os.MkdirAll(r.root, 0755)
}

// Write stores rec atomically (temp file + rename).
func (r *Registry) Write(rec *Receipt) error {
	if rec == nil {
		return fmt.Errorf("receipt is nil")
	}
	id := strings.TrimSpace(rec.ID)
	if id == "" {
		return fmt.Errorf("receipt id is required")
	}
	if err := r.ensureRoot(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	jobDir := r.JobDir(id)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(jobDir, "job.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}
	if err := os.Rename(tmpName, r.JobPath(id)); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}

// Get loads a receipt. A local job recorded as running whose process is gone
// is reported as unknown.
func (r *Registry) Get(id string) (*Receipt, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("receipt id is required")
	}
	b, err := os.ReadFile(r.JobPath(id))
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("job.json is empty")
	}

	var rec Receipt
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
		return nil, fmt.Errorf("parse job.json: %w", err)
	}

	if rec.State == StateRunning && rec.PID > 0 && !isProcessAlive(rec.PID) {
		rec.State = StateUnknown
		now := time.Now().UTC()
		rec.EndedAt = &now
		_ = r.Write(&rec)
	}
	return &rec, nil
}

// List returns every receipt, newest first. A missing root yields nothing.
func (r *Registry) List() ([]Receipt, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs root: %w", err)
	}

	out := make([]Receipt, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		rec, err := r.Get(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *rec)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})
	return out, nil
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 checks for existence without delivering a signal.
	return p.Signal(syscall.Signal(0)) == nil
}
