package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/orchestrator/internal/execution"
	"github.com/vinayprograms/orchestrator/internal/plan"
)

// Record types for JSONL format
const (
	RecordTypeHeader = "header" // execution metadata and plan (first line)
	RecordTypeResult = "result" // one forward or rollback step result
	RecordTypeFooter = "footer" // terminal state (last line)
)

// JSONLRecord is a wrapper for JSONL lines with type discrimination.
type JSONLRecord struct {
	RecordType string `json:"_type"`

	// header
	ID        string     `json:"id,omitempty"`
	Prompt    string     `json:"prompt,omitempty"`
	Plan      *plan.Plan `json:"plan,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`

	// result
	Rollback bool                      `json:"rollback,omitempty"`
	Result   *execution.ToolCallResult `json:"result,omitempty"`

	// footer
	Status      execution.Status `json:"status,omitempty"`
	Error       string           `json:"error,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// FileStore keeps one JSONL file per execution in a directory.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("file store needs a directory")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".jsonl")
}

// Save writes the execution, replacing any earlier record of it.
func (s *FileStore) Save(ctx context.Context, e *execution.Execution) error {
	if strings.ContainsAny(e.ID, `/\`) || e.ID == "" {
		return fmt.Errorf("invalid execution id %q", e.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, e.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create execution file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	created := e.CreatedAt
	records := []JSONLRecord{{
		RecordType: RecordTypeHeader,
		ID:         e.ID,
		Prompt:     e.Prompt,
		Plan:       e.Plan,
		CreatedAt:  &created,
	}}
	for i := range e.Results {
		records = append(records, JSONLRecord{RecordType: RecordTypeResult, Result: &e.Results[i]})
	}
	for i := range e.RollbackResults {
		records = append(records, JSONLRecord{RecordType: RecordTypeResult, Rollback: true, Result: &e.RollbackResults[i]})
	}
	records = append(records, JSONLRecord{
		RecordType:  RecordTypeFooter,
		Status:      e.Status,
		Error:       e.Error,
		CompletedAt: e.CompletedAt,
	})

	for _, rec := range records {
		if err := writeLine(w, rec); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path(e.ID))
}

// writeLine writes a single JSONL record.
func writeLine(w io.Writer, record JSONLRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// Load reads an execution back.
func (s *FileStore) Load(ctx context.Context, id string) (*execution.Execution, error) {
	if strings.ContainsAny(id, `/\`) || id == "" {
		return nil, notFound(id)
	}
	f, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(id)
		}
		return nil, err
	}
	defer f.Close()
	return readJSONL(f)
}

// readJSONL parses a record file.
func readJSONL(r io.Reader) (*execution.Execution, error) {
	e := &execution.Execution{Results: []execution.ToolCallResult{}}

	// bufio.Reader rather than Scanner: result lines have no length limit.
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("error reading JSONL: %w", err)
		}
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			if perr := parseLine(trimmed, e); perr != nil {
				return nil, perr
			}
		}
		if err == io.EOF {
			break
		}
	}
	if e.ID == "" {
		return nil, fmt.Errorf("execution record has no header")
	}
	return e, nil
}

func parseLine(line []byte, e *execution.Execution) error {
	var record JSONLRecord
	if err := json.Unmarshal(line, &record); err != nil {
		return fmt.Errorf("failed to parse JSONL line: %w", err)
	}

	switch record.RecordType {
	case RecordTypeHeader:
		e.ID = record.ID
		e.Prompt = record.Prompt
		e.Plan = record.Plan
		if record.CreatedAt != nil {
			e.CreatedAt = *record.CreatedAt
		}
	case RecordTypeResult:
		if record.Result == nil {
			return nil
		}
		if record.Rollback {
			e.RollbackResults = append(e.RollbackResults, *record.Result)
		} else {
			e.Results = append(e.Results, *record.Result)
		}
	case RecordTypeFooter:
		e.Status = record.Status
		e.Error = record.Error
		e.CompletedAt = record.CompletedAt
	}
	return nil
}

// List summarizes every recorded execution, newest first.
func (s *FileStore) List(ctx context.Context) ([]Summary, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "*.jsonl"))
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(paths))
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, err
		}
		e, err := readJSONL(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		out = append(out, Summarize(e))
	}
	sortNewestFirst(out)
	return out, nil
}

func sortNewestFirst(s []Summary) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].CreatedAt.Equal(s[j].CreatedAt) {
			return s[i].ID < s[j].ID
		}
		return s[i].CreatedAt.After(s[j].CreatedAt)
	})
}
