package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// JSONLSink appends events to one JSONL file per crawl under a base
// directory. Files are opened lazily and kept open until Close.
type JSONLSink struct {
	mu    sync.Mutex
	dir   string
	files map[string]*os.File
}

// NewJSONLSink creates the base directory and returns a sink writing
// <dir>/<crawl_id>.jsonl files.
func NewJSONLSink(dir string) (*JSONLSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create events dir: %w", err)
	}
	return &JSONLSink{dir: dir, files: make(map[string]*os.File)}, nil
}

// Write appends one event as a JSON line to its crawl's log file.
func (s *JSONLSink) Write(e Event) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[e.CrawlID]
	if !ok {
		path := filepath.Join(s.dir, e.CrawlID+".jsonl")
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open event log: %w", err)
		}
		s.files[e.CrawlID] = f
	}

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Close closes all open per-crawl files.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for id, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.files, id)
	}
	return firstErr
}
