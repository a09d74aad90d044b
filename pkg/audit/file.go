package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	ferrors "github.com/odvcencio/foreman/pkg/errors"
)

// FileStore appends records as JSON lines and fsyncs after each one. An
// in-memory index, rebuilt on open, serves reads so they never wait on the
// disk writer.
type FileStore struct {
	path string

	writeMu sync.Mutex
	f       *os.File

	mu      sync.RWMutex
	records []Record
	byTrace map[string][]int
	closed  bool
}

// NewFileStore opens or creates the log at path.
func NewFileStore(path string) (*FileStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, ferrors.Wrap(err, ferrors.ErrCodeStorageWrite, "create audit directory")
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.ErrCodeStorageWrite, "open audit log").
			WithContext("path", path)
	}

	s := &FileStore{path: path, f: f, byTrace: make(map[string][]int)}
	if err := s.load(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// load replays the log into the index. A torn final line from an
// interrupted write is dropped; corruption elsewhere is an error.
func (s *FileStore) load() error {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return ferrors.Wrap(err, ferrors.ErrCodeStorageRead, "seek audit log")
	}
	scanner := bufio.NewScanner(s.f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var pending error
	var offset, goodEnd int64
	line := 0
	for scanner.Scan() {
		line++
		offset += int64(len(scanner.Bytes())) + 1
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		if pending != nil {
			return pending
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			pending = ferrors.Wrap(err, ferrors.ErrCodeStorageRead, fmt.Sprintf("corrupt audit record on line %d", line)).
				WithContext("path", s.path)
			continue
		}
		s.index(rec)
		goodEnd = offset
	}
	if err := scanner.Err(); err != nil {
		return ferrors.Wrap(err, ferrors.ErrCodeStorageRead, "scan audit log")
	}
	if pending != nil {
		if err := s.f.Truncate(goodEnd); err != nil {
			return ferrors.Wrap(err, ferrors.ErrCodeStorageWrite, "truncate torn audit record")
		}
	}
	return nil
}

func (s *FileStore) index(rec Record) {
	s.byTrace[rec.TraceID] = append(s.byTrace[rec.TraceID], len(s.records))
	s.records = append(s.records, rec)
}

// Append writes rec and fsyncs before returning.
func (s *FileStore) Append(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	closed := s.closed
	next := int64(len(s.records)) + 1
	if n := len(s.records); n > 0 && s.records[n-1].Seq >= next {
		next = s.records[n-1].Seq + 1
	}
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	rec.Seq = next
	if rec.Alternatives == nil {
		rec.Alternatives = []string{}
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return ferrors.Wrap(err, ferrors.ErrCodeStorageWrite, "marshal audit record")
	}
	line = append(line, '\n')

	if _, err := s.f.Write(line); err != nil {
		return ferrors.Wrap(err, ferrors.ErrCodeStorageWrite, "write audit record")
	}
	if err := s.f.Sync(); err != nil {
		return ferrors.Wrap(err, ferrors.ErrCodeStorageWrite, "sync audit log")
	}

	stored := *rec
	stored.Alternatives = append([]string{}, rec.Alternatives...)
	s.mu.Lock()
	s.index(stored)
	s.mu.Unlock()
	return nil
}

// ByTrace returns the trace's records in sequence order.
func (s *FileStore) ByTrace(ctx context.Context, traceID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.byTrace[traceID]
	out := make([]Record, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.records[i])
	}
	return out, nil
}

// Query scans the index in sequence order.
func (s *FileStore) Query(ctx context.Context, f Filter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scan(s.records, f), nil
}

// Close syncs and closes the file.
func (s *FileStore) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return ferrors.Wrap(err, ferrors.ErrCodeStorageWrite, "sync audit log")
	}
	return s.f.Close()
}
