// Package logstore persists execution trajectories as per-execution
// append-only logs with two representations: the raw coalesced updates for
// verbatim replay and the normalized entries consumed by UIs.
package logstore

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/grovekit/grove/internal/common/logger"
	"github.com/grovekit/grove/internal/trajectory"
)

const (
	normalizedSuffix = ".jsonl"
	rawSuffix        = ".raw.jsonl"
)

// Store manages the per-execution log files under one directory. Writers are
// single-producer per execution; reads may run concurrently with writes.
type Store struct {
	dir    string
	logger *logger.Logger

	mu      sync.Mutex
	writers map[string]*Writer
}

// New opens a store rooted at dir, creating it if needed.
func New(dir string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &Store{
		dir:     dir,
		logger:  log.WithFields(zap.String("component", "logstore")),
		writers: make(map[string]*Writer),
	}, nil
}

// Writer appends entries for one execution. A partially written tail line
// left by a crash is truncated when the writer reopens the file.
type Writer struct {
	store       *Store
	executionID string

	mu         sync.Mutex
	normalized *os.File
	raw        *os.File
	nextIndex  int64
	closed     bool
}

// OpenWriter returns the append writer for an execution, creating or
// repairing its log files. Repeated calls return the same writer.
func (s *Store) OpenWriter(executionID string) (*Writer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.writers[executionID]; ok {
		return w, nil
	}

	normPath := s.path(executionID, normalizedSuffix)
	rawPath := s.path(executionID, rawSuffix)

	count, err := repairAndCount(normPath)
	if err != nil {
		return nil, fmt.Errorf("failed to repair normalized log: %w", err)
	}
	if _, err := repairAndCount(rawPath); err != nil {
		return nil, fmt.Errorf("failed to repair raw log: %w", err)
	}

	normalized, err := os.OpenFile(normPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	raw, err := os.OpenFile(rawPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		_ = normalized.Close()
		return nil, err
	}

	w := &Writer{
		store:       s,
		executionID: executionID,
		normalized:  normalized,
		raw:         raw,
		nextIndex:   count,
	}
	s.writers[executionID] = w
	return w, nil
}

// NextIndex returns the index the next appended entry will receive.
func (w *Writer) NextIndex() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextIndex
}

// Append persists one normalized entry. The entry's index must equal the
// writer's next index; this guards the contiguous 0..N-1 invariant.
func (w *Writer) Append(entry trajectory.Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("log writer for %s is closed", w.executionID)
	}
	if entry.Index != w.nextIndex {
		return fmt.Errorf("log index gap for %s: got %d, want %d",
			w.executionID, entry.Index, w.nextIndex)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	if err := writeLine(w.normalized, data); err != nil {
		return err
	}
	w.nextIndex++
	return nil
}

// AppendRaw persists one raw coalesced update for verbatim replay. Raw lines
// carry no index; they replay in append order.
func (w *Writer) AppendRaw(line []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("log writer for %s is closed", w.executionID)
	}
	return writeLine(w.raw, bytes.TrimRight(line, "\n"))
}

// Sync flushes both files to stable storage.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if err := w.normalized.Sync(); err != nil {
		return err
	}
	return w.raw.Sync()
}

// Close flushes and releases the writer. The files can be reopened later,
// e.g. by a follow-up execution appending to the same trajectory.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	nErr := w.normalized.Close()
	rErr := w.raw.Close()
	w.mu.Unlock()

	w.store.mu.Lock()
	delete(w.store.writers, w.executionID)
	w.store.mu.Unlock()

	if nErr != nil {
		return nErr
	}
	return rErr
}

// Read returns normalized entries for an execution in index order, starting
// at fromIndex. limit <= 0 means no limit. A missing log reads as empty.
func (s *Store) Read(executionID string, fromIndex int64, limit int) ([]trajectory.Entry, error) {
	f, err := os.Open(s.path(executionID, normalizedSuffix))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var entries []trajectory.Entry
	scanner := newLineScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var entry trajectory.Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			// Torn tail line from a crash mid-write; everything before
			// it is intact.
			s.logger.Warn("skipping unparseable log tail",
				zap.String("execution_id", executionID))
			break
		}
		if entry.Index < fromIndex {
			continue
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return entries, err
	}
	return entries, nil
}

// ReadRaw returns the raw coalesced update lines for verbatim replay.
func (s *Store) ReadRaw(executionID string) ([][]byte, error) {
	f, err := os.Open(s.path(executionID, rawSuffix))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var lines [][]byte
	scanner := newLineScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if !json.Valid(line) {
			break
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	return lines, scanner.Err()
}

// Count returns the number of complete normalized entries for an execution.
func (s *Store) Count(executionID string) (int64, error) {
	return repairCountOnly(s.path(executionID, normalizedSuffix))
}

// Delete removes both log files of an execution. Missing files are ignored.
func (s *Store) Delete(executionID string) error {
	s.mu.Lock()
	if w, ok := s.writers[executionID]; ok {
		s.mu.Unlock()
		_ = w.Close()
		s.mu.Lock()
	}
	s.mu.Unlock()

	for _, suffix := range []string{normalizedSuffix, rawSuffix} {
		if err := os.Remove(s.path(executionID, suffix)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Purge removes log files whose last modification is older than maxAge.
// Executions with an open writer are never purged. Returns the number of
// executions removed.
func (s *Store) Purge(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-maxAge)

	files, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, f := range files {
		name := f.Name()
		if !strings.HasSuffix(name, normalizedSuffix) || strings.HasSuffix(name, rawSuffix) {
			continue
		}
		executionID := strings.TrimSuffix(name, normalizedSuffix)

		s.mu.Lock()
		_, live := s.writers[executionID]
		s.mu.Unlock()
		if live {
			continue
		}

		info, err := f.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := s.Delete(executionID); err != nil {
			s.logger.Warn("failed to purge execution log",
				zap.String("execution_id", executionID), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("purged old execution logs", zap.Int("removed", removed))
	}
	return removed, nil
}

// Close closes every open writer.
func (s *Store) Close() error {
	s.mu.Lock()
	writers := make([]*Writer, 0, len(s.writers))
	for _, w := range s.writers {
		writers = append(writers, w)
	}
	s.mu.Unlock()

	var firstErr error
	for _, w := range writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) path(executionID, suffix string) string {
	return filepath.Join(s.dir, executionID+suffix)
}

func writeLine(f *os.File, data []byte) error {
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("log write failed: %w", err)
	}
	return nil
}

func newLineScanner(f *os.File) *bufio.Scanner {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	return scanner
}

// repairAndCount truncates a torn tail line left by a crash and returns the
// number of complete lines. A line is complete only when it ends with '\n'
// and parses as JSON; a valid-looking line with no terminating newline is a
// torn write and is dropped too.
func repairAndCount(path string) (int64, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer func() { _ = f.Close() }()

	var (
		count     int64
		validSize int64
	)
	reader := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			// io.EOF with a partial line, or a read error: everything
			// from here on is torn.
			break
		}
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			if !json.Valid(trimmed) {
				break
			}
			count++
		}
		validSize += int64(len(line))
	}

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if validSize < info.Size() {
		if err := f.Truncate(validSize); err != nil {
			return 0, fmt.Errorf("failed to truncate torn log tail: %w", err)
		}
	}
	return count, nil
}

func repairCountOnly(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer func() { _ = f.Close() }()

	var count int64
	scanner := newLineScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if !json.Valid(line) {
			break
		}
		count++
	}
	return count, scanner.Err()
}
