package persist

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Streams manages append-only record files under a data directory, one file
// per stream, one JSON record per line. Callers control durability with
// Sync; Append alone only guarantees the record reached the OS.
type Streams struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

// NewStreams opens a stream root, creating the directory when missing.
func NewStreams(dir string) (*Streams, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("persist: stream dir %s: %w", dir, err)
	}
	return &Streams{dir: dir, files: make(map[string]*os.File)}, nil
}

// Append writes one record to the named stream, terminated by a newline.
// Records must not contain raw newlines.
func (s *Streams) Append(stream string, record []byte) error {
	f, err := s.file(stream)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := f.Write(append(record, '\n')); err != nil {
		return fmt.Errorf("persist: append %s: %w", stream, err)
	}
	return nil
}

// Sync flushes the named stream to stable storage.
func (s *Streams) Sync(stream string) error {
	s.mu.Lock()
	f, ok := s.files[stream]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("persist: sync %s: %w", stream, err)
	}
	return nil
}

// Read returns every record currently in the named stream, oldest first.
// A missing stream reads as empty.
func (s *Streams) Read(stream string) ([][]byte, error) {
	path, err := s.path(stream)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persist: read %s: %w", stream, err)
	}
	defer f.Close()

	var records [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		records = append(records, cp)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("persist: read %s: %w", stream, err)
	}
	return records, nil
}

// Close closes all open stream files.
func (s *Streams) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for name, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("persist: close %s: %w", name, err)
		}
		delete(s.files, name)
	}
	return firstErr
}

func (s *Streams) file(stream string) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.files[stream]; ok {
		return f, nil
	}
	path, err := s.path(stream)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("persist: open stream %s: %w", stream, err)
	}
	s.files[stream] = f
	return f, nil
}

func (s *Streams) path(stream string) (string, error) {
	if stream == "" || strings.ContainsAny(stream, "/\\") {
		return "", fmt.Errorf("persist: invalid stream name %q", stream)
	}
	return filepath.Join(s.dir, stream+".jsonl"), nil
}
