// Package jsonl implements append-only newline-delimited JSON files.
// Every Append is a single O_APPEND write followed by fsync, serialized
// by a per-file mutex so a crash mid-write cannot corrupt earlier lines.
package jsonl

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// maxLine bounds a single record when replaying.
const maxLine = 8 * 1024 * 1024

// File is an append-only NDJSON file.
type File struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

// Open creates or opens path for appending; missing parent directories are created.
func Open(path string) (*File, error) {
	if path == "" {
		return nil, os.ErrInvalid
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create dir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &File{path: path, f: f}, nil
}

// Path returns the file location.
func (j *File) Path() string { return j.path }

// Append writes line plus a trailing newline and syncs it to disk.
// The line must not contain a newline.
func (j *File) Append(line []byte) error {
	if bytes.IndexByte(line, '\n') >= 0 {
		return errors.New("jsonl: line contains newline")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return os.ErrClosed
	}

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := j.f.Write(buf); err != nil {
		return fmt.Errorf("append %s: %w", j.path, err)
	}
	if err := j.f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", j.path, err)
	}
	return nil
}

// Close closes the underlying file. Close is idempotent.
func (j *File) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

// ReadLines calls fn for every non-empty line of path, in order, with the
// 1-based line number. A missing file yields no lines and no error.
func ReadLines(path string, fn func(lineNo int, line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	n := 0
	for sc.Scan() {
		n++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(n, line); err != nil {
			return err
		}
	}
	return sc.Err()
}
