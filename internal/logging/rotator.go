package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// FileRotator is an io.Writer that rotates its file once it grows past a
// size limit. Backups are named <path>.1 (newest) through <path>.N, with a
// .gz suffix when compression is enabled.
type FileRotator struct {
	mu         sync.Mutex
	path       string
	maxBytes   int64
	maxBackups int
	compress   bool
	file       *os.File
	size       int64
}

// NewFileRotator opens path for appending, creating parent directories.
func NewFileRotator(path string, maxBytes int64, maxBackups int, compress bool) (*FileRotator, error) {
	if path == "" {
		return nil, fmt.Errorf("log file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	r := &FileRotator{
		path:       path,
		maxBytes:   maxBytes,
		maxBackups: maxBackups,
		compress:   compress,
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file = f
	r.size = info.Size()
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	if r.maxBytes > 0 && r.size+int64(len(p)) > r.maxBytes && r.size > 0 {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *FileRotator) backupName(i int) string {
	name := fmt.Sprintf("%s.%d", r.path, i)
	if r.compress {
		name += ".gz"
	}
	return name
}

// rotate shifts backups up by one and moves the active file to backup 1.
func (r *FileRotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close current log: %w", err)
	}
	r.file = nil

	if r.maxBackups <= 0 {
		if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return r.open()
	}

	_ = os.Remove(r.backupName(r.maxBackups))
	for i := r.maxBackups - 1; i >= 1; i-- {
		if _, err := os.Stat(r.backupName(i)); err == nil {
			if err := os.Rename(r.backupName(i), r.backupName(i+1)); err != nil {
				return err
			}
		}
	}

	if r.compress {
		if err := gzipFile(r.path, r.backupName(1)); err != nil {
			return err
		}
		if err := os.Remove(r.path); err != nil {
			return err
		}
	} else if err := os.Rename(r.path, r.backupName(1)); err != nil {
		return err
	}
	return r.open()
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		out.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Close closes the active file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
