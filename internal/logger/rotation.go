package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const backupTimeFormat = "20060102T150405.000"

// RotationPolicy bounds the size of the active log file and the set of
// backups kept beside it. Zero values disable the matching limit.
type RotationPolicy struct {
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
	Compress   bool
}

// RotatingWriter appends to a log file and moves it aside as
// "<name>.<timestamp>" once it would exceed the size limit.
type RotatingWriter struct {
	mu       sync.Mutex
	filename string
	policy   RotationPolicy
	maxBytes int64
	file     *os.File
	size     int64
	now      func() time.Time

	// background compression and pruning
	wg sync.WaitGroup
}

// NewRotatingWriter opens filename for appending, creating its directory.
func NewRotatingWriter(filename string, policy RotationPolicy) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &RotatingWriter{
		filename: filename,
		policy:   policy,
		maxBytes: int64(policy.MaxSizeMB) << 20,
		now:      time.Now,
	}
	if err := w.open(); err != nil {
		return nil, err
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.prune()
	}()
	return w, nil
}

func (w *RotatingWriter) open() error {
	file, err := os.OpenFile(w.filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

// Write appends p, rotating first when p would push the file past the limit.
// A single write larger than the limit still lands in one file.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.maxBytes > 0 && w.size > 0 && w.size+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the active file and waits for pending compression.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	var err error
	if w.file != nil {
		err = w.file.Close()
		w.file = nil
	}
	w.mu.Unlock()

	w.wg.Wait()
	return err
}

func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	backup := w.filename + "." + w.now().Format(backupTimeFormat)
	if err := os.Rename(w.filename, backup); err != nil {
		return err
	}
	if err := w.open(); err != nil {
		return err
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if w.policy.Compress {
			_ = gzipFile(backup)
		}
		w.prune()
	}()
	return nil
}

func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		_ = gz.Close()
		_ = dst.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

type backupFile struct {
	path    string
	modTime time.Time
}

// backups lists rotated files, newest first. Backup names embed the
// rotation time so they order lexically.
func (w *RotatingWriter) backups() []backupFile {
	matches, err := filepath.Glob(w.filename + ".*")
	if err != nil {
		return nil
	}
	var out []backupFile
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		out = append(out, backupFile{path: m, modTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.TrimSuffix(out[i].path, ".gz") > strings.TrimSuffix(out[j].path, ".gz")
	})
	return out
}

// prune removes backups beyond MaxBackups or older than MaxAgeDays. An
// uncompressed backup and its .gz twin count once.
func (w *RotatingWriter) prune() {
	if w.policy.MaxBackups <= 0 && w.policy.MaxAgeDays <= 0 {
		return
	}
	var cutoff time.Time
	if w.policy.MaxAgeDays > 0 {
		cutoff = w.now().AddDate(0, 0, -w.policy.MaxAgeDays)
	}

	seen := make(map[string]bool)
	kept := 0
	for _, b := range w.backups() {
		key := strings.TrimSuffix(b.path, ".gz")
		if seen[key] {
			continue
		}
		seen[key] = true

		expired := w.policy.MaxAgeDays > 0 && b.modTime.Before(cutoff)
		excess := w.policy.MaxBackups > 0 && kept >= w.policy.MaxBackups
		if expired || excess {
			_ = os.Remove(key)
			_ = os.Remove(key + ".gz")
			continue
		}
		kept++
	}
}
