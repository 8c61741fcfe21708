package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sourcegraph/conc"
)

// Rotation controls size-based rotation of orchsync.log.
type Rotation struct {
	// MaxSizeMB rotates the file once it would grow past this size.
	// Zero disables rotation.
	MaxSizeMB int
	// MaxBackups is how many rotated files are retained as
	// orchsync.log.1 (newest) through orchsync.log.N (oldest).
	MaxBackups int
	// Compress gzips each backup after rotation.
	Compress bool
}

// DefaultRotation returns the rotation used when logging to a directory.
func DefaultRotation() Rotation {
	return Rotation{MaxSizeMB: 10, MaxBackups: 3}
}

func (r Rotation) maxBytes() int64 {
	return int64(r.MaxSizeMB) << 20
}

// RotatingFile is an append-only log file that rolls over to numbered
// backups when it reaches the configured size. It is safe for concurrent use.
type RotatingFile struct {
	path     string
	rotation Rotation

	mu   sync.Mutex
	f    *os.File
	size int64

	// gzip jobs outlive the rotate call; Close waits for them.
	compressors conc.WaitGroup
}

// OpenRotatingFile opens (or creates) path for appending.
func OpenRotatingFile(path string, rotation Rotation) (*RotatingFile, error) {
	rf := &RotatingFile{path: path, rotation: rotation}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (rf *RotatingFile) open() error {
	if err := os.MkdirAll(filepath.Dir(rf.path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(rf.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	rf.f = f
	rf.size = info.Size()
	return nil
}

// Write appends p, rotating first if p would push the file past MaxSizeMB.
// A failed rotation is reported on stderr and the write still goes to the
// current file.
func (rf *RotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.f == nil {
		return 0, os.ErrClosed
	}
	if limit := rf.rotation.maxBytes(); limit > 0 && rf.size > 0 && rf.size+int64(len(p)) > limit {
		if err := rf.rotate(); err != nil {
			fmt.Fprintf(os.Stderr, "orchsync: log rotation failed: %v\n", err)
		}
	}

	n, err := rf.f.Write(p)
	rf.size += int64(n)
	return n, err
}

// rotate must be called with mu held.
func (rf *RotatingFile) rotate() error {
	if err := rf.f.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	rf.f = nil

	rf.shiftBackups()

	if rf.rotation.MaxBackups <= 0 {
		if err := os.Remove(rf.path); err != nil && !os.IsNotExist(err) {
			return reopenAfter(rf, fmt.Errorf("failed to truncate log file: %w", err))
		}
		return rf.open()
	}

	first := BackupPath(rf.path, 1)
	if err := os.Rename(rf.path, first); err != nil {
		return reopenAfter(rf, fmt.Errorf("failed to rename log file: %w", err))
	}
	if rf.rotation.Compress {
		rf.compressors.Go(func() { compressBackup(first) })
	}
	return rf.open()
}

func reopenAfter(rf *RotatingFile, cause error) error {
	if err := rf.open(); err != nil {
		return fmt.Errorf("%w (reopen: %v)", cause, err)
	}
	return cause
}

// shiftBackups renames .i to .i+1 from oldest to newest, dropping whatever
// would land past MaxBackups.
func (rf *RotatingFile) shiftBackups() {
	keep := rf.rotation.MaxBackups
	if keep <= 0 {
		return
	}
	oldest := BackupPath(rf.path, keep)
	_ = os.Remove(oldest)
	_ = os.Remove(oldest + ".gz")

	for i := keep - 1; i >= 1; i-- {
		from, to := BackupPath(rf.path, i), BackupPath(rf.path, i+1)
		if _, err := os.Stat(from + ".gz"); err == nil {
			_ = os.Rename(from+".gz", to+".gz")
			continue
		}
		if _, err := os.Stat(from); err == nil {
			_ = os.Rename(from, to)
		}
	}
}

// BackupPath returns the path of the n-th rotated copy of path.
func BackupPath(path string, n int) string {
	return fmt.Sprintf("%s.%d", path, n)
}

func compressBackup(path string) {
	if err := gzipFile(path); err != nil {
		fmt.Fprintf(os.Stderr, "orchsync: log compression failed: %v\n", err)
	}
}

func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	gzPath := path + ".gz"
	dst, err := os.Create(gzPath)
	if err != nil {
		return err
	}

	zw := gzip.NewWriter(dst)
	_, copyErr := io.Copy(zw, src)
	closeErr := zw.Close()
	fileErr := dst.Close()
	for _, err := range []error{copyErr, closeErr, fileErr} {
		if err != nil {
			_ = os.Remove(gzPath)
			return err
		}
	}
	return os.Remove(path)
}

// Size reports the current file size in bytes.
func (rf *RotatingFile) Size() int64 {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.size
}

// Path returns the live log file path.
func (rf *RotatingFile) Path() string {
	return rf.path
}

// Sync flushes the live file to disk.
func (rf *RotatingFile) Sync() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.f == nil {
		return nil
	}
	return rf.f.Sync()
}

// Close syncs and closes the live file and waits for pending compression.
// It is idempotent.
func (rf *RotatingFile) Close() error {
	rf.mu.Lock()
	f := rf.f
	rf.f = nil
	rf.mu.Unlock()

	rf.compressors.Wait()

	if f == nil {
		return nil
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync log file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	return nil
}
