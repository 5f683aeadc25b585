package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/fileshare/executor"
	"github.com/opd-ai/fileshare/filelock"
)

// ErrNotFound indicates a download of a file that does not exist.
var ErrNotFound = errors.New("file not found")

// ErrSizeMismatch indicates the source stream ended before the declared
// byte count was received.
var ErrSizeMismatch = errors.New("size mismatch")

// ErrDirectoryTraversal indicates a file name that resolves outside the
// shared root.
var ErrDirectoryTraversal = errors.New("path escapes the shared root")

// ErrFileBusy indicates a destructive operation on a file that still has
// active transfers.
var ErrFileBusy = errors.New("file has active operations")

const (
	// chunkSize is the streaming buffer size for file I/O.
	chunkSize = 4 * 1024
	// DefaultTimeout is the deadline applied to a single transfer.
	DefaultTimeout = 30 * time.Second
	// idlePollInterval paces AwaitIdle's in-use checks.
	idlePollInterval = 100 * time.Millisecond
)

// Result describes the outcome of a transfer operation. Err carries the
// underlying failure for callers that dispatch on it (errors.Is against
// executor.ErrTimeout, ErrSizeMismatch and friends); Message is the
// human-readable form reported on the wire.
type Result struct {
	Success bool
	Message string
	Path    string
	Err     error
}

// FileInfo is one entry of a shared-root listing.
type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// EventSink receives file events for fan-out to connected clients.
// A *notify.Broadcaster satisfies it.
type EventSink interface {
	NotifyNewFile(filename, uploader string)
	NotifyFileUpdated(filename, updater string)
	NotifyFileDeleted(filename, deleter string)
}

// Coordinator orchestrates transfers through the lock registry and the
// bounded executor.
type Coordinator struct {
	root    string
	locks   *filelock.Registry
	pool    *executor.Pool
	events  EventSink
	timeout time.Duration
}

// NewCoordinator creates a coordinator rooted at the given shared
// directory, creating it if needed. events may be nil when no broadcaster
// is attached; a non-positive timeout selects DefaultTimeout.
func NewCoordinator(root string, locks *filelock.Registry, pool *executor.Pool, events EventSink, timeout time.Duration) (*Coordinator, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving shared root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating shared root: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewCoordinator",
		"root":     abs,
		"timeout":  timeout,
	}).Info("File transfer coordinator initialized")

	return &Coordinator{
		root:    abs,
		locks:   locks,
		pool:    pool,
		events:  events,
		timeout: timeout,
	}, nil
}

// Root returns the absolute shared-root directory.
func (c *Coordinator) Root() string {
	return c.root
}

// resolve maps a client-supplied file name to a canonical path inside the
// shared root, rejecting traversal attempts.
func (c *Coordinator) resolve(name string) (string, error) {
	if name == "" || strings.ContainsRune(name, 0) {
		return "", ErrDirectoryTraversal
	}

	joined := filepath.Join(c.root, name)
	rel, err := filepath.Rel(c.root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrDirectoryTraversal
	}
	return joined, nil
}

// HandleUpload receives exactly declaredSize bytes from src and writes
// them to name inside the shared root under an exclusive lock. A source
// that ends early is a failure; a short file is never reported as success.
func (c *Coordinator) HandleUpload(name string, src io.Reader, declaredSize int64, uploader string) Result {
	logrus.WithFields(logrus.Fields{
		"function":      "HandleUpload",
		"file_name":     name,
		"declared_size": declaredSize,
		"uploader":      uploader,
	}).Info("Handling upload request")

	path, err := c.resolve(name)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "HandleUpload",
			"file_name": name,
			"error":     err.Error(),
		}).Warn("Rejected upload path")
		return Result{Success: false, Message: "Invalid file name", Path: name, Err: err}
	}
	if declaredSize < 0 {
		return Result{Success: false, Message: "Invalid file size", Path: path, Err: ErrSizeMismatch}
	}

	if c.locks.InUse(path) {
		// Log the concurrent access and proceed; the writer lock
		// serializes the actual I/O.
		logrus.WithFields(logrus.Fields{
			"function":   "HandleUpload",
			"file_name":  name,
			"active_ops": c.locks.ActiveCount(path),
		}).Info("File is currently in use")
	}

	_, statErr := os.Stat(path)
	existed := statErr == nil

	fut, err := c.pool.Submit("upload:"+name, func() error {
		guard := c.locks.AcquireWrite(path)
		defer guard.Release()
		return c.writeExact(path, src, declaredSize)
	})
	if err != nil {
		return Result{Success: false, Message: "Server is shutting down", Path: path, Err: err}
	}

	switch err := fut.Get(c.timeout); {
	case err == nil:
		logrus.WithFields(logrus.Fields{
			"function":  "HandleUpload",
			"file_name": name,
		}).Info("Upload successful")
		c.emitUploadEvent(name, uploader, existed)
		return Result{Success: true, Message: "File uploaded successfully", Path: path}

	case errors.Is(err, executor.ErrTimeout):
		logrus.WithFields(logrus.Fields{
			"function":  "HandleUpload",
			"file_name": name,
		}).Error("Upload timeout")
		return Result{Success: false, Message: "Upload timeout", Path: path, Err: err}

	case errors.Is(err, ErrSizeMismatch):
		logrus.WithFields(logrus.Fields{
			"function":  "HandleUpload",
			"file_name": name,
			"error":     err.Error(),
		}).Error("Upload size mismatch")
		return Result{Success: false, Message: err.Error(), Path: path, Err: err}

	default:
		logrus.WithFields(logrus.Fields{
			"function":  "HandleUpload",
			"file_name": name,
			"error":     err.Error(),
		}).Error("Upload failed")
		return Result{Success: false, Message: "File upload failed", Path: path, Err: err}
	}
}

// emitUploadEvent announces a completed upload. A rewrite of an existing
// file is an update, a fresh name is a new file.
func (c *Coordinator) emitUploadEvent(name, uploader string, existed bool) {
	if c.events == nil {
		return
	}
	if existed {
		c.events.NotifyFileUpdated(name, uploader)
	} else {
		c.events.NotifyNewFile(name, uploader)
	}
}

// HandleDownload streams the named file to dst under a shared lock.
// Concurrent downloads of the same file proceed in parallel; a concurrent
// upload is held off until every reader releases.
func (c *Coordinator) HandleDownload(name string, dst io.Writer) Result {
	logrus.WithFields(logrus.Fields{
		"function":  "HandleDownload",
		"file_name": name,
	}).Info("Handling download request")

	path, err := c.resolve(name)
	if err != nil {
		return Result{Success: false, Message: "Invalid file name", Path: name, Err: err}
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		logrus.WithFields(logrus.Fields{
			"function":  "HandleDownload",
			"file_name": name,
		}).Warn("File not found")
		return Result{Success: false, Message: "File not found", Path: path, Err: ErrNotFound}
	}

	if c.locks.InUse(path) {
		logrus.WithFields(logrus.Fields{
			"function":   "HandleDownload",
			"file_name":  name,
			"active_ops": c.locks.ActiveCount(path),
		}).Info("File is being accessed concurrently")
	}

	fut, err := c.pool.Submit("download:"+name, func() error {
		guard := c.locks.AcquireRead(path)
		defer guard.Release()
		return c.readAll(path, dst)
	})
	if err != nil {
		return Result{Success: false, Message: "Server is shutting down", Path: path, Err: err}
	}

	switch err := fut.Get(c.timeout); {
	case err == nil:
		logrus.WithFields(logrus.Fields{
			"function":  "HandleDownload",
			"file_name": name,
		}).Info("Download successful")
		return Result{Success: true, Message: "File downloaded successfully", Path: path}

	case errors.Is(err, executor.ErrTimeout):
		logrus.WithFields(logrus.Fields{
			"function":  "HandleDownload",
			"file_name": name,
		}).Error("Download timeout")
		return Result{Success: false, Message: "Download timeout", Path: path, Err: err}

	default:
		logrus.WithFields(logrus.Fields{
			"function":  "HandleDownload",
			"file_name": name,
			"error":     err.Error(),
		}).Error("Download failed")
		return Result{Success: false, Message: "File download failed", Path: path, Err: err}
	}
}

// writeExact copies exactly size bytes from src into path, streaming in
// fixed-size chunks so the whole file is never buffered in memory.
func (c *Coordinator) writeExact(path string, src io.Reader, size int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	var written int64
	for written < size {
		chunk := int64(len(buf))
		if remaining := size - written; remaining < chunk {
			chunk = remaining
		}

		n, err := src.Read(buf[:chunk])
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return fmt.Errorf("writing %s: %w", path, werr)
			}
			written += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading upload stream: %w", err)
		}
	}

	if written != size {
		return fmt.Errorf("%w: declared %d bytes, received %d", ErrSizeMismatch, size, written)
	}

	logrus.WithFields(logrus.Fields{
		"function": "writeExact",
		"path":     path,
		"bytes":    written,
	}).Debug("Wrote file")

	return nil
}

// readAll streams the whole file at path into dst in fixed-size chunks.
func (c *Coordinator) readAll(path string, dst io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	var total int64
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return fmt.Errorf("writing download stream: %w", werr)
			}
			total += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "readAll",
		"path":     path,
		"bytes":    total,
	}).Debug("Read file")

	return nil
}

// StatFile returns the size of the named file, or ErrNotFound.
func (c *Coordinator) StatFile(name string) (int64, error) {
	path, err := c.resolve(name)
	if err != nil {
		return 0, ErrNotFound
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return 0, ErrNotFound
	}
	return info.Size(), nil
}

// CanDelete reports whether the named file has no active operations.
func (c *Coordinator) CanDelete(name string) bool {
	path, err := c.resolve(name)
	if err != nil {
		return false
	}

	inUse := c.locks.InUse(path)
	if inUse {
		logrus.WithFields(logrus.Fields{
			"function":   "CanDelete",
			"file_name":  name,
			"active_ops": c.locks.ActiveCount(path),
		}).Info("Cannot delete file, in use")
	}
	return !inUse
}

// AwaitIdle polls until the named file has no active operations or the
// timeout elapses, reporting whether the file went idle.
func (c *Coordinator) AwaitIdle(name string, timeout time.Duration) bool {
	path, err := c.resolve(name)
	if err != nil {
		return false
	}

	deadline := time.Now().Add(timeout)
	for c.locks.InUse(path) {
		if time.Now().After(deadline) {
			logrus.WithFields(logrus.Fields{
				"function":  "AwaitIdle",
				"file_name": name,
			}).Warn("Timeout waiting for file to go idle")
			return false
		}
		time.Sleep(idlePollInterval)
	}
	return true
}

// DeleteFile removes the named file once it is idle and announces the
// deletion. It fails with ErrFileBusy if transfers are still active after
// the coordinator's timeout.
func (c *Coordinator) DeleteFile(name, deleter string) error {
	path, err := c.resolve(name)
	if err != nil {
		return err
	}

	if !c.AwaitIdle(name, c.timeout) {
		return ErrFileBusy
	}

	guard := c.locks.AcquireWrite(path)
	defer guard.Release()

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("deleting %s: %w", path, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "DeleteFile",
		"file_name": name,
		"deleter":   deleter,
	}).Info("File deleted")

	if c.events != nil {
		c.events.NotifyFileDeleted(name, deleter)
	}
	return nil
}

// RenameFile renames a file inside the shared root once it is idle and
// announces the change. Only the source path's lock is held during the
// rename; holding locks on two paths at once is never done, which rules
// out cross-file deadlock.
func (c *Coordinator) RenameFile(oldName, newName, renamer string) error {
	oldPath, err := c.resolve(oldName)
	if err != nil {
		return err
	}
	newPath, err := c.resolve(newName)
	if err != nil {
		return err
	}

	if !c.AwaitIdle(oldName, c.timeout) {
		return ErrFileBusy
	}
	if c.locks.InUse(newPath) {
		return ErrFileBusy
	}

	guard := c.locks.AcquireWrite(oldPath)
	defer guard.Release()

	if err := os.Rename(oldPath, newPath); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("renaming %s: %w", oldPath, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "RenameFile",
		"old_name": oldName,
		"new_name": newName,
		"renamer":  renamer,
	}).Info("File renamed")

	if c.events != nil {
		c.events.NotifyFileUpdated(newName, renamer)
	}
	return nil
}

// ListFiles returns the regular files in the shared root.
func (c *Coordinator) ListFiles() ([]FileInfo, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return nil, fmt.Errorf("listing shared root: %w", err)
	}

	files := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{
			Name:    entry.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return files, nil
}
