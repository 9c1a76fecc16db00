package runlog

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const logSuffix = ".log"

// Manager handles persistent per-attempt output log files and retention.
type Manager struct {
	baseDir       string
	maxBytes      int64
	retentionDays int
	maxTotalBytes int64
}

// NewManager creates a new attempt log manager.
func NewManager(baseDir string, maxBytes int64, retentionDays int, maxTotalBytes int64) *Manager {
	return &Manager{
		baseDir:       baseDir,
		maxBytes:      maxBytes,
		retentionDays: retentionDays,
		maxTotalBytes: maxTotalBytes,
	}
}

// BaseDir returns the base log directory.
func (m *Manager) BaseDir() string {
	return m.baseDir
}

// Path returns the log file path for an attempt.
func (m *Manager) Path(accountID, attemptID string) string {
	return filepath.Join(m.baseDir, sanitizeSegment(accountID), sanitizeSegment(attemptID)+logSuffix)
}

// OpenAttemptWriter opens a capped writer for the attempt's combined output.
func (m *Manager) OpenAttemptWriter(accountID, attemptID string) (*CappedFileWriter, error) {
	path := m.Path(accountID, attemptID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return NewCappedFileWriter(f, m.maxBytes), nil
}

// ReadAttemptLog reads the persisted log for the attempt.
// A missing file yields os.ErrNotExist.
func (m *Manager) ReadAttemptLog(accountID, attemptID string) (string, string, error) {
	path := m.Path(accountID, attemptID)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", path, err
	}
	return string(data), path, nil
}

// Cleanup removes old logs and enforces a maximum total log size.
func (m *Manager) Cleanup() error {
	cutoff := time.Now().AddDate(0, 0, -m.retentionDays)

	type fileInfo struct {
		path    string
		size    int64
		modTime time.Time
	}

	var files []fileInfo

	err := filepath.WalkDir(m.baseDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !strings.HasSuffix(path, logSuffix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		if info.ModTime().Before(cutoff) {
			_ = os.Remove(path)
			return nil
		}

		files = append(files, fileInfo{
			path:    path,
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	if m.maxTotalBytes <= 0 {
		return nil
	}

	var total int64
	for _, f := range files {
		total += f.size
	}
	if total <= m.maxTotalBytes {
		return nil
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	for _, f := range files {
		if total <= m.maxTotalBytes {
			break
		}
		if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			continue
		}
		total -= f.size
	}

	return nil
}

// CappedFileWriter writes to a file up to maxBytes, then discards new bytes.
type CappedFileWriter struct {
	file      *os.File
	maxBytes  int64
	written   int64
	truncated bool
}

// NewCappedFileWriter creates a capped writer.
func NewCappedFileWriter(file *os.File, maxBytes int64) *CappedFileWriter {
	return &CappedFileWriter{
		file:     file,
		maxBytes: maxBytes,
	}
}

// Write stores as much as allowed, discarding excess bytes while reporting success.
func (w *CappedFileWriter) Write(p []byte) (int, error) {
	if w.maxBytes <= 0 {
		w.truncated = true
		return len(p), nil
	}

	remaining := w.maxBytes - w.written
	if remaining <= 0 {
		w.truncated = true
		return len(p), nil
	}

	toWrite := p
	if int64(len(p)) > remaining {
		toWrite = p[:remaining]
		w.truncated = true
	}

	n, err := w.file.Write(toWrite)
	if err != nil {
		// A failing log file must not fail the attempt.
		return len(p), nil
	}
	w.written += int64(n)
	return len(p), nil
}

// Close closes the underlying file.
func (w *CappedFileWriter) Close() error {
	return w.file.Close()
}

// Path returns the file path being written.
func (w *CappedFileWriter) Path() string {
	return w.file.Name()
}

// WrittenBytes returns the number of bytes persisted.
func (w *CappedFileWriter) WrittenBytes() int64 {
	return w.written
}

// Truncated reports whether content exceeded maxBytes.
func (w *CappedFileWriter) Truncated() bool {
	return w.truncated
}

func sanitizeSegment(value string) string {
	if value == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(value))
	for _, ch := range value {
		isLower := ch >= 'a' && ch <= 'z'
		isUpper := ch >= 'A' && ch <= 'Z'
		isDigit := ch >= '0' && ch <= '9'
		if isLower || isUpper || isDigit || ch == '-' || ch == '_' || ch == '.' {
			b.WriteRune(ch)
			continue
		}
		b.WriteByte('_')
	}
	result := strings.Trim(b.String(), "._")
	if result == "" {
		return "unknown"
	}
	return result
}
