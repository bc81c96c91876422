package sink

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileSink writes trace records to a session trace file. Writes past
// MaxSizeKB are dropped after a single truncation marker; write errors
// are logged once and the sink degrades to discarding.
type FileSink struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	written   int64
	maxBytes  int64
	truncated bool
	failed    bool
	logger    *slog.Logger
}

// NewFileSink creates the trace directory if needed and opens a fresh
// trace file named querytrace_<pid>_<unix>.trc, matching the trace file
// layout DBAs expect from session tracing.
func NewFileSink(dir string, maxSizeKB int, logger *slog.Logger) (*FileSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create trace directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, fmt.Sprintf("querytrace_%d_%d.trc", os.Getpid(), time.Now().Unix()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file %s: %w", path, err)
	}

	return &FileSink{
		file:     f,
		path:     path,
		maxBytes: int64(maxSizeKB) * 1024,
		logger:   logger.With("component", "sink.FileSink"),
	}, nil
}

// Path returns the trace file path.
func (s *FileSink) Path() string { return s.path }

func (s *FileSink) Write(record string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil || s.failed {
		return
	}
	if s.maxBytes > 0 && s.written >= s.maxBytes {
		if !s.truncated {
			s.truncated = true
			_, _ = s.file.WriteString("*** trace file size limit reached, further records dropped\n")
		}
		return
	}

	n, err := s.file.WriteString(record + "\n")
	s.written += int64(n)
	if err != nil {
		// Degrade silently: tracing must never abort the statement.
		s.failed = true
		s.logger.Warn("trace file write failed, discarding further records",
			"path", s.path, "error", err)
	}
}

// Close flushes and closes the file. Further writes are discarded.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
