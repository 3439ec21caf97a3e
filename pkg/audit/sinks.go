package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
)

// WriterSink writes each entry as one JSON line prefixed with "AUDIT: ".
type WriterSink struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewWriterSink creates a sink writing to w, or stdout when w is nil.
func NewWriterSink(w io.Writer) *WriterSink {
	if w == nil {
		w = os.Stdout
	}
	return &WriterSink{writer: w}
}

func (s *WriterSink) Write(_ context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Prefix with AUDIT: for easy filtering
	_, err = s.writer.Write(append([]byte("AUDIT: "), append(data, '\n')...))
	return err
}

// SlogSink mirrors entries into structured logs at the matching level.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink logging through logger (slog.Default if nil).
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger.With("component", "audit")}
}

func (s *SlogSink) Write(ctx context.Context, e Entry) error {
	level := slog.LevelInfo
	switch e.Severity {
	case SeverityWarn:
		level = slog.LevelWarn
	case SeverityError:
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, e.Summary,
		"audit_type", string(e.Type),
		"sequence", e.Sequence,
		"audit_id", e.ID,
	)
	return nil
}
