package ingest

import (
	"errors"
	"fmt"
	"io"
	"os"

	"robot-telemetry/internal/serial"
)

// ErrIdleTimeout is reported when no complete line arrives within the
// configured read timeout.
var ErrIdleTimeout = errors.New("ingest: no line within read timeout")

// ConnectionError is returned by Connect when the port cannot be opened or
// configured. Ingestion does not start and is not retried.
type ConnectionError struct {
	Port string
	Baud int
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s at %d baud: %v", e.Port, e.Baud, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// StreamError is the terminal error of a session whose stream failed and
// could not be reopened within the retry budget.
type StreamError struct {
	Port     string
	Attempts int
	Err      error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %s failed after %d reconnect attempts: %v", e.Port, e.Attempts, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// classify labels a stream error for logs and status.
func classify(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrIdleTimeout):
		return "idle"
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "eof"
	case errors.Is(err, os.ErrNotExist):
		return "gone"
	case errors.Is(err, os.ErrPermission):
		return "permission"
	default:
		return "io"
	}
}

// retryable reports whether reopening the port could help.
func retryable(err error) bool {
	switch {
	case errors.Is(err, os.ErrPermission), errors.Is(err, serial.ErrUnsupportedDriver):
		return false
	default:
		return true
	}
}
