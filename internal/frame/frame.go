package frame

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// CanonicalLen is the length of a line after prefix normalization.
	CanonicalLen = 62
	// PrefixedLen is the length of a line that still carries the terminal
	// control prefix.
	PrefixedLen = CanonicalLen + prefixLen

	prefixLen   = 3
	valueOffset = 12
	valueEnd    = 18
)

var (
	ErrLength    = errors.New("frame: bad line length")
	ErrNoChannel = errors.New("frame: missing channel name")
	ErrValue     = errors.New("frame: value field is not an integer")
)

// Sample is one successfully parsed frame.
type Sample struct {
	Channel string
	Value   int64
}

// DiscardError explains why a line produced no sample. It unwraps to one of
// ErrLength, ErrNoChannel or ErrValue.
type DiscardError struct {
	Reason error
	Len    int
	Field  string
}

func (e *DiscardError) Error() string {
	switch e.Reason {
	case ErrLength:
		return fmt.Sprintf("%v (len=%d)", e.Reason, e.Len)
	case ErrValue:
		return fmt.Sprintf("%v (field=%q)", e.Reason, e.Field)
	default:
		return e.Reason.Error()
	}
}

func (e *DiscardError) Unwrap() error { return e.Reason }

// Normalize strips the optional control prefix and checks the canonical
// length.
func Normalize(line string) (string, error) {
	if len(line) == PrefixedLen {
		line = line[prefixLen:]
	}
	if len(line) != CanonicalLen {
		return "", &DiscardError{Reason: ErrLength, Len: len(line)}
	}
	return line, nil
}

// Parse turns one line (without its line terminator) into a Sample.
// It never panics; every rejected line yields a *DiscardError.
func Parse(line string) (Sample, error) {
	canon, err := Normalize(line)
	if err != nil {
		return Sample{}, err
	}

	sp := strings.IndexByte(canon, ' ')
	if sp <= 0 {
		return Sample{}, &DiscardError{Reason: ErrNoChannel}
	}

	field := canon[valueOffset:valueEnd]
	v, err := strconv.ParseInt(field, 10, 64)
	if err != nil {
		return Sample{}, &DiscardError{Reason: ErrValue, Field: field}
	}
	return Sample{Channel: canon[:sp], Value: v}, nil
}

// Reason returns a short, stable label for a discard error, suitable for
// counters. Unknown errors map to "other".
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrLength):
		return "length"
	case errors.Is(err, ErrNoChannel):
		return "channel"
	case errors.Is(err, ErrValue):
		return "value"
	default:
		return "other"
	}
}
