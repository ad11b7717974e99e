//go:build !linux

package serial

import (
	"fmt"
	"io"
)

func openTermios(path string, baud int) (io.ReadCloser, error) {
	return nil, fmt.Errorf("%w: termios is linux only", ErrUnsupportedDriver)
}
