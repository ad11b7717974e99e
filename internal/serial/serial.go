package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	bugst "go.bug.st/serial"
)

const (
	DriverBugst   = "bugst"
	DriverTermios = "termios"

	DefaultOpenTimeout = 20 * time.Second
)

var (
	ErrOpenTimeout       = errors.New("serial: open timed out")
	ErrUnsupportedDriver = errors.New("serial: unsupported driver")
)

// Config selects a port and how to open it. Every port is opened 8N1.
type Config struct {
	Driver  string
	Port    string
	Baud    int
	Timeout time.Duration
}

type openFunc func(port string, baud int) (io.ReadCloser, error)

var drivers = map[string]openFunc{
	DriverBugst:   openBugst,
	DriverTermios: openTermios,
}

// ListPorts returns the serial ports the OS reports, sorted by name.
func ListPorts() ([]string, error) {
	ports, err := bugst.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	sort.Strings(ports)
	return ports, nil
}

// Open opens cfg.Port, waiting at most cfg.Timeout (DefaultOpenTimeout when
// zero). A port that finishes opening after the deadline is closed.
func Open(ctx context.Context, cfg Config) (io.ReadCloser, error) {
	port := strings.TrimSpace(cfg.Port)
	if port == "" {
		return nil, fmt.Errorf("serial port is required")
	}
	if cfg.Baud <= 0 {
		return nil, fmt.Errorf("serial baud must be > 0")
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverBugst
	}
	open, ok := drivers[driver]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultOpenTimeout
	}
	return openWithin(ctx, timeout, func() (io.ReadCloser, error) {
		return open(port, cfg.Baud)
	})
}

func openWithin(ctx context.Context, timeout time.Duration, open func() (io.ReadCloser, error)) (io.ReadCloser, error) {
	type result struct {
		rc  io.ReadCloser
		err error
	}
	ch := make(chan result, 1)
	go func() {
		rc, err := open()
		ch <- result{rc: rc, err: err}
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()

	var cause error
	select {
	case r := <-ch:
		return r.rc, r.err
	case <-ctx.Done():
		cause = ctx.Err()
	case <-t.C:
		cause = fmt.Errorf("%w after %s", ErrOpenTimeout, timeout)
	}

	go func() {
		if r := <-ch; r.rc != nil {
			_ = r.rc.Close()
		}
	}()
	return nil, cause
}

func openBugst(port string, baud int) (io.ReadCloser, error) {
	mode := &bugst.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	}
	p, err := bugst.Open(port, mode)
	if err != nil {
		return nil, err
	}
	return p, nil
}
