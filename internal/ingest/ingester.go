package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"robot-telemetry/internal/frame"
	"robot-telemetry/internal/logging"
	"robot-telemetry/internal/serial"
	"robot-telemetry/internal/store"
)

const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateReconnecting = "reconnecting"
	StateFailed       = "failed"
)

type RetryConfig struct {
	// MaxAttempts is the number of consecutive reopen attempts after a
	// stream failure before the session fails for good.
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

type Config struct {
	// Driver is the serial driver name, see package serial.
	Driver         string
	ConnectTimeout time.Duration
	// ReadTimeout bounds the wait for the next complete line. Zero disables
	// the idle check.
	ReadTimeout  time.Duration
	MaxLineBytes int
	Retry        RetryConfig
}

// Opener opens a port for reading. It is swapped out in tests.
type Opener func(ctx context.Context, port string, baud int) (io.ReadCloser, error)

type Option func(*Ingester)

func WithOpener(o Opener) Option {
	return func(i *Ingester) {
		if o != nil {
			i.open = o
		}
	}
}

func WithPortLister(l func() ([]string, error)) Option {
	return func(i *Ingester) {
		if l != nil {
			i.listPorts = l
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(i *Ingester) {
		if l != nil {
			i.log = l
		}
	}
}

// Ingester reads telemetry lines from one serial port at a time and appends
// the parsed samples to a store. It is the only writer of that store while a
// session is active.
type Ingester struct {
	cfg       Config
	store     *store.Store
	open      Opener
	listPorts func() ([]string, error)
	log       *slog.Logger

	// ctl serializes Connect and Stop.
	ctl  sync.Mutex
	sess *session
	// cancelOpen aborts the open in flight in Connect. Guarded by mu.
	cancelOpen context.CancelFunc

	mu        sync.RWMutex
	state     string
	port      string
	baud      int
	sessionID string
	lastErr   string
	since     time.Time
	termErr   error

	lines      atomic.Uint64
	samples    atomic.Uint64
	reconnects atomic.Uint64
	lastLine   atomic.Int64
	discards   [4]atomic.Uint64
}

type session struct {
	cancel context.CancelFunc
	done   chan struct{}
	writer *store.Writer

	mu sync.Mutex
	rc io.ReadCloser
}

func (s *session) setPort(ctx context.Context, rc io.ReadCloser) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		_ = rc.Close()
		return false
	}
	s.rc = rc
	return true
}

func (s *session) closePort() {
	s.mu.Lock()
	rc := s.rc
	s.mu.Unlock()
	if rc != nil {
		_ = rc.Close()
	}
}

// Snapshot is a point-in-time view of the ingester for status reporting.
type Snapshot struct {
	State             string            `json:"state"`
	Port              string            `json:"port,omitempty"`
	Baud              int               `json:"baud,omitempty"`
	Session           string            `json:"session,omitempty"`
	ConnectedSinceUTC string            `json:"connected_since_utc,omitempty"`
	Lines             uint64            `json:"lines"`
	Samples           uint64            `json:"samples"`
	Discarded         map[string]uint64 `json:"discarded"`
	Reconnects        uint64            `json:"reconnects"`
	LastLineUTC       string            `json:"last_line_utc,omitempty"`
	LastError         string            `json:"last_error,omitempty"`
}

var discardReasons = [4]string{"length", "channel", "value", "other"}

func New(cfg Config, st *store.Store, opts ...Option) *Ingester {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = serial.DefaultOpenTimeout
	}
	if cfg.ReadTimeout < 0 {
		cfg.ReadTimeout = 0
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = 4096
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 5
	}
	if cfg.Retry.BackoffInitial <= 0 {
		cfg.Retry.BackoffInitial = 250 * time.Millisecond
	}
	if cfg.Retry.BackoffMax <= 0 {
		cfg.Retry.BackoffMax = 10 * time.Second
	}
	if cfg.Retry.BackoffMax < cfg.Retry.BackoffInitial {
		cfg.Retry.BackoffMax = cfg.Retry.BackoffInitial
	}

	i := &Ingester{
		cfg:       cfg,
		store:     st,
		listPorts: serial.ListPorts,
		log:       logging.Component("ingest"),
		state:     StateDisconnected,
	}
	i.open = func(ctx context.Context, port string, baud int) (io.ReadCloser, error) {
		return serial.Open(ctx, serial.Config{Driver: i.cfg.Driver, Port: port, Baud: baud, Timeout: i.cfg.ConnectTimeout})
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// ListPorts returns the serial ports available for Connect.
func (i *Ingester) ListPorts() ([]string, error) {
	return i.listPorts()
}

// Connect stops any active session, opens port and starts reading it in the
// background. Failures are returned as *ConnectionError.
func (i *Ingester) Connect(ctx context.Context, port string, baud int) error {
	if i == nil {
		return fmt.Errorf("ingester is nil")
	}
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}
	port = strings.TrimSpace(port)

	i.ctl.Lock()
	defer i.ctl.Unlock()
	i.stopLocked()

	w, err := i.store.AcquireWriter()
	if err != nil {
		return &ConnectionError{Port: port, Baud: baud, Err: err}
	}

	i.resetCounters()
	i.mu.Lock()
	i.port = port
	i.baud = baud
	i.sessionID = ""
	i.since = time.Time{}
	i.termErr = nil
	i.mu.Unlock()

	openCtx, cancelOpen := context.WithCancel(ctx)
	defer cancelOpen()
	i.mu.Lock()
	i.cancelOpen = cancelOpen
	i.mu.Unlock()
	i.setState(StateConnecting, "")

	rc, err := i.open(openCtx, port, baud)
	i.mu.Lock()
	i.cancelOpen = nil
	i.mu.Unlock()
	if err == nil && openCtx.Err() != nil {
		_ = rc.Close()
		err = openCtx.Err()
	}
	if err != nil {
		w.Release()
		cerr := &ConnectionError{Port: port, Baud: baud, Err: err}
		i.setState(StateDisconnected, cerr.Error())
		i.log.Error("serial connect failed", "port", port, "baud", baud, "err", err)
		return cerr
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sess := &session{cancel: cancel, done: make(chan struct{}), writer: w, rc: rc}
	i.sess = sess

	id := uuid.NewString()
	i.mu.Lock()
	i.sessionID = id
	i.since = time.Now().UTC()
	i.mu.Unlock()
	i.setState(StateConnected, "")
	i.log.Info("serial connected", "port", port, "baud", baud, "session", id)

	go i.run(runCtx, sess, rc, port, baud)
	return nil
}

// Stop ends the active session, if any, and waits for its reader to exit.
// An open in progress in Connect is cancelled and Connect returns a
// *ConnectionError. The store writer is released before Stop returns.
func (i *Ingester) Stop() {
	if i == nil {
		return
	}
	i.mu.RLock()
	cancelOpen := i.cancelOpen
	i.mu.RUnlock()
	if cancelOpen != nil {
		cancelOpen()
	}
	i.ctl.Lock()
	defer i.ctl.Unlock()
	i.stopLocked()
}

func (i *Ingester) stopLocked() {
	sess := i.sess
	if sess == nil {
		return
	}
	i.sess = nil
	sess.cancel()
	sess.closePort()
	<-sess.done
	i.setState(StateDisconnected, "")
}

// Done is closed when the current session's reader exits, whether stopped
// or failed. With no session it returns a closed channel.
func (i *Ingester) Done() <-chan struct{} {
	i.ctl.Lock()
	sess := i.sess
	i.ctl.Unlock()
	if sess == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sess.done
}

// Err returns the terminal *StreamError of the last session, or nil.
func (i *Ingester) Err() error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.termErr
}

func (i *Ingester) Snapshot() Snapshot {
	if i == nil {
		return Snapshot{}
	}
	i.mu.RLock()
	out := Snapshot{
		State:     i.state,
		Port:      i.port,
		Baud:      i.baud,
		Session:   i.sessionID,
		LastError: i.lastErr,
	}
	since := i.since
	i.mu.RUnlock()

	if !since.IsZero() && out.State != StateDisconnected && out.State != StateFailed {
		out.ConnectedSinceUTC = since.Format(time.RFC3339Nano)
	}
	out.Lines = i.lines.Load()
	out.Samples = i.samples.Load()
	out.Reconnects = i.reconnects.Load()
	out.Discarded = make(map[string]uint64, len(discardReasons))
	for idx, name := range discardReasons {
		out.Discarded[name] = i.discards[idx].Load()
	}
	if n := i.lastLine.Load(); n != 0 {
		out.LastLineUTC = time.Unix(0, n).UTC().Format(time.RFC3339Nano)
	}
	return out
}

func (i *Ingester) run(ctx context.Context, sess *session, rc io.ReadCloser, port string, baud int) {
	defer close(sess.done)
	defer sess.writer.Release()

	backoff := i.cfg.Retry.BackoffInitial
	attempts := 0

	for {
		gotLine, err := i.readLines(sess.writer, rc)
		_ = rc.Close()
		if ctx.Err() != nil {
			i.setState(StateDisconnected, "")
			return
		}
		// An idle timeout means the port was open and only silent, so only
		// the reopens that follow count against the budget.
		idle := errors.Is(err, ErrIdleTimeout)
		if gotLine || idle {
			attempts = 0
			backoff = i.cfg.Retry.BackoffInitial
		}

		for {
			if !retryable(err) || attempts >= i.cfg.Retry.MaxAttempts {
				i.fail(port, attempts, err)
				return
			}
			attempts++
			i.setState(StateReconnecting, err.Error())
			i.log.Warn("serial stream failed, reopening",
				"port", port, "kind", classify(err), "attempt", attempts, "backoff", backoff, "err", err)

			if !sleepCtx(ctx, backoff) {
				i.setState(StateDisconnected, "")
				return
			}
			backoff *= 2
			if backoff > i.cfg.Retry.BackoffMax {
				backoff = i.cfg.Retry.BackoffMax
			}

			next, oerr := i.open(ctx, port, baud)
			if oerr != nil {
				if ctx.Err() != nil {
					i.setState(StateDisconnected, "")
					return
				}
				err = oerr
				continue
			}
			if !sess.setPort(ctx, next) {
				i.setState(StateDisconnected, "")
				return
			}
			rc = next
			break
		}

		i.reconnects.Add(1)
		i.setState(StateConnected, "")
		i.log.Info("serial reopened", "port", port, "baud", baud, "attempt", attempts, "idle", idle)
	}
}

func (i *Ingester) fail(port string, attempts int, err error) {
	serr := &StreamError{Port: port, Attempts: attempts, Err: err}
	i.mu.Lock()
	i.termErr = serr
	i.mu.Unlock()
	i.setState(StateFailed, serr.Error())
	i.log.Error("serial stream failed", "port", port, "kind", classify(err), "attempts", attempts, "err", err)
}

// readLines consumes rc until it fails. gotLine reports whether at least one
// complete line was read.
func (i *Ingester) readLines(w *store.Writer, rc io.ReadCloser) (gotLine bool, err error) {
	var idle atomic.Bool
	var watchdog *time.Timer
	if d := i.cfg.ReadTimeout; d > 0 {
		watchdog = time.AfterFunc(d, func() {
			idle.Store(true)
			_ = rc.Close()
		})
		defer watchdog.Stop()
	}

	lr := newLineReader(rc, i.cfg.MaxLineBytes)
	for {
		line, err := lr.next()
		if err != nil {
			if idle.Load() {
				err = ErrIdleTimeout
			}
			return gotLine, err
		}
		if lr.overlong > 0 {
			i.discards[0].Add(uint64(lr.overlong))
			lr.overlong = 0
		}
		if watchdog != nil {
			watchdog.Reset(i.cfg.ReadTimeout)
		}
		gotLine = true
		i.handleLine(w, line)
	}
}

func (i *Ingester) handleLine(w *store.Writer, line string) {
	i.lines.Add(1)
	i.lastLine.Store(time.Now().UnixNano())

	s, err := frame.Parse(line)
	if err != nil {
		i.countDiscard(err)
		return
	}
	if err := w.Append(s.Channel, s.Value); err != nil {
		i.countDiscard(err)
		return
	}
	i.samples.Add(1)
}

func (i *Ingester) countDiscard(err error) {
	reason := frame.Reason(err)
	for idx, name := range discardReasons {
		if name == reason {
			i.discards[idx].Add(1)
			return
		}
	}
}

func (i *Ingester) resetCounters() {
	i.lines.Store(0)
	i.samples.Store(0)
	i.reconnects.Store(0)
	i.lastLine.Store(0)
	for idx := range i.discards {
		i.discards[idx].Store(0)
	}
}

func (i *Ingester) setState(state string, lastErr string) {
	i.mu.Lock()
	i.state = state
	if lastErr != "" {
		i.lastErr = lastErr
	} else if state == StateConnecting || state == StateConnected {
		i.lastErr = ""
	}
	i.mu.Unlock()
}

// lineReader splits a byte stream into lines, dropping lines longer than max.
type lineReader struct {
	r        *bufio.Reader
	skipping bool
	overlong int
}

func newLineReader(r io.Reader, max int) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(r, max)}
}

func (l *lineReader) next() (string, error) {
	for {
		b, err := l.r.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			l.skipping = true
			continue
		}
		if err != nil {
			return "", err
		}
		if l.skipping {
			l.skipping = false
			l.overlong++
			continue
		}
		line := string(b[:len(b)-1])
		return strings.TrimSuffix(line, "\r"), nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
