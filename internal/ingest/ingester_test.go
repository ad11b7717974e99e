package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"robot-telemetry/internal/store"
)

// line builds a canonical 62-char frame for name with a 6-char value field.
func line(name string, v int) string {
	b := []byte(strings.Repeat("0", 62))
	copy(b, name+" ")
	copy(b[12:18], fmt.Sprintf("%+06d", v))
	return string(b) + "\r\n"
}

// fakePorts hands out one pipe per successful open. Opens beyond the
// prepared pipes fail with errOpen.
type fakePorts struct {
	mu      sync.Mutex
	writers []*io.PipeWriter
	readers []*io.PipeReader
	opens   int
	failAll bool
}

var errOpen = errors.New("device not present")

func newFakePorts(n int) *fakePorts {
	f := &fakePorts{}
	for k := 0; k < n; k++ {
		r, w := io.Pipe()
		f.readers = append(f.readers, r)
		f.writers = append(f.writers, w)
	}
	return f
}

func (f *fakePorts) open(ctx context.Context, port string, baud int) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll || f.opens >= len(f.readers) {
		f.opens++
		return nil, errOpen
	}
	r := f.readers[f.opens]
	f.opens++
	return r, nil
}

func (f *fakePorts) writer(k int) *io.PipeWriter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writers[k]
}

func (f *fakePorts) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BackoffInitial: time.Millisecond, BackoffMax: 4 * time.Millisecond}
}

func TestIngester_AppendsParsedFrames(t *testing.T) {
	st := store.New(store.Config{})
	ports := newFakePorts(1)
	ing := New(Config{Retry: fastRetry()}, st, WithOpener(ports.open))
	t.Cleanup(ing.Stop)

	require.NoError(t, ing.Connect(context.Background(), "/dev/ttyTEST", 921600))
	assert.Equal(t, StateConnected, ing.Snapshot().State)

	w := ports.writer(0)
	go func() {
		_, _ = io.WriteString(w, line("ABC", 123))
		_, _ = io.WriteString(w, "\x1b[H"+line("ABC", -7))
		_, _ = io.WriteString(w, line("AngleX", 42))
	}()

	require.Eventually(t, func() bool { return ing.Snapshot().Samples == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, st.Length("AngleX"))
	v, ok := st.Latest("ABC")
	require.True(t, ok)
	assert.Equal(t, int64(-7), v)
	assert.Equal(t, []int64{123, -7}, st.History("ABC"))

	snap := ing.Snapshot()
	assert.Equal(t, uint64(3), snap.Lines)
	assert.Equal(t, uint64(3), snap.Samples)
	assert.Equal(t, "/dev/ttyTEST", snap.Port)
	assert.Equal(t, 921600, snap.Baud)
	assert.NotEmpty(t, snap.Session)
	assert.NotEmpty(t, snap.LastLineUTC)
}

func TestIngester_DiscardsBadFramesAndContinues(t *testing.T) {
	st := store.New(store.Config{})
	ports := newFakePorts(1)
	ing := New(Config{Retry: fastRetry()}, st, WithOpener(ports.open))
	t.Cleanup(ing.Stop)
	require.NoError(t, ing.Connect(context.Background(), "p", 9600))

	bad := []byte(strings.TrimSuffix(line("ABC", 1), "\r\n"))
	copy(bad[12:18], "ABCDEF")

	w := ports.writer(0)
	go func() {
		_, _ = io.WriteString(w, strings.Repeat("0", 60)+"\n")
		_, _ = io.WriteString(w, string(bad)+"\n")
		_, _ = io.WriteString(w, strings.Repeat("x", 62)+"\n")
		_, _ = io.WriteString(w, line("ABC", 5))
	}()

	require.Eventually(t, func() bool { return ing.Snapshot().Samples == 1 }, time.Second, time.Millisecond)
	snap := ing.Snapshot()
	assert.Equal(t, 1, st.Length("ABC"))
	assert.Equal(t, uint64(4), snap.Lines)
	assert.Equal(t, uint64(1), snap.Samples)
	assert.Equal(t, uint64(1), snap.Discarded["length"])
	assert.Equal(t, uint64(1), snap.Discarded["value"])
	assert.Equal(t, uint64(1), snap.Discarded["channel"])
	assert.Equal(t, []string{"ABC"}, st.Channels())
}

func TestIngester_DropsOverlongLines(t *testing.T) {
	st := store.New(store.Config{})
	ports := newFakePorts(1)
	ing := New(Config{MaxLineBytes: 128, Retry: fastRetry()}, st, WithOpener(ports.open))
	t.Cleanup(ing.Stop)
	require.NoError(t, ing.Connect(context.Background(), "p", 9600))

	w := ports.writer(0)
	go func() {
		_, _ = io.WriteString(w, strings.Repeat("Z", 1000)+"\n")
		_, _ = io.WriteString(w, line("ABC", 9))
	}()

	require.Eventually(t, func() bool { return st.Length("ABC") == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), ing.Snapshot().Discarded["length"])
}

func TestIngester_ConnectFailureReleasesWriter(t *testing.T) {
	st := store.New(store.Config{})
	ports := &fakePorts{failAll: true}
	ing := New(Config{}, st, WithOpener(ports.open))

	err := ing.Connect(context.Background(), "/dev/missing", 115200)
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "/dev/missing", cerr.Port)
	assert.Equal(t, 115200, cerr.Baud)
	assert.ErrorIs(t, err, errOpen)
	assert.Equal(t, 1, ports.openCount(), "connect failures are not retried")

	snap := ing.Snapshot()
	assert.Equal(t, StateDisconnected, snap.State)
	assert.Contains(t, snap.LastError, "device not present")

	w, err := st.AcquireWriter()
	require.NoError(t, err)
	w.Release()
}

func TestIngester_ConnectWhileWriterHeld(t *testing.T) {
	st := store.New(store.Config{})
	held, err := st.AcquireWriter()
	require.NoError(t, err)
	defer held.Release()

	ports := newFakePorts(1)
	ing := New(Config{}, st, WithOpener(ports.open))
	err = ing.Connect(context.Background(), "p", 9600)
	assert.ErrorIs(t, err, store.ErrWriterHeld)
	assert.Equal(t, 0, ports.openCount())
}

func TestIngester_ReconnectsAfterEOF(t *testing.T) {
	st := store.New(store.Config{})
	ports := newFakePorts(2)
	ing := New(Config{Retry: fastRetry()}, st, WithOpener(ports.open))
	t.Cleanup(ing.Stop)
	require.NoError(t, ing.Connect(context.Background(), "p", 9600))

	w0 := ports.writer(0)
	_, err := io.WriteString(w0, line("ABC", 1))
	require.NoError(t, err)
	require.NoError(t, w0.Close())

	require.Eventually(t, func() bool { return ports.openCount() == 2 }, time.Second, time.Millisecond)
	_, err = io.WriteString(ports.writer(1), line("ABC", 2))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return st.Length("ABC") == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []int64{1, 2}, st.History("ABC"))
	require.Eventually(t, func() bool { return ing.Snapshot().State == StateConnected }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), ing.Snapshot().Reconnects)
}

func TestIngester_RetryBudgetExhausted(t *testing.T) {
	st := store.New(store.Config{})
	ports := newFakePorts(1)
	ing := New(Config{Retry: fastRetry()}, st, WithOpener(ports.open))
	t.Cleanup(ing.Stop)
	require.NoError(t, ing.Connect(context.Background(), "p", 9600))

	require.NoError(t, ports.writer(0).CloseWithError(errors.New("usb unplugged")))

	select {
	case <-ing.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("ingester did not fail")
	}

	var serr *StreamError
	require.ErrorAs(t, ing.Err(), &serr)
	assert.Equal(t, "p", serr.Port)
	assert.Equal(t, 3, serr.Attempts)
	assert.ErrorIs(t, serr, errOpen)
	assert.Equal(t, StateFailed, ing.Snapshot().State)
	assert.Equal(t, 4, ports.openCount())

	// The writer is free again for a new session.
	w, err := st.AcquireWriter()
	require.NoError(t, err)
	w.Release()
}

func TestIngester_IdleTimeoutTriggersReopen(t *testing.T) {
	st := store.New(store.Config{})
	ports := newFakePorts(2)
	ing := New(Config{ReadTimeout: 100 * time.Millisecond, Retry: fastRetry()}, st, WithOpener(ports.open))
	t.Cleanup(ing.Stop)
	require.NoError(t, ing.Connect(context.Background(), "p", 9600))

	require.Eventually(t, func() bool { return ports.openCount() == 2 }, time.Second, time.Millisecond)

	go func() { _, _ = io.WriteString(ports.writer(1), line("ABC", 3)) }()
	require.Eventually(t, func() bool { return st.Length("ABC") == 1 }, time.Second, time.Millisecond)
}

// pipePorts opens a fresh pipe on every call and remembers the newest one.
type pipePorts struct {
	mu     sync.Mutex
	opens  int
	latest *io.PipeWriter
}

func (p *pipePorts) open(ctx context.Context, port string, baud int) (io.ReadCloser, error) {
	r, w := io.Pipe()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opens++
	p.latest = w
	return r, nil
}

func (p *pipePorts) state() (int, *io.PipeWriter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens, p.latest
}

func TestIngester_SilentDeviceKeepsSession(t *testing.T) {
	st := store.New(store.Config{})
	ports := &pipePorts{}
	retry := RetryConfig{MaxAttempts: 2, BackoffInitial: time.Millisecond, BackoffMax: time.Millisecond}
	ing := New(Config{ReadTimeout: 20 * time.Millisecond, Retry: retry}, st, WithOpener(ports.open))
	t.Cleanup(ing.Stop)
	require.NoError(t, ing.Connect(context.Background(), "p", 9600))

	// Several idle windows in a row, more than the retry budget allows.
	require.Eventually(t, func() bool {
		n, _ := ports.state()
		return n >= 2*retry.MaxAttempts+2
	}, 2*time.Second, time.Millisecond)

	select {
	case <-ing.Done():
		t.Fatalf("silent device ended the session: %v", ing.Err())
	default:
	}
	assert.NoError(t, ing.Err())
	assert.Contains(t, []string{StateConnected, StateReconnecting}, ing.Snapshot().State)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tk := time.NewTicker(2 * time.Millisecond)
		defer tk.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tk.C:
				_, w := ports.state()
				_, _ = io.WriteString(w, line("ABC", 7))
			}
		}
	}()

	require.Eventually(t, func() bool { return st.Length("ABC") > 0 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return ing.Snapshot().State == StateConnected }, time.Second, time.Millisecond)
	assert.NoError(t, ing.Err())
}

func TestIngester_StopCancelsPendingOpen(t *testing.T) {
	st := store.New(store.Config{})
	started := make(chan struct{})
	slowOpen := func(ctx context.Context, port string, baud int) (io.ReadCloser, error) {
		close(started)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return nil, errOpen
		}
	}
	ing := New(Config{}, st, WithOpener(slowOpen))

	connected := make(chan error, 1)
	go func() { connected <- ing.Connect(context.Background(), "/dev/slow", 9600) }()
	<-started

	stopped := make(chan struct{})
	go func() {
		ing.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatalf("Stop waited for a pending open")
	}

	err := <-connected
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateDisconnected, ing.Snapshot().State)

	w, err := st.AcquireWriter()
	require.NoError(t, err)
	w.Release()
}

func TestIngester_StopUnblocksRead(t *testing.T) {
	st := store.New(store.Config{})
	ports := newFakePorts(1)
	ing := New(Config{Retry: fastRetry()}, st, WithOpener(ports.open))
	require.NoError(t, ing.Connect(context.Background(), "p", 9600))

	stopped := make(chan struct{})
	go func() {
		ing.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatalf("Stop blocked on a pending read")
	}

	assert.Equal(t, StateDisconnected, ing.Snapshot().State)
	assert.NoError(t, ing.Err())
	assert.Equal(t, 1, ports.openCount(), "stop must not reopen")

	// Idempotent.
	ing.Stop()

	w, err := st.AcquireWriter()
	require.NoError(t, err)
	w.Release()
}

func TestIngester_ConnectReplacesSession(t *testing.T) {
	st := store.New(store.Config{})
	ports := newFakePorts(2)
	ing := New(Config{Retry: fastRetry()}, st, WithOpener(ports.open))
	t.Cleanup(ing.Stop)

	require.NoError(t, ing.Connect(context.Background(), "a", 9600))
	first := ing.Snapshot().Session
	require.NoError(t, ing.Connect(context.Background(), "b", 19200))

	snap := ing.Snapshot()
	assert.Equal(t, "b", snap.Port)
	assert.Equal(t, 19200, snap.Baud)
	assert.NotEqual(t, first, snap.Session)

	// The first port is closed, so writes to it fail.
	_, err := io.WriteString(ports.writer(0), line("ABC", 1))
	assert.Error(t, err)

	go func() { _, _ = io.WriteString(ports.writer(1), line("ABC", 2)) }()
	require.Eventually(t, func() bool { return st.Length("ABC") == 1 }, time.Second, time.Millisecond)
	v, _ := st.Latest("ABC")
	assert.Equal(t, int64(2), v)
}

func TestIngester_Exec(t *testing.T) {
	st := store.New(store.Config{})
	ports := newFakePorts(1)
	ing := New(Config{Retry: fastRetry()}, st, WithOpener(ports.open))
	t.Cleanup(ing.Stop)
	ctx := context.Background()

	assert.EqualError(t, ing.Exec(ctx, OpenCommand{Baud: 9600}), "open: port is required")
	assert.EqualError(t, ing.Exec(ctx, OpenCommand{Port: "p"}), "open: baud must be > 0")
	assert.EqualError(t, ing.Exec(ctx, nil), "command is nil")

	require.NoError(t, ing.Exec(ctx, &OpenCommand{Port: "p", Baud: 9600}))
	assert.Equal(t, StateConnected, ing.Snapshot().State)

	require.NoError(t, ing.Exec(ctx, CloseCommand{}))
	assert.Equal(t, StateDisconnected, ing.Snapshot().State)
	select {
	case <-ing.Done():
	default:
		t.Fatalf("Done should be closed without a session")
	}
}

func TestIngester_ListPorts(t *testing.T) {
	ing := New(Config{}, store.New(store.Config{}), WithPortLister(func() ([]string, error) {
		return []string{"/dev/ttyACM0", "/dev/ttyUSB0"}, nil
	}))
	ports, err := ing.ListPorts()
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/ttyACM0", "/dev/ttyUSB0"}, ports)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, "none", classify(nil))
	assert.Equal(t, "idle", classify(ErrIdleTimeout))
	assert.Equal(t, "eof", classify(fmt.Errorf("read: %w", io.EOF)))
	assert.Equal(t, "io", classify(errors.New("boom")))
}
