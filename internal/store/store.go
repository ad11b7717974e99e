package store

import (
	"errors"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrWriterHeld     = errors.New("store: writer already held")
	ErrWriterReleased = errors.New("store: writer released")
)

type Config struct {
	// Retention bounds each channel to its most recent samples. Zero keeps
	// the complete history for the lifetime of the store.
	Retention int
}

// Store keeps the sample history of every channel seen during one run.
//
// Appends go through a Writer, of which at most one exists at a time. All
// query methods are safe for concurrent use, take no locks and never wait on
// the writer: each channel publishes an immutable prefix of its samples and
// the writer only ever fills slots beyond what has been published.
type Store struct {
	cfg Config

	channels atomic.Pointer[map[string]*series]

	mu     sync.Mutex
	writer *Writer
}

type series struct {
	// view is the published, read-only window of samples.
	view     atomic.Pointer[[]int64]
	appended atomic.Uint64
	lastNano atomic.Int64

	// buf is owned by the writer.
	buf []int64
}

// ChannelStats summarizes one channel.
type ChannelStats struct {
	Channel    string    `json:"channel"`
	Length     int       `json:"length"`
	Appended   uint64    `json:"appended"`
	LastUpdate time.Time `json:"last_update,omitempty"`
}

func New(cfg Config) *Store {
	if cfg.Retention < 0 {
		cfg.Retention = 0
	}
	s := &Store{cfg: cfg}
	empty := map[string]*series{}
	s.channels.Store(&empty)
	return s
}

// AcquireWriter hands out the exclusive append handle. It fails with
// ErrWriterHeld until the current holder calls Release.
func (s *Store) AcquireWriter() (*Writer, error) {
	if s == nil {
		return nil, errors.New("store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer != nil {
		return nil, ErrWriterHeld
	}
	w := &Writer{s: s}
	s.writer = w
	return w, nil
}

func (s *Store) lookup(channel string) *series {
	if s == nil {
		return nil
	}
	m := s.channels.Load()
	if m == nil {
		return nil
	}
	return (*m)[channel]
}

func (s *Store) samples(channel string) []int64 {
	ser := s.lookup(channel)
	if ser == nil {
		return nil
	}
	v := ser.view.Load()
	if v == nil {
		return nil
	}
	return *v
}

// Latest returns the most recent sample of channel. ok is false when the
// channel has no samples yet.
func (s *Store) Latest(channel string) (v int64, ok bool) {
	samples := s.samples(channel)
	if len(samples) == 0 {
		return 0, false
	}
	return samples[len(samples)-1], true
}

// Length returns the number of samples History would return. With a
// retention configured this saturates at the retention size.
func (s *Store) Length(channel string) int {
	return len(s.samples(channel))
}

// History returns a copy of the channel's samples in arrival order. With a
// retention configured it is the most recent window rather than the full
// history.
func (s *Store) History(channel string) []int64 {
	samples := s.samples(channel)
	if len(samples) == 0 {
		return []int64{}
	}
	return slices.Clone(samples)
}

// Tail returns a copy of at most the n most recent samples.
func (s *Store) Tail(channel string, n int) []int64 {
	samples := s.samples(channel)
	if n <= 0 || len(samples) == 0 {
		return []int64{}
	}
	if len(samples) > n {
		samples = samples[len(samples)-n:]
	}
	return slices.Clone(samples)
}

// Channels lists every channel that has received a sample, sorted by name.
func (s *Store) Channels() []string {
	if s == nil {
		return nil
	}
	m := *s.channels.Load()
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Store) Stats(channel string) ChannelStats {
	out := ChannelStats{Channel: channel}
	ser := s.lookup(channel)
	if ser == nil {
		return out
	}
	if v := ser.view.Load(); v != nil {
		out.Length = len(*v)
	}
	out.Appended = ser.appended.Load()
	if n := ser.lastNano.Load(); n != 0 {
		out.LastUpdate = time.Unix(0, n).UTC()
	}
	return out
}

// Writer is the single producer handle of a Store. A Writer must only be
// used from one goroutine at a time.
type Writer struct {
	s        *Store
	released atomic.Bool
}

// Append adds value to the end of channel, creating the channel on first use.
func (w *Writer) Append(channel string, value int64) error {
	if w == nil || w.released.Load() {
		return ErrWriterReleased
	}
	s := w.s
	ser := s.lookup(channel)
	if ser == nil {
		ser = &series{}
		cur := *s.channels.Load()
		next := make(map[string]*series, len(cur)+1)
		for k, v := range cur {
			next[k] = v
		}
		next[channel] = ser
		s.channels.Store(&next)
	}

	ret := s.cfg.Retention
	if ret > 0 && len(ser.buf) >= 2*ret {
		// Move the live window to a fresh array. Readers holding the old
		// view keep a valid, unchanged slice.
		fresh := make([]int64, ret-1, 2*ret)
		copy(fresh, ser.buf[len(ser.buf)-(ret-1):])
		ser.buf = fresh
	}
	ser.buf = append(ser.buf, value)

	view := ser.buf
	if ret > 0 && len(view) > ret {
		view = view[len(view)-ret:]
	}
	view = view[:len(view):len(view)]
	ser.view.Store(&view)
	ser.appended.Add(1)
	ser.lastNano.Store(time.Now().UnixNano())
	return nil
}

// Release gives up the handle so another Writer can be acquired. It is safe
// to call more than once.
func (w *Writer) Release() {
	if w == nil || w.released.Swap(true) {
		return
	}
	w.s.mu.Lock()
	if w.s.writer == w {
		w.s.writer = nil
	}
	w.s.mu.Unlock()
}
