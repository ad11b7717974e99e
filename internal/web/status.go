package web

import (
	"sync/atomic"
	"time"

	"robot-telemetry/internal/ingest"
	"robot-telemetry/internal/store"
)

type Status struct {
	startUnixNano int64
	configPath    atomic.Value // string
}

func NewStatus() *Status {
	s := &Status{}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.configPath.Store("")
	return s
}

func (s *Status) SetConfigPath(path string) {
	s.configPath.Store(path)
}

type StatusSnapshot struct {
	Service    string          `json:"service"`
	NowUTC     string          `json:"now_utc"`
	UptimeSec  int64           `json:"uptime_sec"`
	ConfigPath string          `json:"config_path,omitempty"`
	Channels   int             `json:"channels"`
	Ingest     ingest.Snapshot `json:"ingest"`
}

func (s *Status) Snapshot(nowUTC time.Time, ctl Controller, st *store.Store) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()

	snap := StatusSnapshot{
		Service:    "robot-telemetry",
		NowUTC:     nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec:  int64(nowUTC.Sub(start).Seconds()),
		ConfigPath: s.configPath.Load().(string),
	}
	if st != nil {
		snap.Channels = len(st.Channels())
	}
	if ctl != nil {
		snap.Ingest = ctl.Snapshot()
	} else {
		snap.Ingest = ingest.Snapshot{State: ingest.StateDisconnected}
	}
	return snap
}
