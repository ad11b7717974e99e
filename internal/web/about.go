package web

import (
	"runtime"
	"runtime/debug"
	"time"
)

// Version is set at build time with -ldflags "-X robot-telemetry/internal/web.Version=...".
var Version = "dev"

type AboutResponse struct {
	Service    string `json:"service"`
	NowUTC     string `json:"now_utc"`
	Version    string `json:"version"`
	GoVersion  string `json:"go_version"`
	ModulePath string `json:"module_path,omitempty"`
	Commit     string `json:"commit,omitempty"`
	Dirty      bool   `json:"dirty,omitempty"`
	BuildTime  string `json:"build_time,omitempty"`
}

// About describes the running binary from its embedded build info.
func About() AboutResponse {
	resp := AboutResponse{
		Service:   "robot-telemetry",
		NowUTC:    time.Now().UTC().Format(time.RFC3339Nano),
		Version:   Version,
		GoVersion: runtime.Version(),
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return resp
	}
	resp.ModulePath = bi.Main.Path
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			resp.Commit = s.Value
		case "vcs.modified":
			resp.Dirty = s.Value == "true"
		case "vcs.time":
			resp.BuildTime = s.Value
		}
	}
	return resp
}
