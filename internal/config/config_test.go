package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"robot-telemetry/internal/layout"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	tmp := t.TempDir()
	path := filepath.Join(tmp, "cfg.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

func requireErrEq(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %q, got nil", want)
	}
	if err.Error() != want {
		t.Fatalf("error=%q want %q", err.Error(), want)
	}
}

func TestLoad_EmptyFileGetsDefaults(t *testing.T) {
	path := writeTempConfig(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Serial.Baud != 921600 {
		t.Fatalf("baud=%d want 921600", cfg.Serial.Baud)
	}
	if cfg.Serial.Driver != "bugst" {
		t.Fatalf("driver=%q want bugst", cfg.Serial.Driver)
	}
	if cfg.Serial.ConnectTimeout != 20*time.Second {
		t.Fatalf("connect_timeout=%s want 20s", cfg.Serial.ConnectTimeout)
	}
	if cfg.Serial.ReadTimeout != 10*time.Second {
		t.Fatalf("read_timeout=%s want 10s", cfg.Serial.ReadTimeout)
	}
	if cfg.Serial.Retry.MaxAttempts != 5 || cfg.Serial.Retry.BackoffInitial != 250*time.Millisecond || cfg.Serial.Retry.BackoffMax != 10*time.Second {
		t.Fatalf("retry defaults not applied: %+v", cfg.Serial.Retry)
	}
	if !cfg.Serial.AutoConnectEnabled() {
		t.Fatalf("expected auto_connect default true")
	}
	if cfg.Poll.Interval != 20*time.Millisecond {
		t.Fatalf("poll.interval=%s want 20ms", cfg.Poll.Interval)
	}
	if cfg.Graph.Samples != 500 {
		t.Fatalf("graph.samples=%d want 500", cfg.Graph.Samples)
	}
	if cfg.Attitude.XChannel != "AngleY" || cfg.Attitude.XDivisor != 114 {
		t.Fatalf("attitude x=%q/%v", cfg.Attitude.XChannel, cfg.Attitude.XDivisor)
	}
	if cfg.Attitude.YChannel != "AngleX" || cfg.Attitude.YDivisor != -114 {
		t.Fatalf("attitude y=%q/%v", cfg.Attitude.YChannel, cfg.Attitude.YDivisor)
	}
	if cfg.Web.Listen != "" {
		t.Fatalf("web api should be disabled by default")
	}
	if cfg.Log.Format != "text" {
		t.Fatalf("log.format=%q want text", cfg.Log.Format)
	}
}

func TestLoad_Overrides(t *testing.T) {
	path := writeTempConfig(t, `
serial:
  driver: termios
  port: /dev/ttyUSB0
  baud: 115200
  read_timeout: 2s
  auto_connect: false
  retry:
    max_attempts: 2
store:
  retention: 1000
web:
  listen: ' 127.0.0.1:8080 '
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Serial.Driver != "termios" || cfg.Serial.Port != "/dev/ttyUSB0" || cfg.Serial.Baud != 115200 {
		t.Fatalf("serial=%+v", cfg.Serial)
	}
	if cfg.Serial.ReadTimeout != 2*time.Second {
		t.Fatalf("read_timeout=%s want 2s", cfg.Serial.ReadTimeout)
	}
	if cfg.Serial.AutoConnectEnabled() {
		t.Fatalf("expected auto_connect false")
	}
	if cfg.Serial.Retry.MaxAttempts != 2 {
		t.Fatalf("max_attempts=%d want 2", cfg.Serial.Retry.MaxAttempts)
	}
	if cfg.Store.Retention != 1000 {
		t.Fatalf("retention=%d want 1000", cfg.Store.Retention)
	}
	if cfg.Web.Listen != "127.0.0.1:8080" {
		t.Fatalf("web.listen=%q", cfg.Web.Listen)
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"driver", "serial:\n  driver: usb\n", `serial.driver must be "bugst" or "termios"`},
		{"baud", "serial:\n  baud: -1\n", "serial.baud must be > 0"},
		{"attempts", "serial:\n  retry:\n    max_attempts: -3\n", "serial.retry.max_attempts must be > 0"},
		{"backoff", "serial:\n  retry:\n    backoff_initial: 5s\n    backoff_max: 1s\n", "serial.retry.backoff_max must be >= serial.retry.backoff_initial"},
		{"retention", "store:\n  retention: -1\n", "store.retention must be >= 0"},
		{"retention-graph", "store:\n  retention: 10\n", "store.retention must be 0 or >= graph.samples (500)"},
		{"poll", "poll:\n  interval: -1s\n", "poll.interval must be > 0"},
		{"log-level", "log:\n  level: loud\n", "log.level must be one of debug, info, warn, error"},
		{"log-format", "log:\n  format: xml\n", "log.format must be text or json"},
		{"group-name", "layout:\n  groups:\n    - x: 0\n", "layout.groups[0].name is required"},
		{"item-channel", "layout:\n  groups:\n    - name: G\n      items:\n        - name: I\n", "layout.groups[0].items[0].channel is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, tc.yaml))
			requireErrEq(t, err, tc.want)
		})
	}
}

func TestLoad_RejectsUnknownField(t *testing.T) {
	path := writeTempConfig(t, "serial:\n  port: /dev/ttyUSB0\n  parity: even\n")
	_, err := Load(path)
	requireErrEq(t, err, "config contains unknown fields: field parity not found in type config.SerialConfig")
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error")
	}
}

func TestApplyLayout(t *testing.T) {
	path := writeTempConfig(t, `
store:
  retention: 500
layout:
  groups:
    - name: Attitude
      x: 0
      y: 0
      items:
        - {name: Roll, channel: AngleX, min: -90, max: 90, factor: 114, suffix: "°"}
        - {name: Pitch, channel: AngleY, min: -90, max: 90, factor: 114, format: "%.1f"}
    - name: Power
      x: 1
      y: 0
      items:
        - {name: Battery, channel: VBat, min: 0, max: 13, factor: 1000, suffix: " V", default: 12000}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	reg := layout.NewRegistry()
	if err := ApplyLayout(cfg, reg); err != nil {
		t.Fatalf("ApplyLayout() error: %v", err)
	}
	groups := reg.Groups()
	if len(groups) != 2 || groups[0].Name != "Attitude" || groups[1].Name != "Power" {
		t.Fatalf("groups=%+v", groups)
	}
	roll := groups[0].Items[0]
	if roll.Format != layout.DefaultFormat || roll.Factor != 114 {
		t.Fatalf("roll=%+v", roll)
	}
	if got := groups[1].Items[0].Default; got != 12000 {
		t.Fatalf("default=%d want 12000", got)
	}

	bad := cfg
	bad.Layout.Groups = []GroupConfig{{Name: "G", Items: []ItemConfig{{Name: "I", Channel: "C", Min: 5, Max: 1, Factor: 1}}}}
	if err := ApplyLayout(bad, layout.NewRegistry()); err == nil {
		t.Fatalf("expected error for max <= min")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Serial.Baud != 921600 || cfg.Poll.Interval <= 0 {
		t.Fatalf("Default() not populated: %+v", cfg)
	}
}
