package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"robot-telemetry/internal/layout"
	"robot-telemetry/internal/serial"
)

// StandardBauds is the selection offered for the serial link, fastest first.
var StandardBauds = []int{1382400, 921600, 460800, 230400, 115200, 57600, 38400, 19200, 9600}

type Config struct {
	Serial   SerialConfig   `yaml:"serial"`
	Store    StoreConfig    `yaml:"store"`
	Poll     PollConfig     `yaml:"poll"`
	Graph    GraphConfig    `yaml:"graph"`
	Attitude AttitudeConfig `yaml:"attitude"`
	Web      WebConfig      `yaml:"web"`
	Log      LogConfig      `yaml:"log"`
	Layout   LayoutConfig   `yaml:"layout"`
}

type SerialConfig struct {
	Driver         string        `yaml:"driver"`
	Port           string        `yaml:"port"`
	Baud           int           `yaml:"baud"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	Retry          RetryConfig   `yaml:"retry"`
	// AutoConnect opens Port at startup, or the only detected port when Port
	// is empty. Nil means true.
	AutoConnect *bool `yaml:"auto_connect"`
}

type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

type StoreConfig struct {
	// Retention of 0 keeps every sample for the lifetime of the process.
	Retention int `yaml:"retention"`
}

type PollConfig struct {
	Interval    time.Duration `yaml:"interval"`
	LogInterval time.Duration `yaml:"log_interval"`
}

type GraphConfig struct {
	Samples int `yaml:"samples"`
}

type AttitudeConfig struct {
	XChannel string  `yaml:"x_channel"`
	YChannel string  `yaml:"y_channel"`
	XDivisor float64 `yaml:"x_divisor"`
	YDivisor float64 `yaml:"y_divisor"`
}

type WebConfig struct {
	// Listen is the HTTP API address. Empty disables the API.
	Listen string `yaml:"listen"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

type LayoutConfig struct {
	Groups []GroupConfig `yaml:"groups"`
}

type GroupConfig struct {
	Name  string       `yaml:"name"`
	X     int          `yaml:"x"`
	Y     int          `yaml:"y"`
	Items []ItemConfig `yaml:"items"`
}

type ItemConfig struct {
	Name    string  `yaml:"name"`
	Channel string  `yaml:"channel"`
	Min     float64 `yaml:"min"`
	Max     float64 `yaml:"max"`
	Factor  float64 `yaml:"factor"`
	Format  string  `yaml:"format"`
	Suffix  string  `yaml:"suffix"`
	Default int64   `yaml:"default"`
}

func (s SerialConfig) AutoConnectEnabled() bool {
	return s.AutoConnect == nil || *s.AutoConnect
}

// Default returns a validated configuration with every default applied.
func Default() Config {
	var cfg Config
	_ = DefaultAndValidate(&cfg)
	return cfg
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, unknownFieldsError(err)
	}

	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var yamlLinePrefix = regexp.MustCompile(`^line \d+: `)

func unknownFieldsError(err error) error {
	var te *yaml.TypeError
	if !errors.As(err, &te) {
		return err
	}
	var fields []string
	for _, e := range te.Errors {
		if !strings.Contains(e, "not found in type") {
			return err
		}
		fields = append(fields, yamlLinePrefix.ReplaceAllString(e, ""))
	}
	return fmt.Errorf("config contains unknown fields: %s", strings.Join(fields, "; "))
}

// DefaultAndValidate fills defaults in place and rejects invalid values.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	s := &cfg.Serial
	s.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
	if s.Driver == "" {
		s.Driver = serial.DriverBugst
	}
	if s.Driver != serial.DriverBugst && s.Driver != serial.DriverTermios {
		return fmt.Errorf("serial.driver must be %q or %q", serial.DriverBugst, serial.DriverTermios)
	}
	s.Port = strings.TrimSpace(s.Port)
	if s.Baud == 0 {
		s.Baud = 921600
	}
	if s.Baud < 0 {
		return fmt.Errorf("serial.baud must be > 0")
	}
	if s.ConnectTimeout == 0 {
		s.ConnectTimeout = serial.DefaultOpenTimeout
	}
	if s.ConnectTimeout < 0 {
		return fmt.Errorf("serial.connect_timeout must be > 0")
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = 10 * time.Second
	}
	if s.ReadTimeout < 0 {
		// Negative disables the idle check.
		s.ReadTimeout = -1
	}
	if s.Retry.MaxAttempts == 0 {
		s.Retry.MaxAttempts = 5
	}
	if s.Retry.MaxAttempts < 0 {
		return fmt.Errorf("serial.retry.max_attempts must be > 0")
	}
	if s.Retry.BackoffInitial == 0 {
		s.Retry.BackoffInitial = 250 * time.Millisecond
	}
	if s.Retry.BackoffMax == 0 {
		s.Retry.BackoffMax = 10 * time.Second
	}
	if s.Retry.BackoffInitial < 0 || s.Retry.BackoffMax < 0 {
		return fmt.Errorf("serial.retry backoff must be > 0")
	}
	if s.Retry.BackoffMax < s.Retry.BackoffInitial {
		return fmt.Errorf("serial.retry.backoff_max must be >= serial.retry.backoff_initial")
	}

	if cfg.Store.Retention < 0 {
		return fmt.Errorf("store.retention must be >= 0")
	}

	if cfg.Poll.Interval == 0 {
		cfg.Poll.Interval = 20 * time.Millisecond
	}
	if cfg.Poll.Interval < 0 {
		return fmt.Errorf("poll.interval must be > 0")
	}
	if cfg.Poll.LogInterval == 0 {
		cfg.Poll.LogInterval = 5 * time.Second
	}
	if cfg.Poll.LogInterval < 0 {
		return fmt.Errorf("poll.log_interval must be > 0")
	}

	if cfg.Graph.Samples == 0 {
		cfg.Graph.Samples = 500
	}
	if cfg.Graph.Samples < 0 {
		return fmt.Errorf("graph.samples must be > 0")
	}
	if cfg.Store.Retention > 0 && cfg.Store.Retention < cfg.Graph.Samples {
		return fmt.Errorf("store.retention must be 0 or >= graph.samples (%d)", cfg.Graph.Samples)
	}

	a := &cfg.Attitude
	if a.XChannel == "" {
		a.XChannel = "AngleY"
	}
	if a.YChannel == "" {
		a.YChannel = "AngleX"
	}
	if a.XDivisor == 0 {
		a.XDivisor = 114
	}
	if a.YDivisor == 0 {
		a.YDivisor = -114
	}

	cfg.Web.Listen = strings.TrimSpace(cfg.Web.Listen)

	switch strings.ToLower(cfg.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "":
		cfg.Log.Format = "text"
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json")
	}

	for gi, g := range cfg.Layout.Groups {
		if strings.TrimSpace(g.Name) == "" {
			return fmt.Errorf("layout.groups[%d].name is required", gi)
		}
		for ii := range g.Items {
			it := &cfg.Layout.Groups[gi].Items[ii]
			if it.Factor == 0 {
				it.Factor = 1
			}
			if it.Format == "" {
				it.Format = layout.DefaultFormat
			}
			if it.Channel == "" {
				return fmt.Errorf("layout.groups[%d].items[%d].channel is required", gi, ii)
			}
		}
	}
	return nil
}

// ApplyLayout registers the configured groups and items with reg.
func ApplyLayout(cfg Config, reg *layout.Registry) error {
	if reg == nil {
		return fmt.Errorf("registry is nil")
	}
	for _, g := range cfg.Layout.Groups {
		if err := reg.RegisterGroup(g.Name, g.X, g.Y); err != nil {
			return err
		}
		for _, it := range g.Items {
			if err := reg.RegisterItem(g.Name, it.Name, it.Channel, it.Min, it.Max, it.Factor, it.Format, it.Suffix, it.Default); err != nil {
				return err
			}
		}
	}
	return nil
}
