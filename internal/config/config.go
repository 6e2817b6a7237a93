// Package config loads panelsync settings from a TOML file and applies
// PANELSYNC_* environment overrides on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/agentworkforce/panelsync/internal/canvas"
	"github.com/agentworkforce/panelsync/internal/hydrate"
	"github.com/agentworkforce/panelsync/internal/offlinequeue"
)

const (
	defaultLocalDSN   = ".panelsync/local"
	defaultPrimaryDSN = ".panelsync/backing.db"
	defaultAddr       = "127.0.0.1:7780"
)

// Duration reads "400ms" style strings from TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Local     LocalConfig     `toml:"local"`
	Backing   BackingConfig   `toml:"backing"`
	Queue     QueueConfig     `toml:"queue"`
	Snapshot  SnapshotConfig  `toml:"snapshot"`
	Camera    CameraConfig    `toml:"camera"`
	Hydration HydrationConfig `toml:"hydration"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Server    ServerConfig    `toml:"server"`
	Logging   LoggingConfig   `toml:"logging"`
	Sync      SyncConfig      `toml:"sync"`
}

type LocalConfig struct {
	DSN string `toml:"dsn"`
}

type BackingConfig struct {
	PrimaryDSN        string   `toml:"primary_dsn"`
	SecondaryDSN      string   `toml:"secondary_dsn"`
	ReplicationLogDSN string   `toml:"replication_log_dsn"`
	Timeout           Duration `toml:"timeout"`
}

type QueueConfig struct {
	MaxAttempts    int      `toml:"max_attempts"`
	RetryBaseDelay Duration `toml:"retry_base_delay"`
	RetryMaxDelay  Duration `toml:"retry_max_delay"`
	FlushParallel  int      `toml:"flush_parallel"`
	ConflictPolicy string   `toml:"conflict_policy"`
	ManualFlush    bool     `toml:"manual_flush"`
}

type SnapshotConfig struct {
	TTL      Duration `toml:"ttl"`
	Debounce Duration `toml:"debounce"`
}

type CameraConfig struct {
	Debounce Duration `toml:"debounce"`
	MinZoom  float64  `toml:"min_zoom"`
	MaxZoom  float64  `toml:"max_zoom"`
}

type HydrationConfig struct {
	Restore        string   `toml:"restore"`
	Parallel       int      `toml:"parallel"`
	RefreshTimeout Duration `toml:"refresh_timeout"`
}

type TelemetryConfig struct {
	Buffer       int    `toml:"buffer"`
	Log          bool   `toml:"log"`
	RedisURL     string `toml:"redis_url"`
	RedisChannel string `toml:"redis_channel"`
}

type ServerConfig struct {
	Addr         string `toml:"addr"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

type LoggingConfig struct {
	Level   string `toml:"level"`
	Path    string `toml:"path"`
	Console bool   `toml:"console"`
}

type SyncConfig struct {
	Interval Duration `toml:"interval"`
	// Jitter is the fraction of Interval added or removed at random.
	Jitter   float64  `toml:"jitter"`
	Notes    []string `toml:"notes"`
	Watch    bool     `toml:"watch"`
}

func Default() Config {
	return Config{
		Local: LocalConfig{DSN: defaultLocalDSN},
		Backing: BackingConfig{
			PrimaryDSN: defaultPrimaryDSN,
			Timeout:    Duration{5 * time.Second},
		},
		Queue: QueueConfig{
			MaxAttempts:    offlinequeue.DefaultMaxAttempts,
			RetryBaseDelay: Duration{offlinequeue.DefaultRetryBaseDelay},
			RetryMaxDelay:  Duration{offlinequeue.DefaultRetryMaxDelay},
			FlushParallel:  offlinequeue.DefaultFlushParallel,
			ConflictPolicy: string(offlinequeue.ConflictRetry),
		},
		Snapshot: SnapshotConfig{
			TTL:      Duration{24 * time.Hour},
			Debounce: Duration{400 * time.Millisecond},
		},
		Camera: CameraConfig{
			Debounce: Duration{400 * time.Millisecond},
			MinZoom:  canvas.DefaultMinZoom,
			MaxZoom:  canvas.DefaultMaxZoom,
		},
		Hydration: HydrationConfig{
			Restore:        string(hydrate.RestoreAll),
			Parallel:       hydrate.DefaultParallel,
			RefreshTimeout: Duration{hydrate.DefaultRefreshTimeout},
		},
		Telemetry: TelemetryConfig{Buffer: 256, Log: true},
		Server:    ServerConfig{Addr: defaultAddr, MaxBodyBytes: 1 << 20},
		Logging:   LoggingConfig{Level: "info"},
		Sync: SyncConfig{
			Interval: Duration{15 * time.Second},
			Jitter:   0.2,
			Watch:    true,
		},
	}
}

// Load reads path (a missing or empty file keeps the defaults), applies the
// environment and validates. Invalid environment values are ignored and
// reported in the returned warnings.
func Load(path string) (Config, []string, error) {
	cfg := Default()
	if err := readTOML(path, &cfg); err != nil {
		return Config{}, nil, fmt.Errorf("read config %s: %w", path, err)
	}
	warnings := cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, warnings, err
	}
	return cfg, warnings, nil
}

func readTOML(path string, out any) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	return toml.Unmarshal(data, out)
}

func (c Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}

// ApplyEnv overrides fields from PANELSYNC_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) []string {
	env := envReader{lookup: lookup}
	c.Local.DSN = env.stringEnv("PANELSYNC_LOCAL_DSN", c.Local.DSN)
	c.Backing.PrimaryDSN = env.stringEnv("PANELSYNC_PRIMARY_DSN", c.Backing.PrimaryDSN)
	c.Backing.SecondaryDSN = env.stringEnv("PANELSYNC_SECONDARY_DSN", c.Backing.SecondaryDSN)
	c.Backing.ReplicationLogDSN = env.stringEnv("PANELSYNC_REPLICATION_LOG_DSN", c.Backing.ReplicationLogDSN)
	c.Backing.Timeout.Duration = env.durationEnv("PANELSYNC_BACKING_TIMEOUT", c.Backing.Timeout.Duration)
	c.Queue.MaxAttempts = env.intEnv("PANELSYNC_MAX_ATTEMPTS", c.Queue.MaxAttempts)
	c.Queue.RetryBaseDelay.Duration = env.durationEnv("PANELSYNC_RETRY_BASE_DELAY", c.Queue.RetryBaseDelay.Duration)
	c.Queue.RetryMaxDelay.Duration = env.durationEnv("PANELSYNC_RETRY_MAX_DELAY", c.Queue.RetryMaxDelay.Duration)
	c.Queue.FlushParallel = env.intEnv("PANELSYNC_FLUSH_PARALLEL", c.Queue.FlushParallel)
	c.Queue.ConflictPolicy = env.stringEnv("PANELSYNC_CONFLICT_POLICY", c.Queue.ConflictPolicy)
	c.Queue.ManualFlush = env.boolEnv("PANELSYNC_MANUAL_FLUSH", c.Queue.ManualFlush)
	c.Snapshot.TTL.Duration = env.durationEnv("PANELSYNC_SNAPSHOT_TTL", c.Snapshot.TTL.Duration)
	c.Snapshot.Debounce.Duration = env.durationEnv("PANELSYNC_SNAPSHOT_DEBOUNCE", c.Snapshot.Debounce.Duration)
	c.Camera.Debounce.Duration = env.durationEnv("PANELSYNC_CAMERA_DEBOUNCE", c.Camera.Debounce.Duration)
	c.Camera.MinZoom = env.floatEnv("PANELSYNC_MIN_ZOOM", c.Camera.MinZoom)
	c.Camera.MaxZoom = env.floatEnv("PANELSYNC_MAX_ZOOM", c.Camera.MaxZoom)
	c.Hydration.Restore = env.stringEnv("PANELSYNC_RESTORE_POLICY", c.Hydration.Restore)
	c.Hydration.Parallel = env.intEnv("PANELSYNC_HYDRATE_PARALLEL", c.Hydration.Parallel)
	c.Hydration.RefreshTimeout.Duration = env.durationEnv("PANELSYNC_REFRESH_TIMEOUT", c.Hydration.RefreshTimeout.Duration)
	c.Telemetry.Buffer = env.intEnv("PANELSYNC_TELEMETRY_BUFFER", c.Telemetry.Buffer)
	c.Telemetry.Log = env.boolEnv("PANELSYNC_TELEMETRY_LOG", c.Telemetry.Log)
	c.Telemetry.RedisURL = env.stringEnv("PANELSYNC_REDIS_URL", c.Telemetry.RedisURL)
	c.Telemetry.RedisChannel = env.stringEnv("PANELSYNC_REDIS_CHANNEL", c.Telemetry.RedisChannel)
	c.Server.Addr = env.stringEnv("PANELSYNC_ADDR", c.Server.Addr)
	c.Server.MaxBodyBytes = int64(env.intEnv("PANELSYNC_MAX_BODY_BYTES", int(c.Server.MaxBodyBytes)))
	c.Logging.Level = env.stringEnv("PANELSYNC_LOG_LEVEL", c.Logging.Level)
	c.Logging.Path = env.stringEnv("PANELSYNC_LOG_FILE", c.Logging.Path)
	c.Logging.Console = env.boolEnv("PANELSYNC_LOG_CONSOLE", c.Logging.Console)
	c.Sync.Interval.Duration = env.durationEnv("PANELSYNC_SYNC_INTERVAL", c.Sync.Interval.Duration)
	c.Sync.Jitter = env.floatEnv("PANELSYNC_SYNC_JITTER", c.Sync.Jitter)
	c.Sync.Watch = env.boolEnv("PANELSYNC_WATCH", c.Sync.Watch)
	if raw, ok := env.raw("PANELSYNC_NOTES"); ok {
		c.Sync.Notes = splitList(raw)
	}
	return env.warnings
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Local.DSN) == "" {
		return errors.New("local.dsn is required")
	}
	if strings.TrimSpace(c.Backing.PrimaryDSN) == "" {
		return errors.New("backing.primary_dsn is required")
	}
	if strings.TrimSpace(c.Backing.SecondaryDSN) != "" && strings.TrimSpace(c.Backing.SecondaryDSN) == strings.TrimSpace(c.Backing.PrimaryDSN) {
		return errors.New("backing.secondary_dsn must differ from primary_dsn")
	}
	if _, err := offlinequeue.ParseConflictPolicy(c.Queue.ConflictPolicy); err != nil {
		return err
	}
	if _, err := hydrate.ParseRestorePolicy(c.Hydration.Restore); err != nil {
		return err
	}
	if c.Camera.MinZoom <= 0 || c.Camera.MaxZoom < c.Camera.MinZoom {
		return fmt.Errorf("camera zoom range [%g, %g] is invalid", c.Camera.MinZoom, c.Camera.MaxZoom)
	}
	if c.Sync.Jitter < 0 || c.Sync.Jitter >= 1 {
		return fmt.Errorf("sync.jitter must be in [0, 1), got %g", c.Sync.Jitter)
	}
	return nil
}

func (c Config) ConflictPolicy() offlinequeue.ConflictPolicy {
	policy, _ := offlinequeue.ParseConflictPolicy(c.Queue.ConflictPolicy)
	return policy
}

func (c Config) RestorePolicy() hydrate.RestorePolicy {
	policy, _ := hydrate.ParseRestorePolicy(c.Hydration.Restore)
	return policy
}

type envReader struct {
	lookup   func(string) (string, bool)
	warnings []string
}

func (e *envReader) raw(name string) (string, bool) {
	if e.lookup == nil {
		return "", false
	}
	value, ok := e.lookup(name)
	value = strings.TrimSpace(value)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

func (e *envReader) invalid(name, raw string, fallback any) {
	e.warnings = append(e.warnings, fmt.Sprintf("invalid %s=%q, using %v", name, raw, fallback))
}

func (e *envReader) stringEnv(name, fallback string) string {
	if value, ok := e.raw(name); ok {
		return value
	}
	return fallback
}

func (e *envReader) intEnv(name string, fallback int) int {
	raw, ok := e.raw(name)
	if !ok {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		e.invalid(name, raw, fallback)
		return fallback
	}
	return value
}

func (e *envReader) floatEnv(name string, fallback float64) float64 {
	raw, ok := e.raw(name)
	if !ok {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.invalid(name, raw, fallback)
		return fallback
	}
	return value
}

func (e *envReader) boolEnv(name string, fallback bool) bool {
	raw, ok := e.raw(name)
	if !ok {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		e.invalid(name, raw, fallback)
		return fallback
	}
	return value
}

func (e *envReader) durationEnv(name string, fallback time.Duration) time.Duration {
	raw, ok := e.raw(name)
	if !ok {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		e.invalid(name, raw, fallback)
		return fallback
	}
	return value
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
