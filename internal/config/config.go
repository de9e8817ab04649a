package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from strings such as "90s"
type Duration time.Duration

// D returns the value as a time.Duration
func (d Duration) D() time.Duration { return time.Duration(d) }

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config 应用配置
type Config struct {
	Server         ServerConfig         `toml:"server" yaml:"server"`
	Storage        StorageConfig        `toml:"storage" yaml:"storage"`
	Device         DeviceConfig         `toml:"device" yaml:"device"`
	Remote         RemoteConfig         `toml:"remote" yaml:"remote"`
	Sources        SourcesConfig        `toml:"sources" yaml:"sources"`
	Fusion         FusionConfig         `toml:"fusion" yaml:"fusion"`
	Trip           TripConfig           `toml:"trip" yaml:"trip"`
	Sync           SyncConfig           `toml:"sync" yaml:"sync"`
	PathCorrection PathCorrectionConfig `toml:"path_correction" yaml:"path_correction"`

	path string // File the config was read from, empty for defaults
}

// ServerConfig is the local HTTP API
type ServerConfig struct {
	Port             string   `toml:"port" yaml:"port"`
	SignalRateLimit  int      `toml:"signal_rate_limit" yaml:"signal_rate_limit"` // Requests per window per client
	SignalRateWindow Duration `toml:"signal_rate_window" yaml:"signal_rate_window"`
}

// StorageConfig is the local store
type StorageConfig struct {
	DBPath string `toml:"db_path" yaml:"db_path"`
}

// DeviceConfig identifies this device to the server
type DeviceConfig struct {
	ID string `toml:"id" yaml:"id"`
}

// RemoteConfig is the server of record
type RemoteConfig struct {
	BaseURL   string   `toml:"base_url" yaml:"base_url"`
	APIKey    string   `toml:"api_key" yaml:"api_key"`
	JWTSecret string   `toml:"jwt_secret" yaml:"jwt_secret"`
	TokenTTL  Duration `toml:"token_ttl" yaml:"token_ttl"`
	Timeout   Duration `toml:"timeout" yaml:"timeout"`
}

// SourcesConfig tunes the motion signal sources
type SourcesConfig struct {
	PollInterval          Duration `toml:"poll_interval" yaml:"poll_interval"`
	ActivityMinConfidence int      `toml:"activity_min_confidence" yaml:"activity_min_confidence"` // 0-100
	SensorWindow          int      `toml:"sensor_window" yaml:"sensor_window"`                     // Samples kept
	GeofenceConfidence    float64  `toml:"geofence_confidence" yaml:"geofence_confidence"`
	SpeedHysteresisMPS    float64  `toml:"speed_hysteresis_mps" yaml:"speed_hysteresis_mps"`
}

// FusionConfig tunes the mode fusion engine
type FusionConfig struct {
	Window             Duration `toml:"window" yaml:"window"`
	AgreementThreshold float64  `toml:"agreement_threshold" yaml:"agreement_threshold"` // Share of weighted votes
	MinEvidence        float64  `toml:"min_evidence" yaml:"min_evidence"`               // Summed confidence
	MinSupport         int      `toml:"min_support" yaml:"min_support"`                 // Proposals backing a candidate
	HighTrust          float64  `toml:"high_trust" yaml:"high_trust"`                   // Single-proposal fast path
	EvalInterval       Duration `toml:"eval_interval" yaml:"eval_interval"`
}

// TripConfig tunes the trip state machine and its pipeline
type TripConfig struct {
	VehicleGrace       Duration `toml:"vehicle_grace" yaml:"vehicle_grace"`
	WalkingGrace       Duration `toml:"walking_grace" yaml:"walking_grace"`
	MaxPersistAttempts int      `toml:"max_persist_attempts" yaml:"max_persist_attempts"`
	InboxSize          int      `toml:"inbox_size" yaml:"inbox_size"`
	StopOnShutdown     bool     `toml:"stop_on_shutdown" yaml:"stop_on_shutdown"`

	// GPS outlier filter
	MaxAccuracyMeters  float64 `toml:"max_accuracy_meters" yaml:"max_accuracy_meters"`
	MaxSpeedMPS        float64 `toml:"max_speed_mps" yaml:"max_speed_mps"`
	JumpDistanceMeters float64 `toml:"jump_distance_meters" yaml:"jump_distance_meters"`
	JumpTimeSeconds    float64 `toml:"jump_time_seconds" yaml:"jump_time_seconds"`

	// Location interval advice
	BaseLocationInterval      Duration `toml:"base_location_interval" yaml:"base_location_interval"`
	VehicleIntervalMultiplier float64  `toml:"vehicle_interval_multiplier" yaml:"vehicle_interval_multiplier"`
	DefaultIntervalMultiplier float64  `toml:"default_interval_multiplier" yaml:"default_interval_multiplier"`
}

// SyncConfig tunes the sync reconciler
type SyncConfig struct {
	Interval          Duration `toml:"interval" yaml:"interval"`
	BatchSize         int      `toml:"batch_size" yaml:"batch_size"` // Events per batch call, max 100
	TripLimit         int      `toml:"trip_limit" yaml:"trip_limit"` // Trips per pass
	RequestTimeout    Duration `toml:"request_timeout" yaml:"request_timeout"`
	InitialBackoff    Duration `toml:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff        Duration `toml:"max_backoff" yaml:"max_backoff"`
	BackoffMultiplier float64  `toml:"backoff_multiplier" yaml:"backoff_multiplier"`
}

// PathCorrectionConfig tunes path correction requests
type PathCorrectionConfig struct {
	Window    Duration `toml:"window" yaml:"window"`
	Algorithm string   `toml:"algorithm" yaml:"algorithm"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:             ":8080",
			SignalRateLimit:  600,
			SignalRateWindow: Duration(time.Minute),
		},
		Storage: StorageConfig{
			DBPath: "./data/trips/trips.db",
		},
		Remote: RemoteConfig{
			TokenTTL: Duration(15 * time.Minute),
			Timeout:  Duration(30 * time.Second),
		},
		Sources: SourcesConfig{
			PollInterval:          Duration(5 * time.Second),
			ActivityMinConfidence: 50,
			SensorWindow:          64,
			GeofenceConfidence:    0.95,
			SpeedHysteresisMPS:    0.5,
		},
		Fusion: FusionConfig{
			Window:             Duration(30 * time.Second),
			AgreementThreshold: 0.6,
			MinEvidence:        0.5,
			MinSupport:         2,
			HighTrust:          0.9,
			EvalInterval:       Duration(5 * time.Second),
		},
		Trip: TripConfig{
			VehicleGrace:              Duration(90 * time.Second),
			WalkingGrace:              Duration(60 * time.Second),
			MaxPersistAttempts:        5,
			InboxSize:                 256,
			StopOnShutdown:            false,
			MaxAccuracyMeters:         100,
			MaxSpeedMPS:               277.78,
			JumpDistanceMeters:        1000,
			JumpTimeSeconds:           10,
			BaseLocationInterval:      Duration(5 * time.Minute),
			VehicleIntervalMultiplier: 0.55,
			DefaultIntervalMultiplier: 1.0,
		},
		Sync: SyncConfig{
			Interval:          Duration(5 * time.Minute),
			BatchSize:         50,
			TripLimit:         50,
			RequestTimeout:    Duration(30 * time.Second),
			InitialBackoff:    Duration(time.Second),
			MaxBackoff:        Duration(5 * time.Minute),
			BackoffMultiplier: 2,
		},
		PathCorrection: PathCorrectionConfig{
			Window:    Duration(time.Hour),
			Algorithm: "road_snap",
		},
	}
}

// Load 加载配置: defaults, then CONFIG_FILE, then environment overrides
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		fileCfg, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a TOML or YAML file over the defaults
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	switch ext := filepath.Ext(path); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to decode TOML: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	cfg.path = path
	return cfg, nil
}

// Path returns the file the config was loaded from
func (c *Config) Path() string {
	return c.path
}

// ApplyEnv overrides fields from environment variables
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		c.Storage.DBPath = v
	}
	if v := os.Getenv("DEVICE_ID"); v != "" {
		c.Device.ID = v
	}
	if v := os.Getenv("REMOTE_URL"); v != "" {
		c.Remote.BaseURL = v
	}
	if v := os.Getenv("API_KEY"); v != "" {
		c.Remote.APIKey = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Remote.JWTSecret = v
	}
	if v := os.Getenv("SYNC_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Sync.BatchSize = n
		}
	}
}
