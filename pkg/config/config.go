package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML files can use "60s" / "5m" strings.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ServerConfig configures the HTTP surfaces.
type ServerConfig struct {
	ListenAddr     string   `yaml:"listen_addr"`
	OpsAddr        string   `yaml:"ops_addr"`
	PublicURL      string   `yaml:"public_url"` // base URL workers use for callbacks
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend string `yaml:"backend"` // "memory" or "bolt"
	DataDir string `yaml:"data_dir"`
}

// RegistryConfig tunes worker health probing.
type RegistryConfig struct {
	ProbeInterval    Duration `yaml:"probe_interval"`
	HealthTTL        Duration `yaml:"health_ttl"`
	ProbeTimeout     Duration `yaml:"probe_timeout"`
	MinProbeSpacing  Duration `yaml:"min_probe_spacing"`
	ProbeConcurrency int      `yaml:"probe_concurrency"`
	OfflineThreshold int      `yaml:"offline_threshold"`
}

// RouterConfig tunes worker selection.
type RouterConfig struct {
	CacheTTL               Duration `yaml:"cache_ttl"`
	ScoreFloor             float64  `yaml:"score_floor"`
	DecisionBuffer         int      `yaml:"decision_buffer"`
	GateHeavyToUserCompute bool     `yaml:"gate_heavy_to_user_compute"`
}

// JobsConfig tunes the job manager.
type JobsConfig struct {
	MaxConcurrent     int      `yaml:"max_concurrent"`
	MaxAttempts       int      `yaml:"max_attempts"`
	BackoffBase       Duration `yaml:"backoff_base"`
	BackoffCap        Duration `yaml:"backoff_cap"`
	DefaultDeadline   Duration `yaml:"default_deadline"`
	RetentionInterval Duration `yaml:"retention_interval"`
}

// ResultsConfig tunes the result store.
type ResultsConfig struct {
	InlineThreshold int      `yaml:"inline_threshold"` // bytes
	CacheSize       int      `yaml:"cache_size"`
	CacheTTL        Duration `yaml:"cache_ttl"`
	Retention       Duration `yaml:"retention"`
	BlobBackend     string   `yaml:"blob_backend"` // "memory", "filesystem" or "redis"
	BlobDir         string   `yaml:"blob_dir"`
	RedisAddr       string   `yaml:"redis_addr"`
	RedisPassword   string   `yaml:"redis_password"`
	RedisDB         int      `yaml:"redis_db"`
}

// EnvelopeConfig tunes job envelope signing.
type EnvelopeConfig struct {
	Issuer         string   `yaml:"issuer"`
	TTL            Duration `yaml:"ttl"`
	ClockSkew      Duration `yaml:"clock_skew"`
	PrivateKeyPath string   `yaml:"private_key"`
	PublicKeyPaths []string `yaml:"public_keys"`
}

// Config aggregates every tunable with its default.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Storage  StorageConfig  `yaml:"storage"`
	Registry RegistryConfig `yaml:"registry"`
	Router   RouterConfig   `yaml:"router"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Results  ResultsConfig  `yaml:"results"`
	Envelope EnvelopeConfig `yaml:"envelope"`
}

// MaxEnvelopeTTL is the hard ceiling on envelope lifetime; verifiers reject
// tokens minted for longer even when signed correctly.
const MaxEnvelopeTTL = 15 * time.Minute

// Default returns a Config populated with every documented default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:     ":8080",
			OpsAddr:        ":9090",
			PublicURL:      "http://localhost:8080",
			AllowedOrigins: []string{"*"},
		},
		Log: LogConfig{
			Level: "info",
			JSON:  true,
		},
		Storage: StorageConfig{
			Backend: "memory",
			DataDir: "/var/lib/maestro",
		},
		Registry: RegistryConfig{
			ProbeInterval:    Duration(60 * time.Second),
			HealthTTL:        Duration(60 * time.Second),
			ProbeTimeout:     Duration(10 * time.Second),
			MinProbeSpacing:  Duration(5 * time.Second),
			ProbeConcurrency: 8,
			OfflineThreshold: 3,
		},
		Router: RouterConfig{
			CacheTTL:               Duration(5 * time.Minute),
			ScoreFloor:             0.2,
			DecisionBuffer:         1000,
			GateHeavyToUserCompute: true,
		},
		Jobs: JobsConfig{
			MaxConcurrent:     10,
			MaxAttempts:       3,
			BackoffBase:       Duration(time.Second),
			BackoffCap:        Duration(60 * time.Second),
			DefaultDeadline:   Duration(300 * time.Second),
			RetentionInterval: Duration(time.Hour),
		},
		Results: ResultsConfig{
			InlineThreshold: 64 * 1024,
			CacheSize:       1000,
			CacheTTL:        Duration(time.Hour),
			Retention:       Duration(30 * 24 * time.Hour),
			BlobBackend:     "memory",
		},
		Envelope: EnvelopeConfig{
			Issuer:    "maestro",
			TTL:       Duration(15 * time.Minute),
			ClockSkew: Duration(60 * time.Second),
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged. Environment overrides apply in both cases.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays MAESTRO_* environment variables on the loaded config.
func (c *Config) applyEnv() {
	if v := os.Getenv("MAESTRO_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("MAESTRO_OPS_ADDR"); v != "" {
		c.Server.OpsAddr = v
	}
	if v := os.Getenv("MAESTRO_PUBLIC_URL"); v != "" {
		c.Server.PublicURL = v
	}
	if v := os.Getenv("MAESTRO_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("MAESTRO_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("MAESTRO_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("MAESTRO_BLOB_BACKEND"); v != "" {
		c.Results.BlobBackend = v
	}
	if v := os.Getenv("MAESTRO_REDIS_ADDR"); v != "" {
		c.Results.RedisAddr = v
	}
	if v := os.Getenv("MAESTRO_REDIS_PASSWORD"); v != "" {
		c.Results.RedisPassword = v
	}
	if v := os.Getenv("MAESTRO_PRIVATE_KEY"); v != "" {
		c.Envelope.PrivateKeyPath = v
	}
	if v := os.Getenv("MAESTRO_PUBLIC_KEYS"); v != "" {
		c.Envelope.PublicKeyPaths = strings.Split(v, ",")
	}
}

// Validate rejects configurations that violate documented bounds.
func (c *Config) Validate() error {
	if c.Storage.Backend != "memory" && c.Storage.Backend != "bolt" {
		return fmt.Errorf("unknown storage backend: %s", c.Storage.Backend)
	}
	if c.Storage.Backend == "bolt" && c.Storage.DataDir == "" {
		return fmt.Errorf("bolt storage requires data_dir")
	}
	switch c.Results.BlobBackend {
	case "memory":
	case "filesystem":
		if c.Results.BlobDir == "" && c.Storage.DataDir == "" {
			return fmt.Errorf("filesystem blob backend requires blob_dir")
		}
	case "redis":
		if c.Results.RedisAddr == "" {
			return fmt.Errorf("redis blob backend requires redis_addr")
		}
	default:
		return fmt.Errorf("unknown blob backend: %s", c.Results.BlobBackend)
	}
	if c.Jobs.MaxAttempts < 1 || c.Jobs.MaxAttempts > 10 {
		return fmt.Errorf("max_attempts must be between 1 and 10, got %d", c.Jobs.MaxAttempts)
	}
	if c.Jobs.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be positive, got %d", c.Jobs.MaxConcurrent)
	}
	if c.Jobs.BackoffBase.Std() <= 0 || c.Jobs.BackoffCap.Std() < c.Jobs.BackoffBase.Std() {
		return fmt.Errorf("backoff_base must be positive and no greater than backoff_cap")
	}
	if c.Router.ScoreFloor < 0 || c.Router.ScoreFloor > 1 {
		return fmt.Errorf("score_floor must be within [0,1], got %v", c.Router.ScoreFloor)
	}
	if c.Router.DecisionBuffer < 1 {
		return fmt.Errorf("decision_buffer must be positive, got %d", c.Router.DecisionBuffer)
	}
	if c.Results.InlineThreshold < 1 {
		return fmt.Errorf("inline_threshold must be positive, got %d", c.Results.InlineThreshold)
	}
	if c.Registry.ProbeInterval.Std() <= 0 || c.Registry.ProbeTimeout.Std() <= 0 {
		return fmt.Errorf("probe_interval and probe_timeout must be positive")
	}
	if c.Registry.OfflineThreshold < 1 {
		return fmt.Errorf("offline_threshold must be positive, got %d", c.Registry.OfflineThreshold)
	}
	if c.Envelope.TTL.Std() <= 0 || c.Envelope.TTL.Std() > MaxEnvelopeTTL {
		return fmt.Errorf("envelope ttl must be within (0, %s]", MaxEnvelopeTTL)
	}
	return nil
}
