package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration loaded from YAML.
type Config struct {
	Server   ServerConfig      `yaml:"server"`
	Database DatabaseConfig    `yaml:"database"`
	Provider ProviderConfig    `yaml:"provider"`
	Billing  BillingConfig     `yaml:"billing"`
	LLM      LLMConfig         `yaml:"llm"`
	Storage  StorageConfig     `yaml:"storage"`
	Recovery RecoveryConfig    `yaml:"recovery"`
	Stream   StreamConfig      `yaml:"stream"`
	Redis    RedisConfig       `yaml:"redis"`
	Actors   map[string]string `yaml:"actors"` // actor id -> reference image URL
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr          string        `yaml:"address"`
	PublicURL     string        `yaml:"publicUrl"` // externally reachable base URL, used for provider callbacks
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"` // must outlive stream.maxDuration
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	MaxBodySize   ByteSize      `yaml:"maxBodySize"`
	WorkerCount   int           `yaml:"workerCount"`
	QueueCapacity int           `yaml:"queueCapacity"`
	StorageDir    string        `yaml:"storageDir"`
	APIKey        string        `yaml:"apiKey"`      // optional static API key header (X-API-Key)
	AdminSecret   string        `yaml:"adminSecret"` // shared secret for /internal endpoints (X-Admin-Secret)
	ShutdownGrace time.Duration `yaml:"shutdownGrace"`
	LogLevel      string        `yaml:"logLevel"`  // debug|info|warn|error
	LogFormat     string        `yaml:"logFormat"` // text|json, empty = detect terminal
}

// DatabaseConfig selects the ledger backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite|postgres
	Path   string `yaml:"path"`   // sqlite file, defaults to storageDir/clipforge.db
	DSN    string `yaml:"dsn"`    // postgres DSN
}

// ProviderConfig selects the generative video backends.
type ProviderConfig struct {
	Primary        string               `yaml:"primary"`
	Fallbacks      []string             `yaml:"fallbacks"` // priority order
	QuotaCooldown  time.Duration        `yaml:"quotaCooldown"`
	RequestTimeout time.Duration        `yaml:"requestTimeout"`
	Kling          KlingSettings        `yaml:"kling"`
	Mock           MockProviderSettings `yaml:"mock"`
}

// KlingSettings config for the Kling HTTP API.
type KlingSettings struct {
	BaseURL string `yaml:"baseUrl"`
	APIKey  string `yaml:"apiKey"`
	Model   string `yaml:"model"`
	Mode    string `yaml:"mode"` // std|pro
}

// MockProviderSettings config for the local mock provider.
type MockProviderSettings struct {
	// PendingPolls is how many Query calls report "processing" before the task succeeds.
	PendingPolls int    `yaml:"pendingPolls"`
	VideoBaseURL string `yaml:"videoBaseUrl"`
}

// BillingConfig controls how many credits a job costs.
type BillingConfig struct {
	CreditsPerSecond int `yaml:"creditsPerSecond"`
	MinimumCost      int `yaml:"minimumCost"`
}

// LLMConfig selects the script generator and its options.
type LLMConfig struct {
	Provider string          `yaml:"provider"` // mock|aiproxy
	Mock     MockSettings    `yaml:"mock"`
	AIProxy  AIProxySettings `yaml:"aiproxy"`
}

// MockSettings config for the mock LLM.
type MockSettings struct {
	Delay time.Duration `yaml:"delay"`
	Clips int           `yaml:"clips"` // number of clips generated per script
}

// AIProxySettings config for the AI Proxy (OpenAI-compatible) LLM.
type AIProxySettings struct {
	BaseURL      string  `yaml:"baseUrl"`
	APIKey       string  `yaml:"apiKey"`
	Model        string  `yaml:"model"`
	SystemPrompt string  `yaml:"systemPrompt"`
	Temperature  float32 `yaml:"temperature"`
	MaxTokens    int     `yaml:"maxTokens"`
}

// StorageConfig controls mirroring of provider results into our own storage.
type StorageConfig struct {
	MirrorEnabled   bool          `yaml:"mirrorEnabled"`
	PublicBaseURL   string        `yaml:"publicBaseUrl"` // defaults to server.publicUrl + /assets
	DownloadTimeout time.Duration `yaml:"downloadTimeout"`
	MaxAssetSize    ByteSize      `yaml:"maxAssetSize"`
}

// RecoveryConfig controls the stale clip sweeper.
type RecoveryConfig struct {
	StaleAfter  time.Duration `yaml:"staleAfter"`
	Interval    time.Duration `yaml:"interval"` // scheduler cadence for `clipforge worker`
	Concurrency int           `yaml:"concurrency"`
}

// StreamConfig controls live status streams.
type StreamConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxTicks    int           `yaml:"maxTicks"`
	MaxDuration time.Duration `yaml:"maxDuration"`
}

// RedisConfig enables shared provider state and the scheduler. Empty Addr disables Redis.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ByteSize represents a size in bytes that unmarshals from strings like "10Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		str := strings.TrimSpace(value.Value)
		parsed, err := ParseByteSize(str)
		if err != nil {
			return err
		}
		*b = ByteSize(parsed)
		return nil
	}
	return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
}

var reNumeric = regexp.MustCompile(`^\d+$`)

// ParseByteSize parses a string like "10Mi", "20MB", "512KiB", "1024" into bytes.
// Supports Kubernetes-style quantities for binary units: Ki, Mi, Gi (case-insensitive).
// Also accepts KiB/MiB/GiB and decimal KB/MB/GB, and bare bytes.
func ParseByteSize(s string) (uint64, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	if reNumeric.MatchString(s) {
		val, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size number: %w", err)
		}
		return val, nil
	}

	up := strings.ToUpper(s)

	type unit struct {
		suffix string
		value  uint64
	}
	units := []unit{
		{"KIB", 1024},
		{"MIB", 1024 * 1024},
		{"GIB", 1024 * 1024 * 1024},
		{"KI", 1024},
		{"MI", 1024 * 1024},
		{"GI", 1024 * 1024 * 1024},
		{"KB", 1000},
		{"MB", 1000 * 1000},
		{"GB", 1000 * 1000 * 1000},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(up, u.suffix) {
			num := strings.TrimSpace(s[:len(s)-len(u.suffix)])
			val, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size number in %q: %w", orig, err)
			}
			return uint64(val * float64(u.value)), nil
		}
	}
	return 0, fmt.Errorf("unknown size suffix in %q", orig)
}

// Load reads YAML config from path, expands environment variables, and validates it.
// A .env file in the working directory is loaded first when present.
// If path is empty, it will attempt to read from env var CLIPFORGE_CONFIG, then default to "config.yaml".
func Load(path string) (*Config, error) {
	_ = godotenv.Load()
	if path == "" {
		if env := os.Getenv("CLIPFORGE_CONFIG"); env != "" {
			path = env
		} else {
			path = "config.yaml"
		}
	}
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes (after env expansion), applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	if cfg.Server.StorageDir != "" {
		if err := os.MkdirAll(cfg.Server.StorageDir, 0o750); err != nil {
			return nil, fmt.Errorf("ensure storage_dir: %w", err)
		}
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(cfg.Server.StorageDir, "clipforge.db")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.PublicURL == "" {
		cfg.Server.PublicURL = "http://localhost" + cfg.Server.Addr
	}
	cfg.Server.PublicURL = strings.TrimRight(cfg.Server.PublicURL, "/")
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxBodySize == 0 {
		cfg.Server.MaxBodySize = ByteSize(2 * 1024 * 1024)
	}
	if cfg.Server.WorkerCount <= 0 {
		cfg.Server.WorkerCount = 4
	}
	if cfg.Server.QueueCapacity <= 0 {
		cfg.Server.QueueCapacity = 128
	}
	if cfg.Server.StorageDir == "" {
		cfg.Server.StorageDir = "data"
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}

	// Database
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))

	// Provider
	if cfg.Provider.Primary == "" {
		cfg.Provider.Primary = "mock"
	}
	if cfg.Provider.QuotaCooldown == 0 {
		cfg.Provider.QuotaCooldown = 10 * time.Minute
	}
	if cfg.Provider.RequestTimeout == 0 {
		cfg.Provider.RequestTimeout = 30 * time.Second
	}
	if cfg.Provider.Kling.BaseURL == "" {
		cfg.Provider.Kling.BaseURL = "https://api.klingai.com"
	}
	if cfg.Provider.Kling.Model == "" {
		cfg.Provider.Kling.Model = "kling-v2-1"
	}
	if cfg.Provider.Kling.Mode == "" {
		cfg.Provider.Kling.Mode = "std"
	}
	if cfg.Provider.Mock.VideoBaseURL == "" {
		cfg.Provider.Mock.VideoBaseURL = "https://mock.invalid/videos"
	}

	// Billing
	if cfg.Billing.CreditsPerSecond <= 0 {
		cfg.Billing.CreditsPerSecond = 1
	}
	if cfg.Billing.MinimumCost <= 0 {
		cfg.Billing.MinimumCost = 1
	}

	// LLM
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "mock"
	}
	if cfg.LLM.Mock.Clips <= 0 {
		cfg.LLM.Mock.Clips = 4
	}
	if strings.EqualFold(cfg.LLM.Provider, "aiproxy") {
		if strings.TrimSpace(cfg.LLM.AIProxy.BaseURL) == "" {
			cfg.LLM.AIProxy.BaseURL = "http://localhost:8900"
		}
		if strings.TrimSpace(cfg.LLM.AIProxy.Model) == "" {
			cfg.LLM.AIProxy.Model = "gpt-5"
		}
	}

	// Storage
	if cfg.Storage.PublicBaseURL == "" {
		cfg.Storage.PublicBaseURL = cfg.Server.PublicURL + "/assets"
	}
	cfg.Storage.PublicBaseURL = strings.TrimRight(cfg.Storage.PublicBaseURL, "/")
	if cfg.Storage.DownloadTimeout == 0 {
		cfg.Storage.DownloadTimeout = 2 * time.Minute
	}
	if cfg.Storage.MaxAssetSize == 0 {
		cfg.Storage.MaxAssetSize = ByteSize(512 * 1024 * 1024)
	}

	// Recovery
	if cfg.Recovery.StaleAfter == 0 {
		cfg.Recovery.StaleAfter = 30 * time.Minute
	}
	if cfg.Recovery.Interval == 0 {
		cfg.Recovery.Interval = 5 * time.Minute
	}
	if cfg.Recovery.Concurrency <= 0 {
		cfg.Recovery.Concurrency = 8
	}

	// Stream
	if cfg.Stream.Interval == 0 {
		cfg.Stream.Interval = 3 * time.Second
	}
	if cfg.Stream.MaxTicks <= 0 {
		cfg.Stream.MaxTicks = 100
	}
	if cfg.Stream.MaxDuration == 0 {
		cfg.Stream.MaxDuration = 5 * time.Minute
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = cfg.Stream.MaxDuration + time.Minute
	}
}

func validate(cfg *Config) error {
	switch cfg.Database.Driver {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.Database.DSN) == "" {
			return errors.New("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database.driver %q", cfg.Database.Driver)
	}

	known := map[string]bool{"kling": true, "mock": true}
	if !known[cfg.Provider.Primary] {
		return fmt.Errorf("unsupported provider.primary %q", cfg.Provider.Primary)
	}
	for _, fb := range cfg.Provider.Fallbacks {
		if !known[fb] {
			return fmt.Errorf("unsupported provider.fallbacks entry %q", fb)
		}
	}
	if usesProvider(cfg, "kling") && strings.TrimSpace(cfg.Provider.Kling.APIKey) == "" {
		return errors.New("provider.kling.apiKey is required")
	}

	switch strings.ToLower(cfg.LLM.Provider) {
	case "mock", "aiproxy":
	default:
		return fmt.Errorf("unsupported llm.provider %q", cfg.LLM.Provider)
	}

	if cfg.Stream.Interval < 0 || cfg.Recovery.StaleAfter < 0 {
		return errors.New("durations must not be negative")
	}
	switch strings.ToLower(cfg.Server.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unsupported server.logFormat %q", cfg.Server.LogFormat)
	}
	return nil
}

func usesProvider(cfg *Config, name string) bool {
	if cfg.Provider.Primary == name {
		return true
	}
	for _, fb := range cfg.Provider.Fallbacks {
		if fb == name {
			return true
		}
	}
	return false
}
