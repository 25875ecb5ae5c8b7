package cmn

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds every process-wide tunable, overridable by an optional
// config.yaml sitting next to settings.json, further overridable by
// environment variables (env always wins).
type Config struct {
	// Folder Cache
	CacheCapacity  int           `yaml:"cacheCapacity"`
	CacheTTL       time.Duration `yaml:"cacheTTL"`
	CacheStaleness time.Duration `yaml:"cacheStaleness"`

	// Transfer Engine
	MaxConcurrentUploads   int           `yaml:"maxConcurrentUploads"`
	MaxConcurrentDownloads int           `yaml:"maxConcurrentDownloads"`
	DeleteBatchSize        int           `yaml:"deleteBatchSize"`
	MaxRetryAttempts       int           `yaml:"maxRetryAttempts"`
	AutoRetryOnFailure     bool          `yaml:"autoRetryOnFailure"`
	ProgressInterval       time.Duration `yaml:"progressInterval"`
	RetentionPerBucket     int           `yaml:"retentionPerBucket"`

	// Provider Client
	RequestDeadline  time.Duration `yaml:"requestDeadline"`
	ResourceDeadline time.Duration `yaml:"resourceDeadline"`

	// HTTP Broker
	MaxBodyBytes int64  `yaml:"maxBodyBytes"`
	Port         int    `yaml:"port"`
	LogLevel     string `yaml:"logLevel"`

	// Request Middleware
	CORSAllowedOrigins []string `yaml:"corsAllowedOrigins"`

	// Supervisor
	ShutdownDrainTimeout time.Duration `yaml:"shutdownDrainTimeout"`
}

func Defaults() Config {
	return Config{
		CacheCapacity:  100,
		CacheTTL:       5 * time.Minute,
		CacheStaleness: 2 * time.Minute,

		MaxConcurrentUploads:   3,
		MaxConcurrentDownloads: 5,
		DeleteBatchSize:        1000,
		MaxRetryAttempts:       1,
		AutoRetryOnFailure:     false,
		ProgressInterval:       200 * time.Millisecond,
		RetentionPerBucket:     50,

		RequestDeadline:  30 * time.Second,
		ResourceDeadline: 300 * time.Second,

		MaxBodyBytes: 5 * 1024 * 1024 * 1024, // 5 GiB
		Port:         0,
		LogLevel:     "info",

		CORSAllowedOrigins: []string{
			"http://localhost:3000",
			"http://localhost:3001",
			"http://localhost:8080",
		},

		ShutdownDrainTimeout: 3 * time.Second,
	}
}

// Load builds a Config from defaults, an optional yaml file, then
// environment variables, in that precedence order (later wins).
func Load(configPath string) (Config, error) {
	cfg := Defaults()

	if configPath != "" {
		if b, err := os.ReadFile(configPath); err == nil {
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, err
			}
		} else if !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

// SettingsDir returns the per-user directory holding settings.json,
// config.yaml, and the optional download cache.
func SettingsDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cloudflare-r2-object-storage-browser"), nil
}

// configBox lets the broker swap the active config atomically: a
// globally-owned, atomically-swappable config value.
type configBox struct{ v atomic.Value }

var globalConfig configBox

func init() { globalConfig.v.Store(Defaults()) }

func GCOGet() Config { return globalConfig.v.Load().(Config) }

func GCOSet(c Config) { globalConfig.v.Store(c) }
