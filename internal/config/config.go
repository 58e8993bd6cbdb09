package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"golang.org/x/exp/slices"

	"github.com/dreamware/replmon/internal/observability"
)

// Environment variables read by Load. The CouchDB variable names match what
// existing deployments already set.
const (
	EnvPort            = "PORT"
	EnvCouchURL        = "COUCHDB_URL"
	EnvCouchUser       = "COUCHDB_ADMIN_USER"
	EnvCouchPassword   = "COUCHDB_ADMIN_PASSWORD"
	EnvReplicatorDB    = "REPLMON_REPLICATOR_DB"
	EnvUpstreamTimeout = "REPLMON_UPSTREAM_TIMEOUT"
	EnvLegacyFallback  = "REPLMON_LEGACY_FALLBACK"
	EnvLogLevel        = "REPLMON_LOG_LEVEL"
	EnvLogFormat       = "REPLMON_LOG_FORMAT"
	EnvCorsOrigins     = "REPLMON_CORS_ORIGINS"
	EnvMetrics         = "REPLMON_METRICS"
	EnvDebugRoutes     = "REPLMON_DEBUG_ROUTES"
)

type Config struct {
	Port    int           `toml:"port"`
	CouchDB CouchDBConfig `toml:"couchdb"`
	Log     LogConfig     `toml:"log"`
	// LegacyFallback reports _replication_state for documents without a
	// live task.
	LegacyFallback bool     `toml:"legacy_fallback"`
	CorsOrigins    []string `toml:"cors_origins"`
	Metrics        bool     `toml:"metrics"`
	DebugRoutes    bool     `toml:"debug_routes"`
}

type CouchDBConfig struct {
	URL          string   `toml:"url"`
	User         string   `toml:"user"`
	Password     string   `toml:"password"`
	ReplicatorDB string   `toml:"replicator_db"`
	Timeout      Duration `toml:"timeout"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Duration is a time.Duration written as "30s" in TOML.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func Default() Config {
	return Config{
		Port: 8080,
		CouchDB: CouchDBConfig{
			URL:          "http://localhost:5984",
			User:         "admin",
			Password:     "password",
			ReplicatorDB: "_replicator",
			Timeout:      Duration(30 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: true,
	}
}

// Load builds the configuration from defaults, then the TOML file at
// configFile, then the .env file at envFile, then the process environment.
// Either path may be empty. A missing .env file is not an error; a missing
// TOML file is.
func Load(envFile, configFile string) (Config, error) {
	cfg := Default()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return Config{}, fmt.Errorf("config load failed (%s): %w", configFile, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config parse failed (%s): %w", configFile, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load env file (%s): %w", envFile, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.CorsOrigins = normalizeOrigins(cfg.CorsOrigins)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v, ok := lookup(EnvPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		cfg.Port = port
	}
	if v, ok := lookup(EnvCouchURL); ok {
		cfg.CouchDB.URL = v
	}
	if v, ok := lookup(EnvCouchUser); ok {
		cfg.CouchDB.User = v
	}
	if v, ok := lookup(EnvCouchPassword); ok {
		cfg.CouchDB.Password = v
	}
	if v, ok := lookup(EnvReplicatorDB); ok {
		cfg.CouchDB.ReplicatorDB = v
	}
	if v, ok := lookup(EnvUpstreamTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvUpstreamTimeout, err)
		}
		cfg.CouchDB.Timeout = Duration(d)
	}
	if v, ok := lookup(EnvLegacyFallback); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvLegacyFallback, err)
		}
		cfg.LegacyFallback = b
	}
	if v, ok := lookup(EnvLogLevel); ok {
		cfg.Log.Level = v
	}
	if v, ok := lookup(EnvLogFormat); ok {
		cfg.Log.Format = v
	}
	if v, ok := lookup(EnvCorsOrigins); ok {
		cfg.CorsOrigins = strings.Split(v, ",")
	}
	if v, ok := lookup(EnvMetrics); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMetrics, err)
		}
		cfg.Metrics = b
	}
	if v, ok := lookup(EnvDebugRoutes); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDebugRoutes, err)
		}
		cfg.DebugRoutes = b
	}
	return nil
}

// lookup treats empty variables as unset.
func lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func Validate(cfg Config) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("port %d out of range", cfg.Port)
	}
	u, err := url.Parse(strings.TrimSpace(cfg.CouchDB.URL))
	if err != nil {
		return fmt.Errorf("couchdb url invalid: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("couchdb url %q must be an absolute http(s) url", cfg.CouchDB.URL)
	}
	if strings.TrimSpace(cfg.CouchDB.ReplicatorDB) == "" {
		return fmt.Errorf("couchdb replicator_db is required")
	}
	if cfg.CouchDB.Timeout <= 0 {
		return fmt.Errorf("couchdb timeout must be positive")
	}
	if _, ok := observability.ParseLevel(cfg.Log.Level); !ok {
		return fmt.Errorf("log level %q is not recognised", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log format %q must be console or json", cfg.Log.Format)
	}
	return nil
}

// Addr is the listen address derived from Port.
func (c Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}
