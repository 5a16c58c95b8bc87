// Package config
package config

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/subosito/gotenv"
	"gopkg.in/yaml.v3"
)

/*
YAML config example:
creds:
  api_key: "..."
  access_token: "..."
root_url: "https://api.kite.trade"
dry_run: true
default_product: "MIS"
market_protection: 2.5
autoslice: false
throttle_warning_threshold: 0.8
rate_limit: { per_second: 10, per_minute: 200 }
scale_pacing: 200ms
chase: { interval: 500ms, tick: 0.05, max_moves: 20 }
swarm_delay: 100ms
index: { driver: "sqlite", dsn: "" }
telegram: { token: "...", chat_id: "...", retries: 3, delay: 5s }
metrics_addr: ":9090"
*/

const (
	EnvConfigDir = "ORDER_ROUTER_CONFIG_DIR"
	EnvEnvFile   = "ORDER_ROUTER_ENV_FILE"

	IndexMemory = "memory"
)

type Credentials struct {
	APIKey      string `yaml:"api_key"`
	APISecret   string `yaml:"api_secret"`
	AccessToken string `yaml:"access_token"`
	PublicToken string `yaml:"public_token"`
	UserID      string `yaml:"user_id"`
}

type RateLimit struct {
	PerSecond int `yaml:"per_second"`
	PerMinute int `yaml:"per_minute"`
}

type Chase struct {
	Interval time.Duration `yaml:"interval"`
	Tick     float64       `yaml:"tick"`
	MaxMoves int           `yaml:"max_moves"`
}

type Index struct {
	// Driver is sqlite, postgres or memory.
	Driver string `yaml:"driver"`
	// DSN defaults to state.db in the config directory for sqlite.
	DSN string `yaml:"dsn"`
}

type Telegram struct {
	Token    string        `yaml:"token"`
	ChatID   string        `yaml:"chat_id"`
	ProxyURL string        `yaml:"proxy_url"`
	Retries  int           `yaml:"retries"`
	Delay    time.Duration `yaml:"delay"`
}

type Config struct {
	Creds            Credentials   `yaml:"creds"`
	RootURL          string        `yaml:"root_url"`
	WebsocketURL     string        `yaml:"websocket_url"`
	DryRun           bool          `yaml:"dry_run"`
	DefaultProduct   string        `yaml:"default_product"`
	MarketProtection float64       `yaml:"market_protection"`
	Autoslice        bool          `yaml:"autoslice"`
	ThrottleWarning  float64       `yaml:"throttle_warning_threshold"`
	RateLimit        RateLimit     `yaml:"rate_limit"`
	ScalePacing      time.Duration `yaml:"scale_pacing"`
	Chase            Chase         `yaml:"chase"`
	SwarmDelay       time.Duration `yaml:"swarm_delay"`
	HTTPTimeout      time.Duration `yaml:"http_timeout"`
	LogFile          string        `yaml:"log_file"`
	Index            Index         `yaml:"index"`
	Telegram         Telegram      `yaml:"telegram"`
	MetricsAddr      string        `yaml:"metrics_addr"`
}

// Defaults returns the configuration used when no file is present.
func Defaults() Config {
	return Config{
		RootURL:          "https://api.kite.trade",
		WebsocketURL:     "wss://ws.kite.trade/",
		DefaultProduct:   "MIS",
		MarketProtection: 2.5,
		ThrottleWarning:  0.8,
		RateLimit:        RateLimit{PerSecond: 10, PerMinute: 200},
		ScalePacing:      200 * time.Millisecond,
		Chase:            Chase{Interval: 500 * time.Millisecond, Tick: 0.05, MaxMoves: 20},
		SwarmDelay:       100 * time.Millisecond,
		HTTPTimeout:      10 * time.Second,
		LogFile:          "order-router.log",
		Index:            Index{Driver: "sqlite"},
		Telegram:         Telegram{Retries: 3, Delay: 5 * time.Second},
	}
}

// Dir is the directory holding config.yaml, the sqlite index and the
// integrity baseline.
func Dir() string {
	if d := os.Getenv(EnvConfigDir); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".order-router"
	}
	return filepath.Join(home, ".config", "order-router")
}

func DefaultPath() string { return filepath.Join(Dir(), "config.yaml") }

func envFile() string {
	if f := os.Getenv(EnvEnvFile); f != "" {
		return f
	}
	return ".env"
}

// injectDotenv loads the .env file without overriding variables already set.
func injectDotenv() error {
	f := envFile()
	if _, err := os.Stat(f); err != nil {
		return nil
	}
	if err := gotenv.Load(f); err != nil {
		return fmt.Errorf("failed to load %s: %w", f, err)
	}
	return nil
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// applyEnvCredentials overlays ZERODHA_* (preferred) or KITE_* variables.
func (c *Config) applyEnvCredentials() {
	set := func(dst *string, name string) {
		if v := firstEnv("ZERODHA_"+name, "KITE_"+name); v != "" {
			*dst = v
		}
	}
	set(&c.Creds.APIKey, "API_KEY")
	set(&c.Creds.APISecret, "API_SECRET")
	set(&c.Creds.AccessToken, "ACCESS_TOKEN")
	set(&c.Creds.PublicToken, "PUBLIC_TOKEN")
	set(&c.Creds.UserID, "USER_ID")
}

// Load reads the YAML file at path over Defaults, then applies .env and
// environment credentials. An empty path means DefaultPath, which may be
// absent.
func Load(path string) (Config, error) {
	if err := injectDotenv(); err != nil {
		return Config{}, err
	}

	cfg := Defaults()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.applyEnvCredentials()
	if cfg.Index.Driver == "sqlite" && cfg.Index.DSN == "" {
		cfg.Index.DSN = filepath.Join(Dir(), "state.db")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg as YAML, creating parent directories.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (c Config) Validate() error {
	var errs []error
	switch strings.ToUpper(c.DefaultProduct) {
	case "CNC", "NRML", "MIS", "MTF":
	default:
		errs = append(errs, fmt.Errorf("unknown default_product %q", c.DefaultProduct))
	}
	if c.MarketProtection < 0 {
		errs = append(errs, errors.New("market_protection must not be negative"))
	}
	if c.ThrottleWarning <= 0 || c.ThrottleWarning > 1 {
		errs = append(errs, errors.New("throttle_warning_threshold must be in (0, 1]"))
	}
	if c.RateLimit.PerSecond <= 0 {
		errs = append(errs, errors.New("rate_limit.per_second must be positive"))
	}
	if c.RateLimit.PerMinute < 0 {
		errs = append(errs, errors.New("rate_limit.per_minute must not be negative"))
	}
	if c.Chase.Tick < 0 || c.Chase.MaxMoves < 0 {
		errs = append(errs, errors.New("chase tick and max_moves must not be negative"))
	}
	switch c.Index.Driver {
	case "sqlite", "postgres":
		if c.Index.DSN == "" {
			errs = append(errs, fmt.Errorf("index.dsn is required for %s", c.Index.Driver))
		}
	case IndexMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown index driver %q", c.Index.Driver))
	}
	return errors.Join(errs...)
}

// HasLiveCredentials reports whether REST and websocket calls can be signed.
func (c Config) HasLiveCredentials() bool {
	return c.Creds.APIKey != "" && c.Creds.AccessToken != ""
}

// Flags are the command-line overrides accepted by MustLoadConfig.
type Flags struct {
	ConfigFile  string
	DryRun      bool
	Live        bool
	MetricsAddr string
	Args        []string
}

func parseFlags(fs *flag.FlagSet, args []string) (Flags, error) {
	var f Flags
	fs.StringVar(&f.ConfigFile, "config", "", "Path to YAML config file")
	fs.BoolVar(&f.DryRun, "dry-run", false, "Simulate orders locally")
	fs.BoolVar(&f.Live, "live", false, "Send orders to the brokerage")
	fs.StringVar(&f.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	if f.DryRun && f.Live {
		return Flags{}, errors.New("-dry-run and -live are mutually exclusive")
	}
	f.Args = fs.Args()
	return f, nil
}

// Apply overlays flag overrides on cfg.
func (f Flags) Apply(cfg Config) Config {
	if f.DryRun {
		cfg.DryRun = true
	}
	if f.Live {
		cfg.DryRun = false
	}
	if f.MetricsAddr != "" {
		cfg.MetricsAddr = f.MetricsAddr
	}
	return cfg
}

// ConfigPath is the file Load reads for these flags.
func (f Flags) ConfigPath() string {
	if f.ConfigFile != "" {
		return f.ConfigFile
	}
	return DefaultPath()
}

// MustLoadConfig parses os.Args, loads the config file and exits on error.
// Flags.Args holds the remaining positional arguments as a one-shot command.
func MustLoadConfig() (Config, Flags) {
	f, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("Invalid flags: %v", err)
	}
	cfg, err := Load(f.ConfigFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return f.Apply(cfg), f
}
