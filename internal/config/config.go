package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for cloudlaunch.
type Config struct {
	General   GeneralConfig   `yaml:"general"`
	HTTP      HTTPConfig      `yaml:"http"`
	KV        KVConfig        `yaml:"kv"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Launch    LaunchConfig    `yaml:"launch"`
	Sources   SourcesConfig   `yaml:"sources"`
	Agents    AgentsConfig    `yaml:"agents"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Images    ImagesConfig    `yaml:"images"`
	Activity  ActivityConfig  `yaml:"activity"`
}

type GeneralConfig struct {
	InstanceID  string `yaml:"instance_id"`
	Environment string `yaml:"environment"` // production|staging|development
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json|text
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// KVConfig points at the Redis-protocol store. URL accepts redis://,
// rediss://, a bare host:port, or an Upstash REST URL (https://host), in
// which case Token is used as the password.
type KVConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	DB    int    `yaml:"db"`
}

// PostgresConfig is optional. An empty DSN keeps the launch ledger in memory.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type SchedulerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type LaunchConfig struct {
	Instances     []int  `yaml:"instances"`
	DefaultWallet string `yaml:"default_wallet"`
	SkipFeed      bool   `yaml:"skip_feed_engagement"`
}

type SourcesConfig struct {
	GeckoTerminalURL string         `yaml:"geckoterminal_url"`
	DexScreenerURL   string         `yaml:"dexscreener_url"`
	Timeout          time.Duration  `yaml:"timeout"`
	MaxPerBatch      int            `yaml:"max_per_batch"`
	RateLimitRPS     float64        `yaml:"rate_limit_rps"`
	Rotation         []SourceConfig `yaml:"rotation"`
}

// SourceConfig is one entry of the rotation list. Kind is gecko|dex.
type SourceConfig struct {
	Kind    string `yaml:"kind"`
	Network string `yaml:"network"`
	Query   string `yaml:"query"`
	Label   string `yaml:"label"`
}

type AgentsConfig struct {
	Default string            `yaml:"default"`
	Timeout time.Duration     `yaml:"timeout"`
	APIs    map[string]string `yaml:"apis"`
}

type TrackerConfig struct {
	AdminAddress   string        `yaml:"admin_address"`
	ClankerURL     string        `yaml:"clanker_url"`
	DexScreenerURL string        `yaml:"dexscreener_url"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	MaxPages       int           `yaml:"max_pages"`
}

type ImagesConfig struct {
	SerperAPIKey     string        `yaml:"serper_api_key"`
	SerperURL        string        `yaml:"serper_url"`
	DuckDuckGoURL    string        `yaml:"duckduckgo_url"`
	GeckoTerminalURL string        `yaml:"geckoterminal_url"`
	CoinGeckoURL     string        `yaml:"coingecko_url"`
	Timeout          time.Duration `yaml:"timeout"`
}

type ActivityConfig struct {
	Capacity int `yaml:"capacity"`
}

var (
	ErrNoInstances     = errors.New("launch.instances must list at least one instance id")
	ErrNoSources       = errors.New("sources.rotation must not be empty")
	ErrBadSourceKind   = errors.New("sources.rotation entry has unknown kind")
	ErrNoDefaultAgent  = errors.New("agents.default must name an entry of agents.apis")
	ErrBadInstanceID   = errors.New("launch.instances ids must be positive")
	ErrBadSchedulerInt = errors.New("scheduler.interval must be at least one second")
)

// Load reads and parses a YAML configuration file. An optional .env file
// next to the working directory is loaded first so ${VAR} references resolve.
func Load(path string) (*Config, error) {
	// Missing .env is fine.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse expands environment variables in data and decodes it.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	applyEnvFallbacks(cfg)

	return cfg, nil
}

// Default returns a configuration with every default applied, as if an
// empty file had been loaded.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	applyEnvFallbacks(cfg)
	return cfg
}

// Validate checks cross-field constraints that defaults cannot repair.
func (c *Config) Validate() error {
	if len(c.Launch.Instances) == 0 {
		return ErrNoInstances
	}
	for _, id := range c.Launch.Instances {
		if id <= 0 {
			return fmt.Errorf("%w: %d", ErrBadInstanceID, id)
		}
	}
	if len(c.Sources.Rotation) == 0 {
		return ErrNoSources
	}
	for i, s := range c.Sources.Rotation {
		if s.Kind != "gecko" && s.Kind != "dex" {
			return fmt.Errorf("%w: #%d %q", ErrBadSourceKind, i, s.Kind)
		}
	}
	if _, ok := c.Agents.APIs[c.Agents.Default]; !ok {
		return fmt.Errorf("%w: %q", ErrNoDefaultAgent, c.Agents.Default)
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval < time.Second {
		return ErrBadSchedulerInt
	}
	return nil
}

// HasInstance reports whether id is one of the configured instances.
func (c *Config) HasInstance(id int) bool {
	for _, v := range c.Launch.Instances {
		if v == id {
			return true
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "cloudlaunch-1"
	}
	if cfg.General.Environment == "" {
		cfg.General.Environment = "development"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}

	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	// A scheduled tick can run several sequential upstream calls.
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 120 * time.Second
	}
	if cfg.HTTP.ShutdownTimeout == 0 {
		cfg.HTTP.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Scheduler.Interval == 0 {
		cfg.Scheduler.Interval = time.Minute
	}

	if len(cfg.Launch.Instances) == 0 {
		cfg.Launch.Instances = []int{1, 2}
	}
	if cfg.Launch.DefaultWallet == "" {
		cfg.Launch.DefaultWallet = DefaultAdminAddress
	}

	if cfg.Sources.GeckoTerminalURL == "" {
		cfg.Sources.GeckoTerminalURL = "https://api.geckoterminal.com/api/v2"
	}
	if cfg.Sources.DexScreenerURL == "" {
		cfg.Sources.DexScreenerURL = "https://api.dexscreener.com"
	}
	if cfg.Sources.Timeout == 0 {
		cfg.Sources.Timeout = 10 * time.Second
	}
	if cfg.Sources.MaxPerBatch == 0 {
		cfg.Sources.MaxPerBatch = 15
	}
	if cfg.Sources.RateLimitRPS == 0 {
		cfg.Sources.RateLimitRPS = 5
	}
	if len(cfg.Sources.Rotation) == 0 {
		cfg.Sources.Rotation = []SourceConfig{
			{Kind: "gecko", Network: "bsc", Label: "GeckoTerminal BSC"},
			{Kind: "gecko", Network: "base", Label: "GeckoTerminal Base"},
			{Kind: "gecko", Network: "solana", Label: "GeckoTerminal Solana"},
			{Kind: "dex", Query: "bsc new", Label: "DexScreener BSC"},
			{Kind: "dex", Query: "base new", Label: "DexScreener Base"},
		}
	}

	if cfg.Agents.Default == "" {
		cfg.Agents.Default = "4claw_org"
	}
	if cfg.Agents.Timeout == 0 {
		cfg.Agents.Timeout = 30 * time.Second
	}
	if len(cfg.Agents.APIs) == 0 {
		cfg.Agents.APIs = map[string]string{
			"4claw_org": "https://www.4claw.org/api/v1",
			"moltx":     "https://moltx.io/v1",
			"moltbook":  "https://www.moltbook.com/api/v1",
			"bapbook":   "https://app-ookzumda.fly.dev",
		}
	}

	if cfg.Tracker.AdminAddress == "" {
		cfg.Tracker.AdminAddress = DefaultAdminAddress
	}
	if cfg.Tracker.ClankerURL == "" {
		cfg.Tracker.ClankerURL = "https://www.clanker.world"
	}
	if cfg.Tracker.DexScreenerURL == "" {
		cfg.Tracker.DexScreenerURL = "https://api.dexscreener.com"
	}
	if cfg.Tracker.CacheTTL == 0 {
		cfg.Tracker.CacheTTL = 10 * time.Second
	}
	if cfg.Tracker.MaxPages == 0 {
		cfg.Tracker.MaxPages = 5
	}

	if cfg.Images.SerperURL == "" {
		cfg.Images.SerperURL = "https://google.serper.dev"
	}
	if cfg.Images.DuckDuckGoURL == "" {
		cfg.Images.DuckDuckGoURL = "https://lite.duckduckgo.com"
	}
	if cfg.Images.GeckoTerminalURL == "" {
		cfg.Images.GeckoTerminalURL = "https://api.geckoterminal.com/api/v2"
	}
	if cfg.Images.CoinGeckoURL == "" {
		cfg.Images.CoinGeckoURL = "https://api.coingecko.com/api/v3"
	}
	if cfg.Images.Timeout == 0 {
		cfg.Images.Timeout = 5 * time.Second
	}

	if cfg.Activity.Capacity == 0 {
		cfg.Activity.Capacity = 300
	}
}

// applyEnvFallbacks fills secrets from the variable names the hosted
// deployment already uses when the YAML leaves them empty.
func applyEnvFallbacks(cfg *Config) {
	if cfg.KV.URL == "" {
		cfg.KV.URL = os.Getenv("KV_REST_API_URL")
	}
	if cfg.KV.Token == "" {
		cfg.KV.Token = os.Getenv("KV_REST_API_TOKEN")
	}
	if cfg.Postgres.DSN == "" {
		cfg.Postgres.DSN = os.Getenv("DATABASE_URL")
	}
	if cfg.Images.SerperAPIKey == "" {
		cfg.Images.SerperAPIKey = os.Getenv("SERPER_API_KEY")
	}
}

// DefaultAdminAddress receives launched-token fees when no wallet is given.
const DefaultAdminAddress = "0x9c6111C77CBE545B9703243F895EB593f2721C7a"
