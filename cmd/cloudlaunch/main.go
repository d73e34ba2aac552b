package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nexus-trading/cloudlaunch/internal/activity"
	"github.com/nexus-trading/cloudlaunch/internal/agent"
	"github.com/nexus-trading/cloudlaunch/internal/config"
	"github.com/nexus-trading/cloudlaunch/internal/driver"
	"github.com/nexus-trading/cloudlaunch/internal/fetch"
	"github.com/nexus-trading/cloudlaunch/internal/kvstore"
	"github.com/nexus-trading/cloudlaunch/internal/ledger"
	"github.com/nexus-trading/cloudlaunch/internal/observability"
	"github.com/nexus-trading/cloudlaunch/internal/sources"
)

const serviceName = "cloudlaunch"

var (
	configPath string
	memoryKV   bool
)

var rootCmd = &cobra.Command{
	Use:           serviceName,
	Short:         "Cloud token-launch automation service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/cloudlaunch.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&memoryKV, "memory", false, "Use an in-process KV store instead of Redis")

	rootCmd.AddCommand(serveCmd(), tickCmd(), statusCmd(), startCmd(), stopCmd(), clearCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Str("service", serviceName).
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stderr).
			With().Timestamp().Str("service", serviceName).
			Str("instance", general.InstanceID).Logger()
	}
}

// loadConfig reads, validates and applies the logging section.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config from %s: %w", configPath, err)
	}
	setupLogging(cfg.General)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// app is the wired component graph shared by every command.
type app struct {
	cfg      *config.Config
	store    kvstore.Store
	metrics  *observability.Metrics
	hub      *activity.Hub
	trail    *ledger.Trail
	postgres *ledger.PostgresSink
	market   *fetch.Client
	engine   *driver.Engine
}

// newApp connects the stores and builds the engine. Postgres is optional;
// a failed connection keeps the ledger in memory.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{
		cfg:     cfg,
		metrics: observability.NewMetrics(),
		hub:     activity.NewHub(cfg.Activity.Capacity),
	}

	if memoryKV || cfg.KV.URL == "" {
		log.Warn().Msg("KV store: in-memory (state is lost on exit)")
		a.store = kvstore.NewMemoryStore()
	} else {
		rs, err := kvstore.OpenRedis(cfg.KV.URL, cfg.KV.Token, cfg.KV.DB)
		if err != nil {
			return nil, fmt.Errorf("open kv store: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rs.Ping(pingCtx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("KV store ping failed (continuing, reads will come back empty)")
		} else {
			log.Info().Msg("KV store: connected")
		}
		a.store = rs
	}

	var sink ledger.Sink
	if cfg.Postgres.DSN != "" {
		pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pg, err := ledger.OpenPostgres(pgCtx, cfg.Postgres.DSN)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("Postgres unavailable, launch ledger stays in memory")
		} else {
			a.postgres = pg
			sink = pg
			log.Info().Msg("Postgres launch ledger: connected")
		}
	}
	a.trail = ledger.NewTrail(sink, 500)

	a.market = fetch.New(cfg.Sources.Timeout, fetch.WithRateLimit(cfg.Sources.RateLimitRPS, 2))
	agentClient := fetch.New(cfg.Agents.Timeout)

	fetcher := sources.NewFetcher(a.market, cfg.Sources, sources.WithObserver(a.metrics.ObserveFetch))
	pipeline := agent.NewPipeline(agentClient, cfg.Agents,
		agent.WithObserver(a.metrics.ObserveAgentCall),
		agent.WithSkipFeed(cfg.Launch.SkipFeed))

	a.engine = driver.NewEngine(a.store, fetcher, pipeline, cfg.Launch.Instances,
		driver.WithFeed(a.hub),
		driver.WithLedger(a.trail),
		driver.WithMetrics(a.metrics))

	log.Info().
		Ints("instances", cfg.Launch.Instances).
		Int("sources", fetcher.Len()).
		Str("default_agent", cfg.Agents.Default).
		Bool("scheduler", cfg.Scheduler.Enabled).
		Msg("Components initialized")
	return a, nil
}

// service builds the control surface. runners may be nil.
func (a *app) service(runners *driver.Runners) *driver.Service {
	return driver.NewService(a.engine, runners, driver.WithDefaultWallet(a.cfg.Launch.DefaultWallet))
}

// launches serves recent launches from Postgres when connected.
func (a *app) launches() ledger.Reader {
	if a.postgres != nil {
		return a.postgres
	}
	return ledger.BufferReader{Trail: a.trail}
}

func (a *app) Close() {
	if a.postgres != nil {
		a.postgres.Close()
	}
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("KV store close failed")
	}
}
