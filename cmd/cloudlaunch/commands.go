package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nexus-trading/cloudlaunch/internal/api"
	"github.com/nexus-trading/cloudlaunch/internal/driver"
	"github.com/nexus-trading/cloudlaunch/internal/imagesearch"
	"github.com/nexus-trading/cloudlaunch/internal/instance"
	"github.com/nexus-trading/cloudlaunch/internal/observability"
	"github.com/nexus-trading/cloudlaunch/internal/tracker"
)

// withApp loads the config, wires the app and runs fn under a context
// cancelled by SIGINT or SIGTERM.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// -----------------------------------------------------------------------
// serve
// -----------------------------------------------------------------------

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the scheduler and the instance loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(serve)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg
	log.Info().Msg("=============================================")
	log.Info().Str("env", cfg.General.Environment).Msg("Cloudlaunch - Starting")
	log.Info().Msg("=============================================")

	g, gctx := errgroup.WithContext(ctx)

	runners := driver.NewRunners(gctx, a.engine)
	svc := a.service(runners)

	health := observability.NewHealthMonitor(30 * time.Second)
	health.Register("kv", observability.PingCheck(a.store, 3*time.Second, true))
	if a.postgres != nil {
		health.Register("postgres", observability.PingCheck(a.postgres, 3*time.Second, false))
	}

	trk := tracker.New(a.market, a.store, cfg.Tracker)
	images := imagesearch.New(a.market, cfg.Images)

	server := api.NewServer(svc,
		api.WithTracker(trk),
		api.WithImages(images),
		api.WithActivity(a.hub),
		api.WithLaunches(a.launches()),
		api.WithHealth(health),
		api.WithMetrics(a.metrics),
	)
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	resumed, err := svc.ResumeAll(gctx)
	if err != nil {
		log.Error().Err(err).Msg("Resume failed")
	}
	log.Info().Ints("instances", resumed).Msg("Instance loops resumed")

	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}
		return nil
	})

	g.Go(func() error {
		health.Start(gctx)
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case alert := <-health.Alerts():
				log.Warn().
					Str("component", alert.Component).
					Str("level", alert.Level).
					Str("message", alert.Message).
					Msg("Health alert")
			}
		}
	})

	if cfg.Scheduler.Enabled {
		g.Go(func() error {
			runScheduler(gctx, a.engine, cfg.Scheduler.Interval)
			return nil
		})
	}

	err = g.Wait()
	health.Stop()
	runners.StopAll()
	log.Info().Msg("Cloudlaunch - Shutdown complete")
	return err
}

// runScheduler stands in for the external once-per-minute scheduler.
func runScheduler(ctx context.Context, engine *driver.Engine, every time.Duration) {
	log.Info().Dur("interval", every).Msg("Scheduler started")
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			results := engine.RunScheduled(ctx)
			for _, r := range results {
				log.Info().
					Int("instance", r.InstanceID).
					Bool("deployed", r.Deployed).
					Int("total", r.TotalLaunched).
					Msg("Scheduled tick")
			}
		}
	}
}

// -----------------------------------------------------------------------
// One-shot commands
// -----------------------------------------------------------------------

func tickCmd() *cobra.Command {
	var id int
	var scheduled bool
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one cycle for an instance, or one scheduled pass with --scheduled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if scheduled {
					return printJSON(a.engine.RunScheduled(ctx))
				}
				if !a.cfg.HasInstance(id) {
					return fmt.Errorf("%w: %d", driver.ErrUnknownInstance, id)
				}
				res, err := a.engine.Tick(ctx, id, driver.TickOptions{})
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().IntVar(&id, "id", 1, "Instance id")
	cmd.Flags().BoolVar(&scheduled, "scheduled", false, "Tick every server_cron instance")
	return cmd
}

func statusCmd() *cobra.Command {
	var id int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print an instance record and its logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				st, err := a.service(nil).Status(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(st)
			})
		},
	}
	cmd.Flags().IntVar(&id, "id", 1, "Instance id")
	return cmd
}

func startCmd() *cobra.Command {
	var (
		id   int
		mode string
		req  instance.StartRequest
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Write a fresh running record (loops run under serve)",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Mode = instance.Mode(mode)
			if !req.Mode.Valid() {
				return fmt.Errorf("invalid mode %q", mode)
			}
			return withApp(func(ctx context.Context, a *app) error {
				cfg, err := a.service(nil).Start(ctx, id, req)
				if err != nil {
					return err
				}
				return printJSON(cfg)
			})
		},
	}
	f := cmd.Flags()
	f.IntVar(&id, "id", 1, "Instance id")
	f.StringVar(&mode, "mode", string(instance.ModeServerCron), "cron|edge|server_cron")
	f.StringVar(&req.Launchpad, "launchpad", "", "Launchpad id")
	f.StringVar(&req.Agent, "agent", "", "Agent id")
	f.StringVar(&req.Chain, "chain", "", "Chain filter (or all)")
	f.StringVar(&req.Wallet, "wallet", "", "Fee wallet")
	f.StringVar(&req.Source, "source", "", "Source network")
	f.StringVar(&req.Platform, "platform", "", "Launchpad platform")
	f.IntVar(&req.DelaySeconds, "delay", 0, "Delay between cycles in seconds")
	f.IntVar(&req.MaxLaunches, "max", 0, "Maximum launches")
	return cmd
}

func stopCmd() *cobra.Command {
	var id int
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Mark an instance stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				return a.service(nil).Stop(ctx, id)
			})
		},
	}
	cmd.Flags().IntVar(&id, "id", 1, "Instance id")
	return cmd
}

func clearCmd() *cobra.Command {
	var id int
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete an instance record and its logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				return a.service(nil).Clear(ctx, id)
			})
		},
	}
	cmd.Flags().IntVar(&id, "id", 1, "Instance id")
	return cmd
}
