// Package driver runs launch cycles: the single-tick state machine, the
// scheduled tick over server-driven instances, in-process interval runners
// and the start/stop/clear controls.
package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/cloudlaunch/internal/agent"
	"github.com/nexus-trading/cloudlaunch/internal/instance"
	"github.com/nexus-trading/cloudlaunch/internal/kvstore"
	"github.com/nexus-trading/cloudlaunch/internal/ledger"
	"github.com/nexus-trading/cloudlaunch/internal/observability"
	"github.com/nexus-trading/cloudlaunch/internal/sources"
)

// Outcome names what a tick did.
type Outcome string

const (
	OutcomeExecuted     Outcome = "executed"
	OutcomeNotFound     Outcome = "not_found"
	OutcomeNotRunning   Outcome = "not_running"
	OutcomeModeMismatch Outcome = "mode_mismatch"
	OutcomeCapReached   Outcome = "cap_reached"
	OutcomeNotDue       Outcome = "not_due"
)

// ScheduledPrefix marks operator log lines written by the scheduled tick.
const ScheduledPrefix = "[Cron] "

// Fetcher yields one candidate batch per call.
type Fetcher interface {
	Fetch(ctx context.Context, cursor int) sources.Batch
}

// Feed receives every operator log line.
type Feed interface {
	Publish(msg string, sev instance.Severity)
}

// Recorder keeps the launch history.
type Recorder interface {
	Record(ctx context.Context, e ledger.Entry) ledger.Entry
}

// TickResult summarises one tick.
type TickResult struct {
	InstanceID    int     `json:"instanceId"`
	Outcome       Outcome `json:"outcome"`
	Deployed      bool    `json:"deployed"`
	TotalLaunched int     `json:"totalLaunched"`
	Stopped       bool    `json:"stopped"`
	Symbol        string  `json:"symbol,omitempty"`
	// Wait is how long the caller should sleep before the next tick.
	Wait time.Duration `json:"-"`
}

// TickOptions tune a tick for its caller.
type TickOptions struct {
	// Modes restricts the tick to records in one of these modes.
	Modes []instance.Mode
	// Prefix is prepended to every operator log line.
	Prefix string
	// Abort is polled between candidates; true ends the tick early.
	Abort func() bool
}

// Engine executes ticks against the store.
type Engine struct {
	store     kvstore.Store
	fetcher   Fetcher
	launcher  agent.Launcher
	feed      Feed
	ledger    Recorder
	metrics   *observability.Metrics
	instances []int
	now       func() time.Time
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithFeed mirrors operator logs to the activity feed.
func WithFeed(f Feed) EngineOption {
	return func(e *Engine) { e.feed = f }
}

// WithLedger records successful launches.
func WithLedger(r Recorder) EngineOption {
	return func(e *Engine) { e.ledger = r }
}

func WithMetrics(m *observability.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine wires an engine for the given instance ids.
func NewEngine(store kvstore.Store, fetcher Fetcher, launcher agent.Launcher, instances []int, opts ...EngineOption) *Engine {
	e := &Engine{
		store:     store,
		fetcher:   fetcher,
		launcher:  launcher,
		instances: append([]int(nil), instances...),
		now:       time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Instances returns the configured instance ids.
func (e *Engine) Instances() []int {
	return append([]int(nil), e.instances...)
}

// Log appends an operator log line to the instance list and the feed.
// Store failures are logged and swallowed.
func (e *Engine) Log(ctx context.Context, id int, msg string, sev instance.Severity) {
	entry := instance.NewLogEntry(e.now(), msg, sev)
	if err := e.store.AppendLog(ctx, id, entry); err != nil {
		log.Error().Err(err).Int("instance", id).Msg("driver: append log failed")
	}
	if e.feed != nil {
		e.feed.Publish(fmt.Sprintf("[Cloud #%d] %s", id, msg), entry.Type)
		e.metrics.ObserveActivity()
	}
	log.Debug().Int("instance", id).Str("type", string(entry.Type)).Msg("driver: " + msg)
}

// Tick runs one cycle for instance id. At most one launch succeeds per tick.
func (e *Engine) Tick(ctx context.Context, id int, opts TickOptions) (TickResult, error) {
	start := e.now()
	res := TickResult{InstanceID: id}

	cfg, err := e.store.GetConfig(ctx, id)
	if err != nil {
		return res, fmt.Errorf("load instance %d: %w", id, err)
	}
	switch {
	case cfg == nil:
		res.Outcome = OutcomeNotFound
	case !cfg.Running:
		res.Outcome = OutcomeNotRunning
	case len(opts.Modes) > 0 && !hasMode(opts.Modes, cfg.Mode):
		res.Outcome = OutcomeModeMismatch
	}
	if res.Outcome != "" {
		e.metrics.ObserveTick(string(res.Outcome), 0)
		if cfg != nil {
			res.TotalLaunched = cfg.TotalLaunched
		}
		return res, nil
	}
	res.TotalLaunched = cfg.TotalLaunched

	if cfg.StopAtCap(start) {
		res.Outcome = OutcomeCapReached
		res.Stopped = true
		if err := e.persist(ctx, id, cfg); err != nil {
			return res, err
		}
		e.Log(ctx, id, fmt.Sprintf("%sMax launches reached (%d). Auto-stopped.", opts.Prefix, cfg.MaxLaunches), instance.SeveritySuccess)
		e.metrics.ObserveTick(string(res.Outcome), 0)
		return res, nil
	}

	if !cfg.Due(start) {
		res.Outcome = OutcomeNotDue
		res.Wait = time.Duration(cfg.LastRunAt+cfg.Delay().Milliseconds()*8/10-start.UnixMilli()) * time.Millisecond
		if res.Wait < time.Second {
			res.Wait = time.Second
		}
		e.metrics.ObserveTick(string(res.Outcome), 0)
		return res, nil
	}

	res.Outcome = OutcomeExecuted
	res.Wait = cfg.Delay()
	e.execute(ctx, id, cfg, opts, &res)

	// The cursor has moved and a post may be live: the write-back must
	// outlive a caller that gives up mid-tick.
	if err := e.persist(context.WithoutCancel(ctx), id, cfg); err != nil {
		return res, err
	}
	res.TotalLaunched = cfg.TotalLaunched
	res.Stopped = !cfg.Running
	e.metrics.ObserveTick(string(res.Outcome), e.now().Sub(start))
	return res, nil
}

// execute is steps fetch through launch; it mutates cfg in place.
func (e *Engine) execute(ctx context.Context, id int, cfg *instance.Config, opts TickOptions, res *TickResult) {
	e.Log(ctx, id, fmt.Sprintf("%sFetching tokens (src #%d)...", opts.Prefix, cfg.SourceIndex), instance.SeverityInfo)

	batch := e.fetcher.Fetch(ctx, cfg.SourceIndex)
	cfg.SourceIndex = batch.Next
	cfg.LastRunAt = e.now().UnixMilli()

	e.Log(ctx, id, fmt.Sprintf("%sSource: %s | Found %d tokens", opts.Prefix, batch.Label, len(batch.Tokens)), instance.SeverityInfo)

	attempted := make(map[string]bool)
	aborted := false
	for _, c := range batch.Tokens {
		if opts.Abort != nil && opts.Abort() {
			aborted = true
			break
		}
		if ctx.Err() != nil {
			aborted = true
			break
		}
		if !cfg.MatchesChain(c.Chain) {
			continue
		}
		key := c.Key()
		if cfg.HasLaunched(key) || attempted[key] {
			continue
		}
		attempted[key] = true

		out := e.launcher.Launch(ctx, cfg, c)
		e.metrics.ObserveLaunch(out.OK)
		if !out.OK {
			e.Log(ctx, id, fmt.Sprintf("%sSkip %s: %s", opts.Prefix, c.Symbol, out.Reason), instance.SeveritySkip)
			continue
		}

		ctx = context.WithoutCancel(ctx)
		now := e.now()
		capped := cfg.RecordLaunch(key, now)
		res.Deployed = true
		res.Symbol = c.Symbol
		e.Log(ctx, id, fmt.Sprintf("%sDeployed $%s! %s", opts.Prefix, c.Symbol, out.Message(c.Symbol)), instance.SeveritySuccess)
		if e.ledger != nil {
			e.ledger.Record(ctx, ledger.Entry{
				InstanceID: id,
				TokenKey:   key,
				Symbol:     c.Symbol,
				Name:       c.Name,
				Chain:      c.Chain,
				Launchpad:  cfg.Launchpad,
				Agent:      cfg.Agent,
				PostID:     out.PostID,
				Source:     batch.Label,
				LaunchedAt: now.UTC(),
			})
		}
		if capped {
			e.Log(ctx, id, fmt.Sprintf("%sMax launches reached (%d). Auto-stopped.", opts.Prefix, cfg.MaxLaunches), instance.SeveritySuccess)
		}
		break
	}

	if !res.Deployed && !aborted {
		e.Log(ctx, id, opts.Prefix+"No deployable tokens this cycle, rotating source", instance.SeveritySkip)
	}
}

// persist writes cfg back. The record is re-read first so that a stop or
// clear issued while the tick ran is not undone; there is still no
// compare-and-swap, so two concurrent ticks can both write.
func (e *Engine) persist(ctx context.Context, id int, cfg *instance.Config) error {
	fresh, err := e.store.GetConfig(ctx, id)
	if err != nil {
		return fmt.Errorf("reload instance %d: %w", id, err)
	}
	switch {
	case fresh == nil:
		log.Info().Int("instance", id).Msg("driver: record cleared during tick, dropping update")
		return nil
	case fresh.StartedAt != cfg.StartedAt:
		log.Info().Int("instance", id).Msg("driver: instance restarted during tick, dropping update")
		return nil
	case !fresh.Running && cfg.Running:
		cfg.Running = false
		cfg.StoppedAt = fresh.StoppedAt
	}
	if err := e.store.SaveConfig(ctx, id, cfg); err != nil {
		return fmt.Errorf("save instance %d: %w", id, err)
	}
	return nil
}

// RunScheduled performs one tick for every configured server-driven
// instance and returns the results of the ticks that executed. Safe to call
// redundantly: the elapsed-time guard turns extra calls into no-ops.
func (e *Engine) RunScheduled(ctx context.Context) []TickResult {
	results := []TickResult{}
	for _, id := range e.instances {
		res, err := e.Tick(ctx, id, TickOptions{
			Modes:  []instance.Mode{instance.ModeServerCron},
			Prefix: ScheduledPrefix,
		})
		if err != nil {
			log.Error().Err(err).Int("instance", id).Msg("driver: scheduled tick failed")
			continue
		}
		if res.Outcome == OutcomeExecuted {
			results = append(results, res)
		}
	}
	return results
}

func hasMode(modes []instance.Mode, m instance.Mode) bool {
	for _, v := range modes {
		if v == m {
			return true
		}
	}
	return false
}
