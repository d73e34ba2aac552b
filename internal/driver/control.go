package driver

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/cloudlaunch/internal/instance"
	"github.com/nexus-trading/cloudlaunch/internal/kvstore"
)

var (
	// ErrUnknownInstance is returned for ids outside the configured set.
	ErrUnknownInstance = errors.New("driver: unknown instance")
	// ErrNoRecord is returned by record updates when the instance has no record.
	ErrNoRecord = errors.New("driver: no record")
)

// Status is a record plus its operator log in chronological order.
type Status struct {
	Config *instance.Config    `json:"config"`
	Logs   []instance.LogEntry `json:"logs"`
}

// DeployedResult answers an externally reported launch.
type DeployedResult struct {
	OK            bool `json:"ok"`
	TotalLaunched int  `json:"totalLaunched"`
	Stopped       bool `json:"stopped"`
}

// Service is the control surface shared by the HTTP API and the CLI.
type Service struct {
	engine        *Engine
	store         kvstore.Store
	runners       *Runners
	defaultWallet string
}

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithDefaultWallet sets the fee wallet used when a start request has none.
func WithDefaultWallet(addr string) ServiceOption {
	return func(s *Service) { s.defaultWallet = addr }
}

// NewService wires the control surface. runners may be nil when no
// in-process loops should be driven (one-shot CLI commands).
func NewService(engine *Engine, runners *Runners, opts ...ServiceOption) *Service {
	s := &Service{engine: engine, store: engine.store, runners: runners}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Engine exposes the tick engine.
func (s *Service) Engine() *Engine { return s.engine }

// Known reports whether id is a configured instance.
func (s *Service) Known(id int) bool {
	return slices.Contains(s.engine.instances, id)
}

func (s *Service) check(id int) error {
	if !s.Known(id) {
		return fmt.Errorf("%w: %d", ErrUnknownInstance, id)
	}
	return nil
}

// Status returns the record (nil when absent) and its logs oldest first.
func (s *Service) Status(ctx context.Context, id int) (Status, error) {
	if err := s.check(id); err != nil {
		return Status{}, err
	}
	cfg, err := s.store.GetConfig(ctx, id)
	if err != nil {
		return Status{}, err
	}
	logs, err := s.store.Logs(ctx, id)
	if err != nil {
		return Status{}, err
	}
	slices.Reverse(logs)
	if logs == nil {
		logs = []instance.LogEntry{}
	}
	return Status{Config: cfg, Logs: logs}, nil
}

// Start writes a fresh running record, clears the logs and, for cron and
// edge instances, starts the in-process loop.
func (s *Service) Start(ctx context.Context, id int, req instance.StartRequest) (*instance.Config, error) {
	if err := s.check(id); err != nil {
		return nil, err
	}
	if req.Wallet == "" {
		req.Wallet = s.defaultWallet
	}
	cfg := instance.NewConfig(req, s.engine.now())
	if err := s.store.SaveConfig(ctx, id, cfg); err != nil {
		return nil, err
	}
	if err := s.store.ClearLogs(ctx, id); err != nil {
		return nil, err
	}
	s.engine.Log(ctx, id, fmt.Sprintf("Cloud #%d started (%s mode)", id, cfg.Mode), instance.SeveritySuccess)
	log.Info().Int("instance", id).Str("mode", string(cfg.Mode)).Int("max", cfg.MaxLaunches).Msg("driver: instance started")

	s.drive(id, cfg)
	return cfg, nil
}

// Stop marks the record stopped and aborts the local loop. A missing
// record is not an error.
func (s *Service) Stop(ctx context.Context, id int) error {
	if err := s.check(id); err != nil {
		return err
	}
	if s.runners != nil {
		s.runners.Stop(id)
	}
	cfg, err := s.store.GetConfig(ctx, id)
	if err != nil {
		return err
	}
	if cfg == nil {
		return nil
	}
	cfg.Stop(s.engine.now())
	if err := s.store.SaveConfig(ctx, id, cfg); err != nil {
		return err
	}
	s.engine.Log(ctx, id, "Stopped by user", instance.SeverityInfo)
	log.Info().Int("instance", id).Msg("driver: instance stopped")
	return nil
}

// Clear removes the record and the logs.
func (s *Service) Clear(ctx context.Context, id int) error {
	if err := s.check(id); err != nil {
		return err
	}
	if s.runners != nil {
		s.runners.Stop(id)
	}
	if err := s.store.DeleteConfig(ctx, id); err != nil {
		return err
	}
	if err := s.store.ClearLogs(ctx, id); err != nil {
		return err
	}
	log.Info().Int("instance", id).Msg("driver: instance cleared")
	return nil
}

// AppendLog records a log line reported by an external driver.
func (s *Service) AppendLog(ctx context.Context, id int, msg string, sev instance.Severity) error {
	if err := s.check(id); err != nil {
		return err
	}
	s.engine.Log(ctx, id, msg, sev)
	return nil
}

// Deployed records a launch performed by an external driver. sourceIndex,
// when set, replaces the rotation cursor.
func (s *Service) Deployed(ctx context.Context, id int, key string, sourceIndex *int) (DeployedResult, error) {
	if err := s.check(id); err != nil {
		return DeployedResult{}, err
	}
	cfg, err := s.store.GetConfig(ctx, id)
	if err != nil {
		return DeployedResult{}, err
	}
	if cfg == nil {
		return DeployedResult{}, fmt.Errorf("%w: %d", ErrNoRecord, id)
	}
	if sourceIndex != nil {
		cfg.SourceIndex = *sourceIndex
	}
	// A stopped or capped record keeps the key but is not counted again.
	if !cfg.Running || cfg.CapReached() {
		if key != "" && !cfg.HasLaunched(key) {
			cfg.LaunchedKeys = append(cfg.LaunchedKeys, key)
		}
		cfg.StopAtCap(s.engine.now())
		if err := s.store.SaveConfig(ctx, id, cfg); err != nil {
			return DeployedResult{}, err
		}
		return DeployedResult{OK: true, TotalLaunched: cfg.TotalLaunched, Stopped: true}, nil
	}
	if cfg.RecordLaunch(key, s.engine.now()) {
		s.engine.Log(ctx, id, fmt.Sprintf("Max launches reached (%d). Auto-stopped.", cfg.MaxLaunches), instance.SeveritySuccess)
		if s.runners != nil {
			s.runners.Stop(id)
		}
	}
	if err := s.store.SaveConfig(ctx, id, cfg); err != nil {
		return DeployedResult{}, err
	}
	return DeployedResult{OK: true, TotalLaunched: cfg.TotalLaunched, Stopped: !cfg.Running}, nil
}

// UpdateSource sets the rotation cursor after an external cycle without a
// launch. A missing record is not an error.
func (s *Service) UpdateSource(ctx context.Context, id int, sourceIndex int) error {
	if err := s.check(id); err != nil {
		return err
	}
	cfg, err := s.store.GetConfig(ctx, id)
	if err != nil {
		return err
	}
	if cfg == nil {
		return nil
	}
	cfg.SourceIndex = sourceIndex
	cfg.LastRunAt = s.engine.now().UnixMilli()
	return s.store.SaveConfig(ctx, id, cfg)
}

// ResumeAction is what a restarted process should do with a record.
type ResumeAction string

const (
	ResumeIdle ResumeAction = "idle"
	// ResumeLoop restarts the in-process loop.
	ResumeLoop ResumeAction = "resume"
	// ResumePoll leaves the cycles to the scheduler and only watches.
	ResumePoll ResumeAction = "poll"
)

// Resume decides how a process that finds cfg on startup continues.
func Resume(cfg *instance.Config) ResumeAction {
	if cfg == nil || !cfg.Running || cfg.CapReached() {
		return ResumeIdle
	}
	if cfg.Mode == instance.ModeServerCron {
		return ResumePoll
	}
	return ResumeLoop
}

// ResumeAll restarts loops for every running cron or edge record. It
// returns the ids it resumed.
func (s *Service) ResumeAll(ctx context.Context) ([]int, error) {
	var resumed []int
	for _, id := range s.engine.instances {
		cfg, err := s.store.GetConfig(ctx, id)
		if err != nil {
			return resumed, fmt.Errorf("resume instance %d: %w", id, err)
		}
		switch Resume(cfg) {
		case ResumeLoop:
			s.engine.Log(ctx, id, fmt.Sprintf("Auto-resuming %s mode (%d/%d launched)...", cfg.Mode, cfg.TotalLaunched, cfg.MaxLaunches), instance.SeverityInfo)
			s.drive(id, cfg)
			resumed = append(resumed, id)
		case ResumePoll:
			log.Info().Int("instance", id).Int("launched", cfg.TotalLaunched).Msg("driver: instance driven by scheduler")
		}
	}
	return resumed, nil
}

func (s *Service) drive(id int, cfg *instance.Config) {
	if s.runners == nil {
		return
	}
	switch cfg.Mode {
	case instance.ModeCron, instance.ModeEdge:
		s.runners.Start(id)
	default:
		s.runners.Stop(id)
	}
}
