// Package instance holds the persisted run state of one automation instance
// and the small value types that flow through a launch cycle.
package instance

import (
	"strings"
	"time"
)

// Mode selects who drives the cycles of an instance.
type Mode string

const (
	// ModeCron is the in-process interval loop with a fixed 60s delay.
	ModeCron Mode = "cron"
	// ModeEdge is the in-process interval loop with a custom delay.
	ModeEdge Mode = "edge"
	// ModeServerCron is driven by the external once-per-minute scheduler.
	ModeServerCron Mode = "server_cron"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeCron, ModeEdge, ModeServerCron:
		return true
	}
	return false
}

// Severity classifies an operator log entry.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
	SeveritySkip    Severity = "skip"
)

// ParseSeverity maps free-form input to a Severity, defaulting to info.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeveritySuccess, SeverityError, SeveritySkip:
		return Severity(s)
	}
	return SeverityInfo
}

// Phase is the coarse state of an instance derived from its record.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseRunning       Phase = "running"
	PhaseStoppedByCap  Phase = "stopped_by_cap"
	PhaseStoppedByUser Phase = "stopped_by_user"
)

const (
	DefaultLaunchpad    = "kibu"
	DefaultAgent        = "4claw_org"
	DefaultChain        = "bsc"
	DefaultPlatform     = "flap"
	DefaultDelaySeconds = 60
	DefaultMaxLaunches  = 50

	// CronDelaySeconds is the fixed delay of ModeCron.
	CronDelaySeconds = 60
	// MinEdgeDelaySeconds is the floor applied to ModeEdge delays.
	MinEdgeDelaySeconds = 15

	// ChainAll disables the chain filter.
	ChainAll = "all"

	// guardFraction of the configured delay must elapse between cycles.
	guardFraction = 0.8
)

// Config is the persisted record of one instance. JSON names match the
// records already stored by the hosted deployment.
type Config struct {
	Running       bool     `json:"running"`
	Mode          Mode     `json:"mode"`
	Launchpad     string   `json:"launchpad"`
	Agent         string   `json:"agent"`
	Chain         string   `json:"chain"`
	Wallet        string   `json:"wallet"`
	Source        string   `json:"source,omitempty"`
	Platform      string   `json:"kibuPlatform,omitempty"`
	DelaySeconds  int      `json:"delaySeconds"`
	MaxLaunches   int      `json:"maxLaunches"`
	TotalLaunched int      `json:"totalLaunched"`
	StartedAt     int64    `json:"startedAt"`
	StoppedAt     int64    `json:"stoppedAt,omitempty"`
	LastRunAt     int64    `json:"lastRunAt,omitempty"`
	SourceIndex   int      `json:"sourceIndex"`
	LaunchedKeys  []string `json:"launchedSymbols"`
}

// StartRequest carries the user-selected options of a "start" action.
// Zero values fall back to the defaults above.
type StartRequest struct {
	Mode         Mode
	Launchpad    string
	Agent        string
	Chain        string
	Wallet       string
	Source       string
	Platform     string
	DelaySeconds int
	MaxLaunches  int
}

// NewConfig builds a fresh running record for a start action.
func NewConfig(req StartRequest, now time.Time) *Config {
	cfg := &Config{
		Running:      true,
		Mode:         req.Mode,
		Launchpad:    orDefault(req.Launchpad, DefaultLaunchpad),
		Agent:        orDefault(req.Agent, DefaultAgent),
		Chain:        orDefault(req.Chain, DefaultChain),
		Wallet:       req.Wallet,
		Platform:     orDefault(req.Platform, DefaultPlatform),
		DelaySeconds: req.DelaySeconds,
		MaxLaunches:  req.MaxLaunches,
		StartedAt:    now.UnixMilli(),
		LaunchedKeys: []string{},
	}
	if !cfg.Mode.Valid() {
		cfg.Mode = ModeCron
	}
	cfg.Source = orDefault(req.Source, cfg.Chain)
	if cfg.DelaySeconds <= 0 {
		cfg.DelaySeconds = DefaultDelaySeconds
	}
	if cfg.MaxLaunches <= 0 {
		cfg.MaxLaunches = DefaultMaxLaunches
	}
	switch cfg.Mode {
	case ModeCron:
		cfg.DelaySeconds = CronDelaySeconds
	case ModeEdge:
		if cfg.DelaySeconds < MinEdgeDelaySeconds {
			cfg.DelaySeconds = MinEdgeDelaySeconds
		}
	}
	return cfg
}

// Delay returns the configured inter-cycle delay.
func (c *Config) Delay() time.Duration {
	if c.DelaySeconds <= 0 {
		return DefaultDelaySeconds * time.Second
	}
	return time.Duration(c.DelaySeconds) * time.Second
}

// Due reports whether enough time has passed since the last cycle. The
// guard is advisory: two readers of the same record can both pass it.
func (c *Config) Due(now time.Time) bool {
	if c.LastRunAt == 0 {
		return true
	}
	elapsed := now.UnixMilli() - c.LastRunAt
	return float64(elapsed) >= guardFraction*float64(c.Delay().Milliseconds())
}

// CapReached reports whether the launch budget is exhausted.
func (c *Config) CapReached() bool {
	return c.TotalLaunched >= c.MaxLaunches
}

// MatchesChain applies the chain filter to a candidate chain.
func (c *Config) MatchesChain(chain string) bool {
	return c.Chain == ChainAll || c.Chain == chain
}

// HasLaunched reports whether key was already launched by this instance.
func (c *Config) HasLaunched(key string) bool {
	for _, k := range c.LaunchedKeys {
		if k == key {
			return true
		}
	}
	return false
}

// RecordLaunch counts one successful launch of key and stops the instance
// when the cap is reached. It returns true when this call stopped it.
func (c *Config) RecordLaunch(key string, now time.Time) bool {
	c.TotalLaunched++
	c.LastRunAt = now.UnixMilli()
	if key != "" && !c.HasLaunched(key) {
		c.LaunchedKeys = append(c.LaunchedKeys, key)
	}
	return c.StopAtCap(now)
}

// StopAtCap flips Running off when the cap is reached. It returns true only
// on the transition, so callers log the auto-stop exactly once.
func (c *Config) StopAtCap(now time.Time) bool {
	if !c.Running || !c.CapReached() {
		return false
	}
	c.Stop(now)
	return true
}

// Stop marks the instance as not running.
func (c *Config) Stop(now time.Time) {
	c.Running = false
	c.StoppedAt = now.UnixMilli()
}

// Phase derives the coarse state from the record.
func (c *Config) Phase() Phase {
	switch {
	case c == nil:
		return PhaseIdle
	case c.Running:
		return PhaseRunning
	case c.CapReached():
		return PhaseStoppedByCap
	case c.StoppedAt != 0:
		return PhaseStoppedByUser
	}
	return PhaseIdle
}

// LogEntry is one line of the per-instance operator log.
type LogEntry struct {
	Time string   `json:"time"`
	Msg  string   `json:"msg"`
	Type Severity `json:"type"`
}

// NewLogEntry stamps msg with a 24h wall-clock time.
func NewLogEntry(now time.Time, msg string, sev Severity) LogEntry {
	if sev == "" {
		sev = SeverityInfo
	}
	return LogEntry{Time: now.Format("15:04:05"), Msg: msg, Type: sev}
}

// Candidate is a token picked from a market-data source. It is never
// persisted beyond its dedup key.
type Candidate struct {
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
	Image   string `json:"image"`
	Website string `json:"website,omitempty"`
	Chain   string `json:"chain"`
}

// Key returns the dedup key of the candidate.
func (c Candidate) Key() string {
	return DedupKey(c.Symbol, c.Name)
}

// DedupKey is the case-folded symbol_name pair used to avoid relaunches.
func DedupKey(symbol, name string) string {
	return strings.ToLower(symbol + "_" + name)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
