package driver

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/cloudlaunch/internal/instance"
)

// WaitFunc sleeps for d or until ctx is done. It returns false when ctx
// ended first.
type WaitFunc func(ctx context.Context, d time.Duration) bool

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type runner struct {
	cancel  context.CancelFunc
	aborted atomic.Bool
	done    chan struct{}
}

// Runners keeps one in-process interval loop per cron or edge instance.
type Runners struct {
	engine *Engine
	wait   WaitFunc

	mu      sync.Mutex
	loops   map[int]*runner
	wg      sync.WaitGroup
	baseCtx context.Context
}

// RunnersOption customises Runners.
type RunnersOption func(*Runners)

// WithWait replaces the inter-cycle sleep.
func WithWait(w WaitFunc) RunnersOption { return func(r *Runners) { r.wait = w } }

// NewRunners creates a runner set bound to ctx; cancelling ctx ends all
// loops.
func NewRunners(ctx context.Context, engine *Engine, opts ...RunnersOption) *Runners {
	r := &Runners{
		engine:  engine,
		wait:    sleep,
		loops:   make(map[int]*runner),
		baseCtx: ctx,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start launches the loop for id, replacing any loop already running for it.
func (r *Runners) Start(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.loops[id]; ok {
		old.aborted.Store(true)
		old.cancel()
	}

	ctx, cancel := context.WithCancel(r.baseCtx)
	lp := &runner{cancel: cancel, done: make(chan struct{})}
	r.loops[id] = lp

	r.wg.Add(1)
	r.engine.metrics.RunnerStarted()
	go func() {
		defer r.wg.Done()
		defer r.engine.metrics.RunnerStopped()
		defer close(lp.done)
		defer r.forget(id, lp)
		r.loop(ctx, id, lp)
	}()
}

// Stop aborts the loop for id. An in-flight launch attempt is cancelled
// through its context; no further candidates are tried.
func (r *Runners) Stop(id int) {
	r.mu.Lock()
	lp, ok := r.loops[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	lp.aborted.Store(true)
	lp.cancel()
}

// Running reports whether a loop is live for id.
func (r *Runners) Running(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.loops[id]
	return ok
}

// StopAll aborts every loop and waits for them to exit.
func (r *Runners) StopAll() {
	r.mu.Lock()
	for _, lp := range r.loops {
		lp.aborted.Store(true)
		lp.cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Wait blocks until every loop has exited.
func (r *Runners) Wait() {
	r.wg.Wait()
}

func (r *Runners) forget(id int, lp *runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loops[id] == lp {
		delete(r.loops, id)
	}
}

func (r *Runners) loop(ctx context.Context, id int, lp *runner) {
	log.Info().Int("instance", id).Msg("driver: runner started")
	defer log.Info().Int("instance", id).Msg("driver: runner exited")

	opts := TickOptions{
		Modes: []instance.Mode{instance.ModeCron, instance.ModeEdge},
		Abort: lp.aborted.Load,
	}
	for {
		if lp.aborted.Load() || ctx.Err() != nil {
			return
		}
		res, err := r.engine.Tick(ctx, id, opts)
		if err != nil {
			log.Error().Err(err).Int("instance", id).Msg("driver: tick failed")
			if !r.wait(ctx, time.Duration(instance.CronDelaySeconds)*time.Second) {
				return
			}
			continue
		}

		switch res.Outcome {
		case OutcomeNotFound, OutcomeNotRunning, OutcomeModeMismatch, OutcomeCapReached:
			return
		}
		if res.Stopped || lp.aborted.Load() {
			return
		}
		if res.Outcome == OutcomeExecuted {
			r.engine.Log(ctx, id, fmt.Sprintf("Waiting %ds before next cycle...", int(res.Wait/time.Second)), instance.SeverityInfo)
		}
		if !r.wait(ctx, res.Wait) {
			return
		}
	}
}
