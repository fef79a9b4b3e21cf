// Package scheduler drives the swap pipeline on wall-clock time. One ticker
// selects due plans, fans them out in bounded parallel batches, and isolates
// per-plan failures so a bad plan never stalls the rest of the fleet.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"golang.org/x/sync/errgroup"

	"github.com/emberfi/dca-engine/core"
	"github.com/emberfi/dca-engine/pipeline"
	"github.com/emberfi/dca-engine/store"
)

const (
	DefaultInterval      = 60 * time.Second
	DefaultMaxConcurrent = 50
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 2 * time.Second

	// batchCooldown separates consecutive batches within one tick.
	batchCooldown = time.Second
)

// ErrNoSigner means the scheduler was asked to start without a configured
// executor key.
var ErrNoSigner = errors.New("scheduler requires a signing key")

// Runner executes one plan iteration; implemented by pipeline.Pipeline.
type Runner interface {
	Execute(ctx context.Context, req pipeline.Request) (*core.Execution, error)
}

// Config tunes the driver loop.
type Config struct {
	Interval      time.Duration
	MaxConcurrent int
	RetryAttempts int
	RetryDelay    time.Duration
	HasSigner     bool
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Interval <= 0 {
		out.Interval = DefaultInterval
	}
	if out.MaxConcurrent <= 0 {
		out.MaxConcurrent = DefaultMaxConcurrent
	}
	if out.RetryAttempts <= 0 {
		out.RetryAttempts = DefaultRetryAttempts
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = DefaultRetryDelay
	}
	return out
}

// Status is the externally visible metrics snapshot.
type Status struct {
	IsRunning               bool      `json:"isRunning"`
	TotalExecutions         int64     `json:"totalExecutions"`
	SuccessfulExecutions    int64     `json:"successfulExecutions"`
	FailedExecutions        int64     `json:"failedExecutions"`
	LastExecutionTime       time.Time `json:"lastExecutionTime"`
	AverageExecutionTimeMs  int64     `json:"averageExecutionTimeMs"`
	ActivePlansCount        int       `json:"activePlansCount"`
	IntervalSeconds         int       `json:"intervalSeconds"`
	MaxConcurrentExecutions int       `json:"maxConcurrentExecutions"`
}

// Scheduler owns the ticker and the concurrency budget.
type Scheduler struct {
	cfg    Config
	store  store.PlanStore
	runner Runner
	logger log.Logger

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	total       int64
	succeeded   int64
	failed      int64
	lastRun     time.Time
	avgDuration time.Duration
	activePlans int

	executionsMeter *metrics.Counter
	failuresMeter   *metrics.Counter
	tickTimer       *metrics.Timer
}

func New(cfg Config, st store.PlanStore, runner Runner) *Scheduler {
	return &Scheduler{
		cfg:             cfg.withDefaults(),
		store:           st,
		runner:          runner,
		logger:          log.New("module", "scheduler"),
		executionsMeter: metrics.GetOrRegisterCounter("dca/executions/total", nil),
		failuresMeter:   metrics.GetOrRegisterCounter("dca/executions/failed", nil),
		tickTimer:       metrics.GetOrRegisterTimer("dca/scheduler/tick", nil),
	}
}

// Start begins ticking. The first tick runs immediately; subsequent ticks
// fire every Interval until Stop. Starting without a signer is refused.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.HasSigner {
		return ErrNoSigner
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("Scheduler started", "interval", s.cfg.Interval, "maxConcurrent", s.cfg.MaxConcurrent)
	go s.loop(runCtx)
	return nil
}

// Stop halts the ticker. The in-flight tick, if any, runs to completion.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("Scheduler stopped")
}

// Status reports the current metrics snapshot.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		IsRunning:               s.running,
		TotalExecutions:         s.total,
		SuccessfulExecutions:    s.succeeded,
		FailedExecutions:        s.failed,
		LastExecutionTime:       s.lastRun,
		AverageExecutionTimeMs:  s.avgDuration.Milliseconds(),
		ActivePlansCount:        s.activePlans,
		IntervalSeconds:         int(s.cfg.Interval / time.Second),
		MaxConcurrentExecutions: s.cfg.MaxConcurrent,
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	s.Tick(ctx)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one selection-and-execution pass. A failure in the pass itself
// is logged and swallowed so the ticker keeps going.
func (s *Scheduler) Tick(ctx context.Context) {
	started := time.Now()
	defer s.tickTimer.UpdateSince(started)

	// Lease past the retry-inflated worst case so a sibling scheduler does
	// not pick the same rows mid-tick. runPlan releases the lease early on
	// every path that does not advance the plan, keeping a failed plan
	// selectable on the very next tick.
	lease := s.cfg.Interval + time.Duration(s.cfg.RetryAttempts)*s.cfg.RetryDelay
	due, err := s.store.DuePlans(ctx, time.Now().UTC(), lease)
	if err != nil {
		s.logger.Error("Due plan selection failed", "err", err)
		return
	}
	if len(due) > 0 {
		s.logger.Info("Tick selected due plans", "count", len(due))
	}

	for start := 0; start < len(due); start += s.cfg.MaxConcurrent {
		end := start + s.cfg.MaxConcurrent
		if end > len(due) {
			end = len(due)
		}
		s.runBatch(ctx, due[start:end])
		if end < len(due) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(batchCooldown):
			}
		}
	}

	if active, err := s.store.CountActivePlans(ctx); err == nil {
		s.mu.Lock()
		s.activePlans = active
		s.mu.Unlock()
	}
}

func (s *Scheduler) runBatch(ctx context.Context, batch []*core.Plan) {
	var g errgroup.Group
	for _, plan := range batch {
		plan := plan
		g.Go(func() error {
			s.runPlan(ctx, plan)
			return nil
		})
	}
	g.Wait()
}

// runPlan executes one plan with the per-plan retry budget. Any panic or
// error stays inside this plan's scope.
func (s *Scheduler) runPlan(ctx context.Context, plan *core.Plan) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Plan execution panicked", "plan", plan.ID, "panic", r)
			s.recordOutcome(time.Duration(0), false)
			s.releaseLease(ctx, plan.ID)
		}
	}()

	// Re-read to catch a pause or cancel between selection and execution.
	current, err := s.store.Plan(ctx, plan.ID)
	if err != nil {
		s.logger.Error("Plan re-read failed", "plan", plan.ID, "err", err)
		s.releaseLease(ctx, plan.ID)
		return
	}
	if current.Status != core.PlanActive {
		s.logger.Info("Skipping plan, no longer active", "plan", plan.ID, "status", current.Status)
		s.releaseLease(ctx, plan.ID)
		return
	}
	if last, err := s.store.LatestExecution(ctx, plan.ID); err == nil && last.Status == core.ExecutionFailed {
		s.logger.Info("Plan is retrying after a failed attempt", "plan", plan.ID,
			"lastAttempt", last.ExecutedAt, "lastErr", last.ErrorMessage)
	}

	req := pipeline.Request{
		PlanID:          current.ID,
		FromToken:       current.FromToken,
		ToToken:         current.ToToken,
		Amount:          current.Amount,
		UserAddress:     current.UserAddress,
		SlippagePercent: current.SlippagePercent,
	}

	started := time.Now()
	var lastErr error
	for attempt := 1; attempt <= s.cfg.RetryAttempts; attempt++ {
		if _, lastErr = s.runner.Execute(ctx, req); lastErr == nil {
			s.recordOutcome(time.Since(started), true)
			return
		}
		s.logger.Warn("Plan execution attempt failed", "plan", plan.ID, "attempt", attempt, "err", lastErr)
		if attempt < s.cfg.RetryAttempts {
			select {
			case <-ctx.Done():
				s.recordOutcome(time.Since(started), false)
				s.releaseLease(ctx, plan.ID)
				return
			case <-time.After(s.cfg.RetryDelay):
			}
		}
	}
	s.logger.Error("Plan execution failed", "plan", plan.ID, "attempts", s.cfg.RetryAttempts, "err", lastErr)
	s.recordOutcome(time.Since(started), false)
	// The plan was not advanced; drop the lease so the next tick retries it
	// instead of waiting out the selection window.
	s.releaseLease(ctx, plan.ID)
}

func (s *Scheduler) releaseLease(ctx context.Context, planID string) {
	if err := s.store.ReleaseLease(ctx, planID); err != nil {
		s.logger.Warn("Lease release failed", "plan", planID, "err", err)
	}
}

func (s *Scheduler) recordOutcome(took time.Duration, ok bool) {
	s.executionsMeter.Inc(1)
	if !ok {
		s.failuresMeter.Inc(1)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	if ok {
		s.succeeded++
	} else {
		s.failed++
	}
	s.lastRun = time.Now().UTC()
	// Running average over all executions so far.
	s.avgDuration += (took - s.avgDuration) / time.Duration(s.total)
}
