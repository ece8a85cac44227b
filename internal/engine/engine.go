// Package engine executes runs: a per-run sequential pipeline over the
// runbook's declared steps, with budget, policy, approval, and brain
// gates ahead of every adapter call. Runs execute concurrently across
// tenants, bounded by a worker pool; steps within a run never do.
package engine

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/praetor/internal/adapters"
	"github.com/marcus-qen/praetor/internal/brain"
	"github.com/marcus-qen/praetor/internal/controlplane/approval"
	"github.com/marcus-qen/praetor/internal/controlplane/audit"
	"github.com/marcus-qen/praetor/internal/controlplane/events"
	"github.com/marcus-qen/praetor/internal/controlplane/flags"
	"github.com/marcus-qen/praetor/internal/controlplane/policy"
	"github.com/marcus-qen/praetor/internal/controlplane/runbook"
	"github.com/marcus-qen/praetor/internal/controlplane/runs"
)

const (
	defaultWorkers      = 8
	defaultApprovalWait = time.Hour
	defaultCallTimeout  = 30 * time.Second
)

// Core bundles every collaborator the engine needs. Audit and Flags may
// be nil; everything else is required.
type Core struct {
	Runs      *runs.Store
	Runbooks  *runbook.Store
	Policies  *policy.Store
	Evaluator *policy.Evaluator
	Approvals *approval.Service
	Brain     *brain.Brain
	Adapters  *adapters.Registry
	Flags     *flags.Store
	Bus       *events.Bus
	Audit     *audit.Store
	Logger    *zap.Logger

	Workers      int
	ApprovalWait time.Duration
	CallTimeout  time.Duration
}

// retryPolicy is the exponential backoff applied to retryable adapter
// errors.
type retryPolicy struct {
	initial     time.Duration
	factor      float64
	maxAttempts int
	maxInterval time.Duration
}

var defaultRetry = retryPolicy{
	initial:     time.Second,
	factor:      2,
	maxAttempts: 4,
	maxInterval: 30 * time.Second,
}

// control carries the between-step signals for one active run.
type control struct {
	mu        sync.Mutex
	cancelled bool
	paused    bool
}

func (c *control) flags() (cancelled, paused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled, c.paused
}

// Engine owns the worker pool and per-run controls.
type Engine struct {
	core   Core
	logger *zap.Logger
	retry  retryPolicy
	sem    chan struct{}
	wg     sync.WaitGroup

	// sleep is swapped in tests to skip real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	controls map[string]*control
}

// New wires an engine around its collaborators.
func New(core Core) *Engine {
	if core.Logger == nil {
		core.Logger = zap.NewNop()
	}
	if core.Workers <= 0 {
		core.Workers = defaultWorkers
	}
	if core.ApprovalWait <= 0 {
		core.ApprovalWait = defaultApprovalWait
	}
	if core.CallTimeout <= 0 {
		core.CallTimeout = defaultCallTimeout
	}
	return &Engine{
		core:     core,
		logger:   core.Logger.Named("engine"),
		retry:    defaultRetry,
		sem:      make(chan struct{}, core.Workers),
		sleep:    sleepCtx,
		controls: map[string]*control{},
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start schedules a run on the worker pool. The header carries the
// caller's adapter-mode opt-in and is held for the life of the run.
func (e *Engine) Start(runID string, header http.Header) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sem <- struct{}{}
		defer func() { <-e.sem }()
		if err := e.Execute(context.Background(), runID, header); err != nil {
			e.logger.Error("run execution failed", zap.String("run_id", runID), zap.Error(err))
		}
	}()
}

// Drain blocks until every scheduled run has finished. Shutdown path.
func (e *Engine) Drain() { e.wg.Wait() }

func (e *Engine) controlFor(runID string) *control {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.controls[runID]
	if !ok {
		c = &control{}
		e.controls[runID] = c
	}
	return c
}

func (e *Engine) dropControl(runID string) {
	e.mu.Lock()
	delete(e.controls, runID)
	e.mu.Unlock()
}

// Cancel stops a run between steps and sweeps every non-terminal step
// to skipped. An in-flight adapter call is not interrupted; its result
// is discarded when recording hits the terminal-state guard.
func (e *Engine) Cancel(runID string) error {
	c := e.controlFor(runID)
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()

	run, err := e.core.Runs.GetRunAnyTenant(runID)
	if err != nil {
		return err
	}
	if runs.RunTerminal(run.Status) {
		return runs.ErrTerminal
	}
	e.sweepCancelled(runID)
	e.emitAudit(run.TenantID, "run.cancel", runID, nil)
	return nil
}

// Pause asks the run to stop after the current step. Best effort: the
// in-progress step completes normally.
func (e *Engine) Pause(runID string) error {
	run, err := e.core.Runs.GetRunAnyTenant(runID)
	if err != nil {
		return err
	}
	if runs.RunTerminal(run.Status) {
		return runs.ErrTerminal
	}
	c := e.controlFor(runID)
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	e.emitAudit(run.TenantID, "run.pause", runID, nil)
	return nil
}

// Resume clears a pause and reschedules the run. Terminal steps are
// left as-is; the pipeline picks up at the first unfinished step.
func (e *Engine) Resume(runID string, header http.Header) error {
	run, err := e.core.Runs.GetRunAnyTenant(runID)
	if err != nil {
		return err
	}
	if runs.RunTerminal(run.Status) {
		return runs.ErrTerminal
	}
	c := e.controlFor(runID)
	c.mu.Lock()
	c.paused = false
	c.cancelled = false
	c.mu.Unlock()
	e.Start(runID, header)
	return nil
}

// sweepCancelled marks every non-terminal step skipped and fails the
// run.
func (e *Engine) sweepCancelled(runID string) {
	steps, err := e.core.Runs.ListSteps(runID)
	if err != nil {
		e.logger.Warn("cancel sweep: list steps", zap.String("run_id", runID), zap.Error(err))
		return
	}
	for _, step := range steps {
		if runs.Terminal(step.Status) {
			continue
		}
		upd := runs.StepUpdate{
			Status: runs.StepSkipped,
			Error:  map[string]any{"msg": "run cancelled"},
			Ended:  true,
		}
		if err := e.core.Runs.UpdateStep(step.ID, upd); err != nil {
			continue
		}
		e.publishStep(runID, step.Name, step.Tool, runs.StepSkipped, upd.Error)
	}
	if err := e.core.Runs.SetRunStatus(runID, runs.RunFailed); err == nil {
		e.core.Bus.Publish(events.Event{Type: events.TypeDone, RunID: runID,
			Payload: map[string]any{"status": runs.RunFailed}})
	}
}

func (e *Engine) publishStep(runID, name, tool, status string, stepErr map[string]any) {
	payload := map[string]any{"name": name, "tool": tool, "status": status}
	if stepErr != nil {
		payload["error"] = stepErr
	}
	e.core.Bus.Publish(events.Event{Type: events.TypeStep, RunID: runID, Payload: payload})
}

func (e *Engine) emitAudit(tenantID, action, runID string, payload map[string]any) {
	if e.core.Audit == nil {
		return
	}
	e.core.Audit.Emit("system", "engine", tenantID, action, "run", runID, payload)
}
