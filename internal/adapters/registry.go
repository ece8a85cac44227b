package adapters

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Observer receives per-invocation measurements. The metrics package
// implements it; a nil observer disables measurement.
type Observer interface {
	ObserveInvocation(tool, mode string, err error, elapsed time.Duration)
}

// Registry resolves (tool, mode) to an adapter and dispatches calls.
type Registry struct {
	mu       sync.RWMutex
	real     map[string]Adapter
	mock     map[string]Adapter
	observer Observer
	logger   *zap.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(observer Observer, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		real:     map[string]Adapter{},
		mock:     map[string]Adapter{},
		observer: observer,
		logger:   logger.Named("adapters"),
	}
}

// RegisterReal installs the real adapter for its namespace.
func (r *Registry) RegisterReal(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.real[a.Namespace()] = a
}

// RegisterMock installs the mock adapter for its namespace.
func (r *Registry) RegisterMock(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mock[a.Namespace()] = a
}

// Tools lists every tool with a mock registered, sorted. The mock set is
// authoritative: every namespace ships one.
func (r *Registry) Tools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, a := range r.mock {
		out = append(out, a.Tools()...)
	}
	sort.Strings(out)
	return out
}

// Invoke dispatches a call in the given mode ("real" or "mock"). A
// namespace without a real adapter falls back to its mock so a flag flip
// cannot strand a tool.
func (r *Registry) Invoke(ctx context.Context, call ToolCall, mode string) (*Response, error) {
	namespace, _, ok := strings.Cut(call.Name, ".")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, call.Name)
	}

	r.mu.RLock()
	adapter := r.mock[namespace]
	if mode == "real" {
		if real, ok := r.real[namespace]; ok {
			adapter = real
		}
	}
	r.mu.RUnlock()

	if adapter == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, call.Name)
	}
	if !supports(adapter, call.Name) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, call.Name)
	}

	start := time.Now()
	resp, err := adapter.Invoke(ctx, call)
	elapsed := time.Since(start)
	if r.observer != nil {
		r.observer.ObserveInvocation(call.Name, mode, err, elapsed)
	}
	r.logger.Debug("invoked tool",
		zap.String("tool", call.Name),
		zap.String("mode", mode),
		zap.Bool("dry_run", call.DryRun),
		zap.Duration("elapsed", elapsed),
		zap.Error(err))
	return resp, err
}

func supports(a Adapter, tool string) bool {
	for _, t := range a.Tools() {
		if t == tool {
			return true
		}
	}
	return false
}
