package approval

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Decision is the outcome a waiter observes.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionDenied   Decision = "denied"
	DecisionTimeout  Decision = "timeout"
)

// Service wraps the store with decision notification: the engine waits on
// a channel instead of polling the table.
type Service struct {
	store  *Store
	logger *zap.Logger

	mu      sync.Mutex
	waiters map[string][]chan Decision
}

// NewService wires the approval service.
func NewService(store *Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:   store,
		logger:  logger.Named("approval"),
		waiters: map[string][]chan Decision{},
	}
}

// Store exposes the underlying store for read paths.
func (s *Service) Store() *Store { return s.store }

// Create inserts the gate row for a step.
func (s *Service) Create(runID, tenantID, stepName string, requiredRoles []string) (*Approval, error) {
	return s.store.Create(runID, tenantID, stepName, requiredRoles)
}

// Approve validates the token and marks the approval granted. Order of
// checks: already decided, expired, token mismatch.
func (s *Service) Approve(tenantID, id, token string) error {
	a, err := s.store.Get(tenantID, id)
	if err != nil {
		return err
	}
	if a.Status != StatusPending {
		return ErrAlreadyDecided
	}
	if time.Now().After(a.SigExpiresAt) {
		return ErrExpired
	}
	expected := a.Nonce + "." + a.Sig[:16]
	if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		return ErrTokenMismatch
	}
	if err := s.store.decide(tenantID, id, StatusApproved); err != nil {
		return err
	}
	s.notify(id, DecisionApproved)
	return nil
}

// Deny marks the approval rejected. No token needed: denial is always safe.
func (s *Service) Deny(tenantID, id string) error {
	a, err := s.store.Get(tenantID, id)
	if err != nil {
		return err
	}
	if a.Status != StatusPending {
		return ErrAlreadyDecided
	}
	if err := s.store.decide(tenantID, id, StatusDenied); err != nil {
		return err
	}
	s.notify(id, DecisionDenied)
	return nil
}

// Wait blocks until the approval is decided, the timeout elapses, or the
// context is cancelled. A decision made before Wait is observed from the
// store, so no wake-up is ever lost.
func (s *Service) Wait(ctx context.Context, tenantID, id string, timeout time.Duration) (Decision, error) {
	ch := make(chan Decision, 1)
	s.mu.Lock()
	s.waiters[id] = append(s.waiters[id], ch)
	s.mu.Unlock()
	defer s.drop(id, ch)

	// Re-check after registering: the decision may already be in.
	a, err := s.store.Get(tenantID, id)
	if err != nil {
		return "", err
	}
	switch a.Status {
	case StatusApproved:
		return DecisionApproved, nil
	case StatusDenied:
		return DecisionDenied, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case d := <-ch:
		return d, nil
	case <-timer.C:
		return DecisionTimeout, nil
	case <-ctx.Done():
		return DecisionTimeout, ctx.Err()
	}
}

func (s *Service) notify(id string, d Decision) {
	s.mu.Lock()
	chans := s.waiters[id]
	delete(s.waiters, id)
	s.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- d:
		default:
		}
	}
	s.logger.Info("approval decided", zap.String("approval_id", id), zap.String("decision", string(d)))
}

func (s *Service) drop(id string, ch chan Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chans := s.waiters[id]
	for i, c := range chans {
		if c == ch {
			s.waiters[id] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(s.waiters[id]) == 0 {
		delete(s.waiters, id)
	}
}
