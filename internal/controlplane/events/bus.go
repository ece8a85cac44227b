// Package events is an in-memory broadcast bus keyed by run id. The engine
// publishes step transitions; SSE subscribers receive them best-effort.
// Persistent step rows remain the replay source for late subscribers.
package events

import (
	"sync"
)

// Event types.
const (
	TypeStep = "step"
	TypeDone = "done"
)

// Event is one run notification.
type Event struct {
	Type    string         `json:"type"`
	RunID   string         `json:"run_id"`
	Payload map[string]any `json:"payload,omitempty"`
}

const subscriberBuffer = 64

// Bus fans events out per run.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]chan Event
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: map[string][]chan Event{}}
}

// Subscribe registers for a run's events. The returned cancel must be
// called when the subscriber is done.
func (b *Bus) Subscribe(runID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[runID] = append(b.subs[runID], ch)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			chans := b.subs[runID]
			for i, c := range chans {
				if c == ch {
					b.subs[runID] = append(chans[:i], chans[i+1:]...)
					break
				}
			}
			if len(b.subs[runID]) == 0 {
				delete(b.subs, runID)
			}
		})
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of the run. Slow
// subscribers whose buffer is full lose the event rather than block the
// engine.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	chans := append([]chan Event(nil), b.subs[ev.RunID]...)
	b.mu.RUnlock()
	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers reports how many subscribers a run currently has.
func (b *Bus) Subscribers(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[runID])
}
