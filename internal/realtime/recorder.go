package realtime

import (
	"context"
	"sync"
)

// Recorder is an in-memory Publisher that captures events for assertions in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

type Recorded struct {
	Channel string
	Event   string
	Payload any
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Publish(ctx context.Context, channel, event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Recorded{Channel: channel, Event: event, Payload: payload})
	return nil
}

func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Recorded, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events with the given name were published on channel.
func (r *Recorder) Count(channel, event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Channel == channel && e.Event == event {
			n++
		}
	}
	return n
}
