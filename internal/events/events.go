package events

import (
	"context"
	"sync"
)

const (
	RideCreated   = "ride.created"
	RideConfirmed = "ride.confirmed"
	RideCompleted = "ride.completed"
	RideCancelled = "ride.cancelled"
	RideDeleted   = "ride.deleted"
	AgentRun      = "agent.run"
)

// Event is published after the ledger or the agent commits a change.
type Event struct {
	Type    string `json:"type"`
	RideID  string `json:"ride_id,omitempty"`
	UID     string `json:"uid,omitempty"`
	Token   int    `json:"token,omitempty"`
	Status  string `json:"status,omitempty"`
	Outcome string `json:"outcome,omitempty"`
	Detail  string `json:"detail,omitempty"`
	At      string `json:"at"`
}

// Key picks the partition key so events of one ride stay ordered.
func (e Event) Key() string {
	if e.RideID != "" {
		return e.RideID
	}
	return e.UID
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// AgentJob asks an agent worker to run the auto-booking agent for a user.
type AgentJob struct {
	UID         string `json:"uid"`
	Force       bool   `json:"force"`
	RequestedAt string `json:"requested_at"`
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) Count(eventType string) int {
	n := 0
	for _, e := range r.Events() {
		if e.Type == eventType {
			n++
		}
	}
	return n
}
