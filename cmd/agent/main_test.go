package main

import (
	"context"
	"testing"
	"time"

	"github.com/example/campus-rides/internal/agent"
	"github.com/example/campus-rides/internal/events"
	"github.com/example/campus-rides/internal/logging"
)

// fakeRunner returns the scripted results in order.
type fakeRunner struct {
	results []agent.Result
	calls   int
	forced  bool
}

func (f *fakeRunner) Run(_ context.Context, _ string, opts agent.Options) agent.Result {
	f.forced = opts.Force
	res := f.results[min(f.calls, len(f.results)-1)]
	f.calls++
	return res
}

func TestRunWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeRunner{results: []agent.Result{
		{Error: "contention", Retryable: true},
		{Success: true, Message: "booked"},
	}}
	start := time.Now()
	res := runWithRetry(context.Background(), f, events.AgentJob{UID: "s1", Force: true}, 3, 10*time.Millisecond, logging.Discard())
	if !res.Success || f.calls != 2 {
		t.Fatalf("expected success on second call, got %+v after %d calls", res, f.calls)
	}
	if !f.forced {
		t.Fatalf("expected force flag to reach the agent")
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestRunWithRetry_StopsOnPermanentError(t *testing.T) {
	f := &fakeRunner{results: []agent.Result{{Error: "no valid passengers"}}}
	res := runWithRetry(context.Background(), f, events.AgentJob{UID: "s1"}, 3, time.Millisecond, logging.Discard())
	if res.Error == "" || f.calls != 1 {
		t.Fatalf("expected a single attempt, got %d calls", f.calls)
	}
}

func TestRunWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeRunner{results: []agent.Result{{Error: "contention", Retryable: true}}}
	res := runWithRetry(context.Background(), f, events.AgentJob{UID: "s1"}, 3, time.Millisecond, logging.Discard())
	if res.Error == "" || f.calls != 3 {
		t.Fatalf("expected error after 3 attempts, got %+v after %d calls", res, f.calls)
	}
}

func TestRunWithRetry_SkipIsFinal(t *testing.T) {
	f := &fakeRunner{results: []agent.Result{{Skipped: true, Reason: "already booked"}}}
	if res := runWithRetry(context.Background(), f, events.AgentJob{UID: "s1"}, 3, time.Millisecond, logging.Discard()); !res.Skipped || f.calls != 1 {
		t.Fatalf("expected single skipped run, got %+v", res)
	}
}
