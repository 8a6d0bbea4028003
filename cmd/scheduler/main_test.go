package main

import (
	"context"
	"errors"
	"testing"

	"github.com/example/campus-rides/internal/agent"
	"github.com/example/campus-rides/internal/events"
	"github.com/example/campus-rides/internal/logging"
)

type fakeQueue struct {
	jobs []events.AgentJob
	fail map[string]bool
}

func (f *fakeQueue) EnqueueAgentRun(_ context.Context, job events.AgentJob) error {
	if f.fail[job.UID] {
		return errors.New("broker down")
	}
	f.jobs = append(f.jobs, job)
	return nil
}

type scriptedRunner map[string]agent.Result

func (s scriptedRunner) Run(_ context.Context, uid string, _ agent.Options) agent.Result {
	return s[uid]
}

func TestDispatchRunsQueuesJobs(t *testing.T) {
	q := &fakeQueue{fail: map[string]bool{"s3": true}}
	sum := dispatchRuns(context.Background(), []string{"s1", "s2", "s3"}, true, q, nil, logging.Discard())
	if sum.queued != 2 || sum.failed != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if !q.jobs[0].Force || q.jobs[1].UID != "s2" {
		t.Fatalf("unexpected jobs %+v", q.jobs)
	}
}

func TestDispatchRunsInline(t *testing.T) {
	r := scriptedRunner{
		"s1": {Success: true},
		"s2": {Skipped: true, Reason: "holiday: Pongal"},
		"s3": {Error: "no valid passengers"},
	}
	sum := dispatchRuns(context.Background(), []string{"s1", "s2", "s3"}, false, nil, r, logging.Discard())
	if sum.booked != 1 || sum.skipped != 1 || sum.failed != 1 || sum.queued != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}
