package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/campus-rides/internal/agent"
	"github.com/example/campus-rides/internal/app"
	"github.com/example/campus-rides/internal/config"
	"github.com/example/campus-rides/internal/events"
	"github.com/example/campus-rides/internal/logging"
	"github.com/example/campus-rides/internal/models"
)

// The scheduler is the nightly trigger. Run it from cron after the agent
// gate hour; with KAFKA_BROKERS set it queues one job per opted-in rider,
// otherwise it runs the agent inline.
func main() {
	var (
		uid    string
		force  bool
		inline bool
	)
	flag.StringVar(&uid, "uid", "", "run for a single rider instead of every opted-in account")
	flag.BoolVar(&force, "force", false, "bypass the evening gate, opt-in and calendar checks")
	flag.BoolVar(&inline, "inline", false, "run the agent in-process even when Kafka is configured")
	flag.Parse()

	cfg, err := config.Load()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	uids := []string{uid}
	if uid == "" {
		accts, err := a.Accounts.ListAutoBooking(ctx)
		if err != nil {
			logger.Error("list auto-booking accounts failed", "error", err)
			os.Exit(1)
		}
		uids = riderIDs(accts)
	}

	var q queue
	if a.Jobs != nil && !inline {
		q = a.Jobs
	}
	sum := dispatchRuns(ctx, uids, force, q, a.Agent, logger)
	logger.Info("scheduler finished", "riders", len(uids), "queued", sum.queued, "booked", sum.booked, "skipped", sum.skipped, "failed", sum.failed)
	if sum.failed > 0 {
		os.Exit(2)
	}
}

type queue interface {
	EnqueueAgentRun(ctx context.Context, job events.AgentJob) error
}

type runner interface {
	Run(ctx context.Context, uid string, opts agent.Options) agent.Result
}

type summary struct {
	queued, booked, skipped, failed int
}

func riderIDs(accts []models.Account) []string {
	out := make([]string, 0, len(accts))
	for _, a := range accts {
		out = append(out, a.UID)
	}
	return out
}

// dispatchRuns queues a job per rider when q is set and runs them one by
// one otherwise.
func dispatchRuns(ctx context.Context, uids []string, force bool, q queue, r runner, logger *slog.Logger) summary {
	var s summary
	for _, uid := range uids {
		if ctx.Err() != nil {
			break
		}
		if q != nil {
			job := events.AgentJob{UID: uid, Force: force, RequestedAt: time.Now().UTC().Format(time.RFC3339)}
			if err := q.EnqueueAgentRun(ctx, job); err != nil {
				logger.Error("enqueue failed", "uid", uid, "error", err)
				s.failed++
				continue
			}
			s.queued++
			continue
		}
		res := r.Run(ctx, uid, agent.Options{Force: force})
		switch {
		case res.Success:
			s.booked++
		case res.Skipped:
			s.skipped++
		default:
			s.failed++
			logger.Warn("agent run failed", "uid", uid, "error", res.Error)
		}
	}
	return s
}
