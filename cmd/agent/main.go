package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/campus-rides/internal/agent"
	"github.com/example/campus-rides/internal/app"
	"github.com/example/campus-rides/internal/config"
	"github.com/example/campus-rides/internal/events"
	"github.com/example/campus-rides/internal/logging"
)

var (
	jobsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agent_worker_jobs_consumed_total",
		Help: "Total agent jobs consumed",
	})
	jobsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agent_worker_jobs_invalid_total",
		Help: "Total undecodable agent jobs",
	})
	jobRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agent_worker_retries_total",
		Help: "Total agent run retries after retryable errors",
	})
	jobFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agent_worker_failures_total",
		Help: "Total agent jobs that ended in an error",
	})
)

func init() {
	prometheus.MustRegister(jobsConsumed, jobsInvalid, jobRetries, jobFailures)
}

func main() {
	cfg, err := config.Load()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	metricsAddr := cfg.MetricsAddr
	flag.StringVar(&metricsAddr, "metrics-addr", metricsAddr, "address to serve prometheus metrics on")
	flag.Parse()

	if len(cfg.KafkaBrokers) == 0 {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaAgentTopic, GroupID: cfg.KafkaGroup, MinBytes: 1, MaxBytes: 10e6})
	defer r.Close()

	logger.Info("agent worker listening", "topic", cfg.KafkaAgentTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down agent worker")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		jobsConsumed.Inc()

		var job events.AgentJob
		if err := json.Unmarshal(m.Value, &job); err != nil || job.UID == "" {
			jobsInvalid.Inc()
			logger.Warn("invalid agent job", "offset", m.Offset, "error", err)
			continue
		}

		res := runWithRetry(ctx, a.Agent, job, 3, 500*time.Millisecond, logger)
		if res.Error != "" {
			jobFailures.Inc()
		}
	}
}

// Runner is the part of the agent the worker drives.
type Runner interface {
	Run(ctx context.Context, uid string, opts agent.Options) agent.Result
}

// runWithRetry repeats a run while it reports a retryable error, doubling
// the delay between attempts.
func runWithRetry(ctx context.Context, r Runner, job events.AgentJob, attempts int, delay time.Duration, logger *slog.Logger) agent.Result {
	var res agent.Result
	for i := 0; i < attempts; i++ {
		res = r.Run(ctx, job.UID, agent.Options{Force: job.Force})
		if res.Error == "" || !res.Retryable || i == attempts-1 {
			break
		}
		jobRetries.Inc()
		logger.Warn("agent run failed, retrying", "uid", job.UID, "attempt", i+1, "error", res.Error, "delay", delay)
		select {
		case <-ctx.Done():
			return res
		case <-time.After(delay):
		}
		delay *= 2
	}
	logger.Info("agent job done", "uid", job.UID, "force", job.Force, "success", res.Success, "skipped", res.Skipped, "reason", res.Reason, "error", res.Error)
	return res
}
