// Package app assembles the services shared by the server, agent worker
// and scheduler binaries from a loaded config.
package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/campus-rides/internal/accounts"
	"github.com/example/campus-rides/internal/agent"
	"github.com/example/campus-rides/internal/booking"
	"github.com/example/campus-rides/internal/config"
	"github.com/example/campus-rides/internal/dispatch"
	"github.com/example/campus-rides/internal/eta"
	"github.com/example/campus-rides/internal/events"
	httpapi "github.com/example/campus-rides/internal/http"
	"github.com/example/campus-rides/internal/ledger"
	"github.com/example/campus-rides/internal/matcher"
	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/payments"
	"github.com/example/campus-rides/internal/sequence"
	"github.com/example/campus-rides/internal/storage"
	"github.com/example/campus-rides/internal/tracker"
)

type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Store    storage.Store
	Events   events.Publisher
	Jobs     *events.KafkaProducer
	Ledger   *ledger.Ledger
	Accounts *accounts.Store
	Booking  *booking.Service
	Tracker  *tracker.Tracker
	Agent    *agent.Agent
	TopUps   *accounts.TopUps
	Hub      *dispatch.Hub
	Matcher  *matcher.Service

	closers []func() error
}

// Build opens the configured store and wires every service on top of it.
// Kafka and Stripe are only used when configured.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	st, err := storage.Open(ctx, cfg.StoreOptions())
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger, Store: st, Events: events.Nop{}}
	a.closers = append(a.closers, st.Close)

	if len(cfg.KafkaBrokers) > 0 {
		ev := events.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		a.Jobs = events.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaAgentTopic)
		a.Events = ev
		a.closers = append(a.closers, ev.Close, a.Jobs.Close)
	}

	loc := cfg.Location
	a.Ledger = ledger.New(st, a.Events, logger, nil)
	a.Accounts = accounts.New(st)
	a.Booking = booking.NewService(st, sequence.New(st, cfg.TokenCounterName, loc, nil), a.Ledger, logger, loc, nil)
	a.Tracker = tracker.New(st, a.Ledger, logger, loc, nil)
	a.Agent = agent.New(st, a.Ledger, sequence.New(st, cfg.AgentCounterName, loc, nil), a.Events, logger, agent.Config{
		CollegeAddress: cfg.CollegeAddress,
		CollegeCoords:  models.Coord{Lat: cfg.CollegeLat, Lng: cfg.CollegeLng},
		GateHour:       cfg.AgentGateHour,
		DemoAccounts:   cfg.DemoAccounts,
	}, loc, nil)
	if cfg.StripeAPIKey != "" {
		a.TopUps = accounts.NewTopUps(st, payments.NewStripeClient(cfg.StripeAPIKey), cfg.CreditPriceMinor, cfg.CreditCurrency, nil)
	}
	a.Hub = dispatch.NewHub(logger)

	est := &eta.Cached{Fallback: eta.Straight{SpeedMps: cfg.DriverSpeedMps}, Cache: eta.NewCache(cfg.ETACacheTTL)}
	if cfg.OSRMURL != "" {
		est.Primary = eta.NewOSRMClient(cfg.OSRMURL)
	}
	a.Matcher = &matcher.Service{Rides: a.Ledger, ETA: est, TopN: 20, TokenWeight: cfg.TokenWeight}
	return a, nil
}

// HTTPDeps exposes the services to the API server.
func (a *App) HTTPDeps() httpapi.Deps {
	d := httpapi.Deps{
		Ledger:   a.Ledger,
		Booking:  a.Booking,
		Tracker:  a.Tracker,
		Agent:    a.Agent,
		Accounts: a.Accounts,
		TopUps:   a.TopUps,
		Hub:      a.Hub,
		Matcher:  a.Matcher,
		Logger:   a.Logger,
		Location: a.Config.Location,
	}
	if a.Jobs != nil {
		d.Queue = a.Jobs
	}
	return d
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
