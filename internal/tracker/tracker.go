// Package tracker projects the ledger into today's serving token.
//
// The store is queried by status only and the creation date is compared
// client-side. This avoids needing a (status, date) compound index at the
// cost of reading confirmed and completed rides from earlier days.
package tracker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/campus-rides/internal/ledger"
	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/observability"
	"github.com/example/campus-rides/internal/storage"
)

type Tracker struct {
	store  storage.Store
	ledger *ledger.Ledger
	logger *slog.Logger
	loc    *time.Location
	now    func() time.Time
}

func New(store storage.Store, l *ledger.Ledger, logger *slog.Logger, loc *time.Location, now func() time.Time) *Tracker {
	if loc == nil {
		loc = time.Local
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, ledger: l, logger: logger, loc: loc, now: now}
}

// Current returns the highest token among today's CONFIRMED or COMPLETED
// rides, or nil when there is none.
func (t *Tracker) Current(ctx context.Context) (*int, error) {
	rides, err := t.ledger.ListByStatus(ctx, models.StatusConfirmed, models.StatusCompleted)
	if err != nil {
		return nil, err
	}
	today := t.now().In(t.loc).Format(models.DateLayout)
	return ServingToken(rides, today), nil
}

// ServingToken reduces rides to the max token created on today.
func ServingToken(rides []models.Ride, today string) *int {
	var best *int
	for i := range rides {
		r := &rides[i]
		if r.Status != models.StatusConfirmed && r.Status != models.StatusCompleted {
			continue
		}
		if r.CreatedDate() != today {
			continue
		}
		if best == nil || r.TokenNumber > *best {
			tok := r.TokenNumber
			best = &tok
		}
	}
	return best
}

// Subscribe calls fn with the current value right away and again after
// every committed ride change, until the returned func is called. Calls
// to fn never overlap. Day rollover is not detected on its own; the next
// change or a new subscription picks up the new day.
func (t *Tracker) Subscribe(ctx context.Context, fn func(token *int)) (func(), error) {
	kick := make(chan struct{}, 1)
	stopWatch, err := t.store.Watch(ctx, ledger.Collection, func() {
		select {
		case kick <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.emit(ctx, fn)
		for {
			select {
			case <-ctx.Done():
				return
			case <-kick:
				t.emit(ctx, fn)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			stopWatch()
			cancel()
			<-done
		})
	}, nil
}

func (t *Tracker) emit(ctx context.Context, fn func(*int)) {
	tok, err := t.Current(ctx)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Warn("serving token refresh failed", "error", err)
		}
		return
	}
	if tok != nil {
		observability.ServingToken.Set(float64(*tok))
	} else {
		observability.ServingToken.Set(0)
	}
	fn(tok)
}
