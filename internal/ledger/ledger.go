// Package ledger stores ride records. Every component writes rides, but all
// status changes go through the constrained transitions defined here.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/campus-rides/internal/accounts"
	"github.com/example/campus-rides/internal/events"
	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/observability"
	"github.com/example/campus-rides/internal/storage"
)

const Collection = "rides"

// AcceptFare is debited from a credits-paying rider when a driver claims a
// manually booked ride.
const AcceptFare = 1

var (
	ErrRideNotFound      = errors.New("ride not found")
	ErrRideNotPending    = errors.New("ride is no longer pending")
	ErrInvalidTransition = errors.New("invalid ride status transition")
	ErrDriverRequired    = errors.New("driver id is required")
)

func Ref(id string) storage.Ref { return storage.Ref{Collection: Collection, ID: id} }

type Driver struct {
	ID            string `json:"driverId"`
	Name          string `json:"driverName"`
	Phone         string `json:"driverPhone"`
	VehicleNumber string `json:"vehicleNumber"`
}

type Ledger struct {
	store  storage.Store
	events events.Publisher
	logger *slog.Logger
	now    func() time.Time
}

func New(store storage.Store, pub events.Publisher, logger *slog.Logger, now func() time.Time) *Ledger {
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: store, events: pub, logger: logger, now: now}
}

func (l *Ledger) Store() storage.Store { return l.store }

func (l *Ledger) Get(ctx context.Context, id string) (*models.Ride, error) {
	var r models.Ride
	found, err := l.store.Get(ctx, Ref(id), &r)
	if err != nil {
		return nil, fmt.Errorf("get ride %s: %w", id, err)
	}
	if !found {
		return nil, ErrRideNotFound
	}
	return &r, nil
}

// FindForPassengerOnDate returns rides scheduled on date that name uid as
// a passenger.
func (l *Ledger) FindForPassengerOnDate(ctx context.Context, uid, date string) ([]models.Ride, error) {
	return l.query(ctx, storage.ArrayContains("passengerUids", uid), storage.Eq("scheduledDate", date))
}

func (l *Ledger) ListByStatus(ctx context.Context, statuses ...models.RideStatus) ([]models.Ride, error) {
	vals := make([]string, len(statuses))
	for i, s := range statuses {
		vals[i] = string(s)
	}
	return l.query(ctx, storage.In("status", vals...))
}

func (l *Ledger) query(ctx context.Context, where ...storage.Where) ([]models.Ride, error) {
	snaps, err := l.store.Query(ctx, Collection, where...)
	if err != nil {
		return nil, fmt.Errorf("query rides: %w", err)
	}
	out := make([]models.Ride, 0, len(snaps))
	for _, s := range snaps {
		var r models.Ride
		if err := s.Decode(&r); err != nil {
			return nil, fmt.Errorf("decode ride %s: %w", s.Ref.ID, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// CreateTx writes a new ride inside tx.
func CreateTx(tx storage.Tx, r *models.Ride) error {
	if r.ID == "" {
		return fmt.Errorf("create ride: id is required")
	}
	return tx.Set(Ref(r.ID), r)
}

// DeleteTx removes a ride; only administrative and reset paths use it.
func DeleteTx(tx storage.Tx, id string) error { return tx.Delete(Ref(id)) }

// Announce publishes creation events for committed rides.
func (l *Ledger) Announce(ctx context.Context, source string, rides ...*models.Ride) {
	for _, r := range rides {
		observability.RidesCreatedTotal.WithLabelValues(source).Inc()
		l.publish(ctx, events.RideCreated, r)
	}
}

func (l *Ledger) AnnounceDeleted(ctx context.Context, rides ...models.Ride) {
	for i := range rides {
		l.publish(ctx, events.RideDeleted, &rides[i])
	}
}

func (l *Ledger) publish(ctx context.Context, eventType string, r *models.Ride) {
	e := events.Event{
		Type:   eventType,
		RideID: r.ID,
		UID:    r.StudentID,
		Token:  r.TokenNumber,
		Status: string(r.Status),
		At:     l.now().Format(time.RFC3339),
	}
	if err := l.events.Publish(ctx, e); err != nil {
		l.logger.Warn("event publish failed", "type", eventType, "ride_id", r.ID, "error", err)
	}
}

// Accept lets a driver claim a pending ride. For credit rides that were not
// prepaid by the agent the rider is debited AcceptFare in the same
// transaction that confirms the ride; either both happen or neither does.
func (l *Ledger) Accept(ctx context.Context, rideID string, d Driver) (*models.Ride, error) {
	if d.ID == "" {
		return nil, ErrDriverRequired
	}
	var out models.Ride
	debited := false
	err := l.store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		debited = false
		var r models.Ride
		found, err := tx.Get(ctx, Ref(rideID), &r)
		if err != nil {
			return err
		}
		if !found {
			return ErrRideNotFound
		}
		if r.Status != models.StatusPending {
			return fmt.Errorf("%w: status %s", ErrRideNotPending, r.Status)
		}

		var payer *models.Account
		if r.PaymentMode == models.PayCredits && !r.IsAutoBooked {
			acct, found, err := accounts.ReadTx(ctx, tx, r.StudentID)
			if err != nil {
				return err
			}
			if !found {
				return accounts.ErrAccountNotFound
			}
			if err := accounts.Debit(acct, AcceptFare); err != nil {
				return err
			}
			payer = acct
		}

		r.Status = models.StatusConfirmed
		r.DriverID = d.ID
		r.DriverName = d.Name
		r.DriverPhone = d.Phone
		r.VehicleNumber = d.VehicleNumber
		if payer != nil {
			if err := accounts.WriteTx(tx, payer); err != nil {
				return err
			}
			debited = true
		}
		out = r
		return tx.Set(Ref(rideID), &r)
	})
	if err != nil {
		return nil, fmt.Errorf("accept ride %s: %w", rideID, err)
	}
	observability.RidesAcceptedTotal.Inc()
	if debited {
		observability.CreditsDebitedTotal.WithLabelValues("acceptance").Add(AcceptFare)
	}
	l.logger.Info("ride accepted", "ride_id", rideID, "driver_id", d.ID, "token", out.TokenNumber, "debited", debited)
	l.publish(ctx, events.RideConfirmed, &out)
	return &out, nil
}

func (l *Ledger) Complete(ctx context.Context, rideID string) (*models.Ride, error) {
	return l.transition(ctx, rideID, models.StatusCompleted, events.RideCompleted, models.StatusConfirmed)
}

// Cancel does not refund credits.
func (l *Ledger) Cancel(ctx context.Context, rideID string) (*models.Ride, error) {
	return l.transition(ctx, rideID, models.StatusCancelled, events.RideCancelled, models.StatusPending, models.StatusConfirmed)
}

func (l *Ledger) transition(ctx context.Context, rideID string, to models.RideStatus, eventType string, from ...models.RideStatus) (*models.Ride, error) {
	var out models.Ride
	err := l.store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		var r models.Ride
		found, err := tx.Get(ctx, Ref(rideID), &r)
		if err != nil {
			return err
		}
		if !found {
			return ErrRideNotFound
		}
		allowed := false
		for _, s := range from {
			if r.Status == s {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
		}
		r.Status = to
		out = r
		return tx.Set(Ref(rideID), &r)
	})
	if err != nil {
		return nil, fmt.Errorf("update ride %s: %w", rideID, err)
	}
	l.publish(ctx, eventType, &out)
	return &out, nil
}
