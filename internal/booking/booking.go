// Package booking is the manual booking flow: a rider asks for an
// immediate or scheduled ride and gets the next queue token for the day.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/campus-rides/internal/accounts"
	"github.com/example/campus-rides/internal/geo"
	"github.com/example/campus-rides/internal/ledger"
	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/sequence"
	"github.com/example/campus-rides/internal/storage"
)

var (
	ErrInvalidRequest       = errors.New("invalid booking request")
	ErrSubscriptionInactive = errors.New("subscription is not active")
)

type Request struct {
	StudentID     string             `json:"studentId"`
	Pickup        string             `json:"pickup"`
	Drop          string             `json:"drop"`
	PickupCoords  *models.Coord      `json:"pickupCoords,omitempty"`
	DropCoords    *models.Coord      `json:"dropCoords,omitempty"`
	RideType      models.RideType    `json:"rideType"`
	ScheduledDate string             `json:"scheduledDate,omitempty"`
	ScheduledTime string             `json:"scheduledTime,omitempty"`
	PaymentMode   models.PaymentMode `json:"paymentMode"`
}

func (r *Request) validate() error {
	var problems []string
	if r.StudentID == "" {
		problems = append(problems, "studentId is required")
	}
	if strings.TrimSpace(r.Pickup) == "" || strings.TrimSpace(r.Drop) == "" {
		problems = append(problems, "pickup and drop are required")
	}
	if r.PickupCoords != nil && !geo.ValidCoord(*r.PickupCoords) {
		problems = append(problems, "pickupCoords out of range")
	}
	if r.DropCoords != nil && !geo.ValidCoord(*r.DropCoords) {
		problems = append(problems, "dropCoords out of range")
	}
	if r.PaymentMode == "" {
		r.PaymentMode = models.PayCash
	}
	if !r.PaymentMode.Valid() {
		problems = append(problems, fmt.Sprintf("unknown paymentMode %q", r.PaymentMode))
	}
	switch r.RideType {
	case "", models.RideInstant:
		r.RideType = models.RideInstant
	case models.RideScheduled:
		if _, err := time.Parse(models.DateLayout, r.ScheduledDate); err != nil {
			problems = append(problems, "scheduledDate must be YYYY-MM-DD")
		}
		if strings.TrimSpace(r.ScheduledTime) == "" {
			problems = append(problems, "scheduledTime is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown rideType %q", r.RideType))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
	}
	return nil
}

type Service struct {
	store   storage.Store
	counter *sequence.Counter
	ledger  *ledger.Ledger
	logger  *slog.Logger
	loc     *time.Location
	now     func() time.Time
}

func NewService(store storage.Store, counter *sequence.Counter, l *ledger.Ledger, logger *slog.Logger, loc *time.Location, now func() time.Time) *Service {
	if loc == nil {
		loc = time.Local
	}
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, counter: counter, ledger: l, logger: logger, loc: loc, now: now}
}

// Book writes a PENDING ride with a fresh token. Credit riders are only
// checked for a non-zero balance here; the debit happens when a driver
// accepts the ride.
func (s *Service) Book(ctx context.Context, req Request) (*models.Ride, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	var (
		ride *models.Ride
		res  *sequence.Reservation
	)
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		now := s.now().In(s.loc)
		acct, found, err := accounts.ReadTx(ctx, tx, req.StudentID)
		if err != nil {
			return err
		}
		if !found {
			return accounts.ErrAccountNotFound
		}
		switch req.PaymentMode {
		case models.PayCredits:
			if acct.Credits < ledger.AcceptFare {
				return fmt.Errorf("%w: balance %d", accounts.ErrInsufficientCredits, acct.Credits)
			}
		case models.PaySubscription:
			if !acct.Subscription.Valid(now) {
				return ErrSubscriptionInactive
			}
		}
		r, err := s.counter.Reserve(ctx, tx, 1)
		if err != nil {
			return err
		}
		res = r

		p := models.Passenger{UID: acct.UID, Name: acct.Name, Phone: acct.Phone, Pickup: req.Pickup, Status: string(models.StatusPending)}
		if req.PickupCoords != nil {
			p.Lat, p.Lng = req.PickupCoords.Lat, req.PickupCoords.Lng
		}
		ride = &models.Ride{
			ID:            id,
			StudentID:     acct.UID,
			PassengerUIDs: []string{acct.UID},
			Passengers:    []models.Passenger{p},
			Pickup:        req.Pickup,
			Drop:          req.Drop,
			PickupCoords:  req.PickupCoords,
			DropCoords:    req.DropCoords,
			RideType:      req.RideType,
			ScheduledDate: req.ScheduledDate,
			ScheduledTime: req.ScheduledTime,
			PaymentMode:   req.PaymentMode,
			Status:        models.StatusPending,
			CreatedAt:     now.Format(time.RFC3339),
			TokenNumber:   r.First,
		}
		if err := r.Write(tx); err != nil {
			return err
		}
		return ledger.CreateTx(tx, ride)
	})
	if err != nil {
		return nil, fmt.Errorf("book ride: %w", err)
	}
	res.Committed()
	s.ledger.Announce(ctx, "manual", ride)
	s.logger.Info("ride booked", "ride_id", ride.ID, "uid", ride.StudentID, "token", ride.TokenNumber, "ride_type", ride.RideType)
	return ride, nil
}

// IssueToken hands out a bare token without creating a ride.
func (s *Service) IssueToken(ctx context.Context) (int, error) {
	return s.counter.IssueToken(ctx)
}
