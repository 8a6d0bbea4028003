// Package matcher builds the driver's view of open work: PENDING rides
// ordered by how soon the driver can reach the pickup, with older queue
// tokens breaking near-ties.
package matcher

import (
	"context"
	"sort"

	"github.com/example/campus-rides/internal/eta"
	"github.com/example/campus-rides/internal/geo"
	"github.com/example/campus-rides/internal/models"
)

// Source lists rides by status.
type Source interface {
	ListByStatus(ctx context.Context, statuses ...models.RideStatus) ([]models.Ride, error)
}

// Offer is a pending ride with the driver's estimated time to its pickup.
type Offer struct {
	Ride      models.Ride `json:"ride"`
	PickupETA float64     `json:"pickupEtaSeconds"`
	Cost      float64     `json:"cost"`
	Located   bool        `json:"hasPickupCoords"`
}

type Service struct {
	Rides Source
	ETA   eta.Client
	TopN  int

	// TokenWeight is seconds of ETA one queue position is worth.
	TokenWeight float64
}

// PendingNear ranks pending rides for a driver at pos. Rides without
// usable pickup coordinates go last, in token order.
func (s *Service) PendingNear(ctx context.Context, pos models.Coord, limit int) ([]Offer, error) {
	if limit <= 0 {
		limit = s.TopN
	}
	if limit <= 0 {
		limit = 10
	}
	est := s.ETA
	if est == nil {
		est = eta.Straight{}
	}
	rides, err := s.Rides.ListByStatus(ctx, models.StatusPending)
	if err != nil {
		return nil, err
	}
	offers := make([]Offer, 0, len(rides))
	for _, r := range rides {
		o := Offer{Ride: r}
		if pickup, ok := pickupCoord(r); ok && geo.ValidCoord(pos) {
			if v, err := est.EstimateSeconds(ctx, pos, pickup); err == nil {
				o.PickupETA = v
				o.Located = true
			}
		}
		// cost = eta + w*(token)
		o.Cost = o.PickupETA + s.TokenWeight*float64(r.TokenNumber)
		offers = append(offers, o)
	}
	sort.SliceStable(offers, func(i, j int) bool {
		a, b := offers[i], offers[j]
		if a.Located != b.Located {
			return a.Located
		}
		if a.Cost != b.Cost {
			return a.Cost < b.Cost
		}
		return a.Ride.TokenNumber < b.Ride.TokenNumber
	})
	if len(offers) > limit {
		offers = offers[:limit]
	}
	return offers, nil
}

// pickupCoord is the ride's pickup point, or the first waypoint of a group
// ride.
func pickupCoord(r models.Ride) (models.Coord, bool) {
	if r.PickupCoords != nil && geo.ValidCoord(*r.PickupCoords) {
		return *r.PickupCoords, true
	}
	for _, w := range r.Waypoints {
		c := models.Coord{Lat: w.Lat, Lng: w.Lng}
		if geo.ValidCoord(c) {
			return c, true
		}
	}
	return models.Coord{}, false
}
