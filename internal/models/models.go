package models

import "time"

type RideStatus string

const (
	StatusPending   RideStatus = "PENDING"
	StatusConfirmed RideStatus = "CONFIRMED"
	StatusCompleted RideStatus = "COMPLETED"
	StatusCancelled RideStatus = "CANCELLED"
)

type RideType string

const (
	RideInstant   RideType = "instant"
	RideScheduled RideType = "scheduled"
)

type PaymentMode string

const (
	PayCash         PaymentMode = "cash"
	PayCredits      PaymentMode = "credits"
	PaySubscription PaymentMode = "subscription"
)

func (p PaymentMode) Valid() bool {
	switch p {
	case PayCash, PayCredits, PaySubscription:
		return true
	}
	return false
}

type TripType string

const (
	TripMorningCommute TripType = "MORNING_COMMUTE"
	TripEveningReturn  TripType = "EVENING_RETURN"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Passenger struct {
	UID    string  `json:"uid"`
	Name   string  `json:"name"`
	Phone  string  `json:"phone"`
	Pickup string  `json:"pickup"`
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
	Status string  `json:"status"`
}

type Waypoint struct {
	Address string  `json:"address"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Label   string  `json:"label"`
}

// Ride is a single record of the booking ledger. Group rides carry every
// passenger uid in PassengerUIDs so any record can be attributed to each of
// them.
type Ride struct {
	ID            string      `json:"id"`
	StudentID     string      `json:"studentId"`
	PassengerUIDs []string    `json:"passengerUids"`
	Passengers    []Passenger `json:"passengers,omitempty"`
	IsGroupRide   bool        `json:"isGroupRide"`
	Pickup        string      `json:"pickup"`
	Drop          string      `json:"drop"`
	PickupCoords  *Coord      `json:"pickupCoords,omitempty"`
	DropCoords    *Coord      `json:"dropCoords,omitempty"`
	Waypoints     []Waypoint  `json:"waypoints,omitempty"`
	RideType      RideType    `json:"rideType"`
	ScheduledDate string      `json:"scheduledDate,omitempty"`
	ScheduledTime string      `json:"scheduledTime,omitempty"`
	PaymentMode   PaymentMode `json:"paymentMode"`
	Status        RideStatus  `json:"status"`
	CreatedAt     string      `json:"createdAt"`
	TokenNumber   int         `json:"tokenNumber"`
	IsAutoBooked  bool        `json:"isAutoBooked"`
	TripType      TripType    `json:"tripType,omitempty"`
	DriverID      string      `json:"driverId,omitempty"`
	DriverName    string      `json:"driverName,omitempty"`
	DriverPhone   string      `json:"driverPhone,omitempty"`
	VehicleNumber string      `json:"vehicleNumber,omitempty"`
}

// CreatedDate returns the YYYY-MM-DD prefix of CreatedAt.
func (r *Ride) CreatedDate() string {
	if len(r.CreatedAt) < len(DateLayout) {
		return r.CreatedAt
	}
	return r.CreatedAt[:len(DateLayout)]
}

func (r *Ride) HasPassenger(uid string) bool {
	for _, p := range r.PassengerUIDs {
		if p == uid {
			return true
		}
	}
	return false
}

// DateLayout is the ISO calendar date format used for counters, schedules
// and audit keys.
const DateLayout = "2006-01-02"

type ClassTimes struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type Holiday struct {
	Date string `json:"date"`
	Name string `json:"name"`
}

type Leave struct {
	Date   string `json:"date"`
	Reason string `json:"reason"`
}

type SavedAddress struct {
	Label   string  `json:"label"`
	Type    string  `json:"type"`
	Address string  `json:"address"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
}

const AddressHome = "Home"

type Subscription struct {
	Active    bool      `json:"active"`
	Type      string    `json:"type,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// Valid reports whether the subscription is active and unexpired at t.
func (s Subscription) Valid(t time.Time) bool {
	return s.Active && (s.ExpiresAt.IsZero() || t.Before(s.ExpiresAt))
}

// AutoBooking holds the agent settings. Nil offsets fall back to the
// agent defaults.
type AutoBooking struct {
	Enabled       bool `json:"enabled"`
	MorningOffset *int `json:"morningOffset,omitempty"`
	EveningOffset *int `json:"eveningOffset,omitempty"`
}

// TeamMember is a cached snapshot of a co-rider profile. The agent only
// falls back to it when the live account has no Home address.
type TeamMember struct {
	UID           string  `json:"uid"`
	Name          string  `json:"name"`
	Phone         string  `json:"phone"`
	PickupAddress string  `json:"pickupAddress"`
	Lat           float64 `json:"lat"`
	Lng           float64 `json:"lng"`
}

type Account struct {
	UID            string                `json:"uid"`
	Name           string                `json:"name"`
	Phone          string                `json:"phone"`
	Email          string                `json:"email,omitempty"`
	Credits        int                   `json:"credits"`
	Subscription   Subscription          `json:"subscription"`
	Timetable      map[string]ClassTimes `json:"timetable,omitempty"`
	Holidays       []Holiday             `json:"holidays,omitempty"`
	Leaves         []Leave               `json:"leaves,omitempty"`
	SavedAddresses []SavedAddress        `json:"savedAddresses,omitempty"`
	AutoBooking    AutoBooking           `json:"autoBooking"`
	Team           []TeamMember          `json:"team,omitempty"`
}

// HomeAddress returns the most recently added saved address of type Home.
func (a *Account) HomeAddress() (SavedAddress, bool) {
	for i := len(a.SavedAddresses) - 1; i >= 0; i-- {
		if a.SavedAddresses[i].Type == AddressHome {
			return a.SavedAddresses[i], true
		}
	}
	return SavedAddress{}, false
}

// Counter is the persisted state of a date-scoped sequence.
type Counter struct {
	Count int    `json:"count"`
	Date  string `json:"date"`
}

type AuditAction string

const (
	AuditBooked  AuditAction = "booked"
	AuditSkipped AuditAction = "skipped"
	AuditError   AuditAction = "error"
)

type AuditEntry struct {
	Action      AuditAction `json:"action"`
	Timestamp   string      `json:"timestamp"`
	MorningTime string      `json:"morningTime,omitempty"`
	EveningTime string      `json:"eveningTime,omitempty"`
	TeamSize    int         `json:"teamSize"`
	Logs        []string    `json:"logs"`
}

// TopUp records a captured credit purchase so it is applied once.
type TopUp struct {
	ID        string `json:"id"`
	UID       string `json:"uid"`
	Credits   int    `json:"credits"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt"`
}
