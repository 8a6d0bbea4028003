// Package agent is the nightly auto-booking agent. For one rider it decides
// whether tomorrow needs a commute, pools the rider's team, and in a single
// transaction debits every qualifying passenger and writes the paired
// morning and evening rides.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/campus-rides/internal/accounts"
	"github.com/example/campus-rides/internal/events"
	"github.com/example/campus-rides/internal/geo"
	"github.com/example/campus-rides/internal/ledger"
	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/observability"
	"github.com/example/campus-rides/internal/sequence"
	"github.com/example/campus-rides/internal/storage"
)

// RoundTripCost is debited per passenger for the two legs.
const RoundTripCost = 2

const ReasonAlreadyBooked = "already booked"

var ErrNoValidPassengers = errors.New("no valid passengers: every candidate was excluded")

type Config struct {
	CollegeAddress       string
	CollegeCoords        models.Coord
	GateHour             int
	DemoAccounts         []string
	FallbackSchedule     models.ClassTimes
	DefaultMorningOffset int
	DefaultEveningOffset int
}

func DefaultConfig() Config {
	return Config{
		CollegeAddress:       "Main Campus Gate",
		GateHour:             20,
		FallbackSchedule:     models.ClassTimes{Start: "09:00 AM", End: "04:00 PM"},
		DefaultMorningOffset: 30,
		DefaultEveningOffset: 15,
	}
}

type Options struct {
	Force bool
}

// Result is exactly one of booked, skipped or error. Errors are handled
// outcomes: nothing was booked and the run may be retried.
type Result struct {
	Success bool     `json:"success,omitempty"`
	Message string   `json:"message,omitempty"`
	Skipped bool     `json:"skipped,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Error   string   `json:"error,omitempty"`
	RideIDs []string `json:"rideIds,omitempty"`

	// Retryable marks errors that may clear on a later attempt.
	Retryable bool `json:"retryable,omitempty"`
}

func failed(err error) Result {
	return Result{Error: err.Error(), Retryable: retryable(err)}
}

func retryable(err error) bool {
	return !errors.Is(err, ErrNoValidPassengers) &&
		!errors.Is(err, accounts.ErrAccountNotFound) &&
		!errors.Is(err, accounts.ErrInsufficientCredits)
}

func (r Result) outcome() string {
	switch {
	case r.Success:
		return string(models.AuditBooked)
	case r.Skipped:
		return string(models.AuditSkipped)
	default:
		return string(models.AuditError)
	}
}

type Agent struct {
	store    storage.Store
	accounts *accounts.Store
	ledger   *ledger.Ledger
	counter  *sequence.Counter
	events   events.Publisher
	logger   *slog.Logger
	cfg      Config
	demo     map[string]bool
	loc      *time.Location
	now      func() time.Time
}

func New(store storage.Store, l *ledger.Ledger, counter *sequence.Counter, pub events.Publisher, logger *slog.Logger, cfg Config, loc *time.Location, now func() time.Time) *Agent {
	def := DefaultConfig()
	if cfg.FallbackSchedule.Start == "" || cfg.FallbackSchedule.End == "" {
		cfg.FallbackSchedule = def.FallbackSchedule
	}
	if cfg.DefaultMorningOffset == 0 {
		cfg.DefaultMorningOffset = def.DefaultMorningOffset
	}
	if cfg.DefaultEveningOffset == 0 {
		cfg.DefaultEveningOffset = def.DefaultEveningOffset
	}
	if cfg.CollegeAddress == "" {
		cfg.CollegeAddress = def.CollegeAddress
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.Local
	}
	if now == nil {
		now = time.Now
	}
	demo := make(map[string]bool, len(cfg.DemoAccounts))
	for _, uid := range cfg.DemoAccounts {
		demo[uid] = true
	}
	return &Agent{
		store:    store,
		accounts: accounts.New(store),
		ledger:   l,
		counter:  counter,
		events:   pub,
		logger:   logger,
		cfg:      cfg,
		demo:     demo,
		loc:      loc,
		now:      now,
	}
}

// Override builds the eligibility policy for a run.
func (a *Agent) Override(uid string, force bool) EligibilityOverride {
	return EligibilityOverride{Force: force, Demo: a.demo[uid]}
}

func (a *Agent) Run(ctx context.Context, uid string, opts Options) Result {
	return a.RunWith(ctx, uid, a.Override(uid, opts.Force))
}

// RunWith books tomorrow's commute for uid and their team. It never
// returns an error; failures come back as Result.Error.
func (a *Agent) RunWith(ctx context.Context, uid string, o EligibilityOverride) Result {
	start := time.Now()
	res := a.run(ctx, uid, o)
	observability.AgentRunsTotal.WithLabelValues(res.outcome()).Inc()
	observability.AgentRunLatency.Observe(time.Since(start).Seconds())
	a.publishOutcome(ctx, uid, res)
	return res
}

func (a *Agent) run(ctx context.Context, uid string, o EligibilityOverride) Result {
	now := a.now().In(a.loc)
	target := now.AddDate(0, 0, 1)
	targetDate := target.Format(models.DateLayout)
	log := a.logger.With("uid", uid, "target_date", targetDate, "force", o.Force)

	if !o.skipGate() && now.Hour() < a.cfg.GateHour {
		return skipped(fmt.Sprintf("runs after %02d:00", a.cfg.GateHour))
	}

	existing, err := a.ledger.FindForPassengerOnDate(ctx, uid, targetDate)
	if err != nil {
		log.Warn("auto-booking pre-check failed", "error", err)
		return failed(err)
	}
	if len(existing) > 0 {
		log.Info("auto-booking skipped", "reason", ReasonAlreadyBooked)
		return skipped(ReasonAlreadyBooked)
	}

	acct, err := a.accounts.Get(ctx, uid)
	if err != nil {
		log.Warn("auto-booking profile load failed", "error", err)
		return failed(err)
	}

	if reason, ok := a.ineligible(acct, target, o); ok {
		log.Info("auto-booking skipped", "reason", reason)
		a.audit(ctx, targetDate, uid, models.AuditEntry{Action: models.AuditSkipped, Logs: []string{reason}})
		return skipped(reason)
	}

	var trace []string
	weekday := target.Weekday().String()
	sched, ok := lookupDay(acct.Timetable, weekday)
	if !ok {
		sched = a.cfg.FallbackSchedule
		trace = append(trace, fmt.Sprintf("no class on %s, using fallback schedule %s-%s", weekday, sched.Start, sched.End))
	}
	morning, evening, err := CommuteTimes(sched, a.offset(acct.AutoBooking.MorningOffset, a.cfg.DefaultMorningOffset), a.offset(acct.AutoBooking.EveningOffset, a.cfg.DefaultEveningOffset))
	if err != nil {
		log.Warn("auto-booking timetable invalid", "error", err)
		a.audit(ctx, targetDate, uid, models.AuditEntry{Action: models.AuditError, Logs: append(trace, err.Error())})
		return Result{Error: err.Error()}
	}
	trace = append(trace, fmt.Sprintf("%s classes %s-%s: morning pickup %s, evening return %s", weekday, sched.Start, sched.End, morning, evening))

	roster, rosterTrace := a.roster(ctx, acct, targetDate)
	trace = append(trace, rosterTrace...)

	p := plan{
		owner:      acct.UID,
		roster:     roster,
		targetDate: targetDate,
		morning:    morning,
		evening:    evening,
		now:        now,
	}
	booked, err := a.book(ctx, p, trace)
	if err != nil {
		log.Warn("auto-booking failed", "error", err)
		a.audit(ctx, targetDate, uid, models.AuditEntry{
			Action:      models.AuditError,
			MorningTime: morning.String(),
			EveningTime: evening.String(),
			TeamSize:    len(roster),
			Logs:        append(booked.logs, err.Error()),
		})
		return failed(err)
	}

	booked.reservation.Committed()
	observability.CreditsDebitedTotal.WithLabelValues("auto_booking").Add(float64(RoundTripCost * len(booked.passengers)))
	a.ledger.Announce(ctx, "agent", booked.morning, booked.evening)
	a.audit(ctx, targetDate, uid, models.AuditEntry{
		Action:      models.AuditBooked,
		MorningTime: morning.String(),
		EveningTime: evening.String(),
		TeamSize:    len(booked.passengers),
		Logs:        booked.logs,
	})
	msg := fmt.Sprintf("Booked %d rider(s) for %s: morning pickup %s (token #%d), evening return %s (token #%d)",
		len(booked.passengers), targetDate, morning, booked.morning.TokenNumber, evening, booked.evening.TokenNumber)
	log.Info("auto-booking complete", "passengers", len(booked.passengers), "morning_token", booked.morning.TokenNumber, "evening_token", booked.evening.TokenNumber)
	return Result{Success: true, Message: msg, RideIDs: []string{booked.morning.ID, booked.evening.ID}}
}

func skipped(reason string) Result { return Result{Skipped: true, Reason: reason} }

func (a *Agent) offset(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// ineligible applies the opt-in and calendar rules.
func (a *Agent) ineligible(acct *models.Account, target time.Time, o EligibilityOverride) (string, bool) {
	date := target.Format(models.DateLayout)
	if !o.skipOptIn() && !acct.AutoBooking.Enabled {
		return "auto-booking disabled", true
	}
	if !o.skipCalendar() {
		for _, h := range acct.Holidays {
			if h.Date == date {
				return "holiday: " + h.Name, true
			}
		}
		for _, l := range acct.Leaves {
			if l.Date == date {
				return "on leave: " + l.Reason, true
			}
		}
	}
	weekday := target.Weekday().String()
	if _, ok := lookupDay(acct.Timetable, weekday); !ok && !o.useFallback() {
		return "no class scheduled on " + weekday, true
	}
	return "", false
}

// roster is the rider plus their team, deduplicated, minus team members
// who already have a ride that day.
func (a *Agent) roster(ctx context.Context, acct *models.Account, date string) ([]models.TeamMember, []string) {
	self := models.TeamMember{UID: acct.UID, Name: acct.Name, Phone: acct.Phone}
	if home, ok := acct.HomeAddress(); ok {
		self.PickupAddress, self.Lat, self.Lng = home.Address, home.Lat, home.Lng
	}
	out := []models.TeamMember{self}
	seen := map[string]bool{acct.UID: true}
	var trace []string
	for _, m := range acct.Team {
		if m.UID == "" || seen[m.UID] {
			continue
		}
		seen[m.UID] = true
		rides, err := a.ledger.FindForPassengerOnDate(ctx, m.UID, date)
		if err != nil {
			trace = append(trace, fmt.Sprintf("excluded %s: booking lookup failed: %v", displayName(m), err))
			continue
		}
		if len(rides) > 0 {
			trace = append(trace, fmt.Sprintf("excluded %s: %s", displayName(m), ReasonAlreadyBooked))
			continue
		}
		out = append(out, m)
	}
	return out, trace
}

func displayName(m models.TeamMember) string {
	if m.Name != "" {
		return m.Name
	}
	return m.UID
}

type plan struct {
	owner      string
	roster     []models.TeamMember
	targetDate string
	morning    ClockTime
	evening    ClockTime
	now        time.Time
}

type booking struct {
	logs        []string
	passengers  []models.Passenger
	morning     *models.Ride
	evening     *models.Ride
	reservation *sequence.Reservation
}

type candidateRead struct {
	cached  models.TeamMember
	acct    *models.Account
	found   bool
	claimed bool
}

// book runs the single transaction. All reads (counter, then every
// candidate account and claim) happen before the first write.
func (a *Agent) book(ctx context.Context, p plan, trace []string) (booking, error) {
	var b booking
	err := a.store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		b = booking{logs: append([]string(nil), trace...)}

		res, err := a.counter.Reserve(ctx, tx, 2)
		if err != nil {
			return err
		}
		reads := make([]candidateRead, 0, len(p.roster))
		for _, c := range p.roster {
			acct, found, err := accounts.ReadTx(ctx, tx, c.UID)
			if err != nil {
				return err
			}
			claimed, err := claimedTx(ctx, tx, p.targetDate, c.UID)
			if err != nil {
				return err
			}
			reads = append(reads, candidateRead{cached: c, acct: acct, found: found, claimed: claimed})
		}

		var debited []*models.Account
		for _, r := range reads {
			name := displayName(r.cached)
			if !r.found {
				b.logs = append(b.logs, fmt.Sprintf("excluded %s: not found", name))
				continue
			}
			if r.acct.Name != "" {
				name = r.acct.Name
			}
			if r.claimed {
				b.logs = append(b.logs, fmt.Sprintf("excluded %s: %s", name, ReasonAlreadyBooked))
				continue
			}
			if r.acct.Credits < RoundTripCost {
				b.logs = append(b.logs, fmt.Sprintf("excluded %s: insufficient credits (%d < %d)", name, r.acct.Credits, RoundTripCost))
				continue
			}
			pickup, ok := pickupFor(r.acct, r.cached)
			if !ok {
				b.logs = append(b.logs, fmt.Sprintf("excluded %s: no pickup address", name))
				continue
			}
			before := r.acct.Credits
			if err := accounts.Debit(r.acct, RoundTripCost); err != nil {
				return err
			}
			debited = append(debited, r.acct)
			phone := r.acct.Phone
			if phone == "" {
				phone = r.cached.Phone
			}
			b.passengers = append(b.passengers, models.Passenger{
				UID:    r.acct.UID,
				Name:   name,
				Phone:  phone,
				Pickup: pickup.Address,
				Lat:    pickup.Lat,
				Lng:    pickup.Lng,
				Status: string(models.StatusConfirmed),
			})
			b.logs = append(b.logs, fmt.Sprintf("included %s: pickup %q, credits %d -> %d", name, pickup.Address, before, r.acct.Credits))
		}
		if len(b.passengers) == 0 {
			return ErrNoValidPassengers
		}

		waypoints := Waypoints(b.passengers)
		points := make([]models.Coord, 0, len(waypoints)+1)
		for _, w := range waypoints {
			points = append(points, models.Coord{Lat: w.Lat, Lng: w.Lng})
		}
		points = append(points, a.cfg.CollegeCoords)
		b.logs = append(b.logs, fmt.Sprintf("route %d stop(s), ~%.1f km to campus", len(waypoints), geo.RouteMeters(points...)/1000))

		b.morning, b.evening = a.commuteRides(p, b.passengers, waypoints, res)
		b.reservation = res

		if err := res.Write(tx); err != nil {
			return err
		}
		for _, acct := range debited {
			if err := accounts.WriteTx(tx, acct); err != nil {
				return err
			}
		}
		rideIDs := []string{b.morning.ID, b.evening.ID}
		for _, ps := range b.passengers {
			if err := tx.Set(claimRef(p.targetDate, ps.UID), claim{RideIDs: rideIDs, Owner: p.owner}); err != nil {
				return err
			}
		}
		if err := ledger.CreateTx(tx, b.morning); err != nil {
			return err
		}
		return ledger.CreateTx(tx, b.evening)
	})
	return b, err
}

// pickupFor prefers the live Home address and falls back to the cached
// team snapshot.
func pickupFor(acct *models.Account, cached models.TeamMember) (models.SavedAddress, bool) {
	if home, ok := acct.HomeAddress(); ok && strings.TrimSpace(home.Address) != "" {
		return home, true
	}
	if strings.TrimSpace(cached.PickupAddress) != "" {
		return models.SavedAddress{Label: "cached", Type: models.AddressHome, Address: cached.PickupAddress, Lat: cached.Lat, Lng: cached.Lng}, true
	}
	return models.SavedAddress{}, false
}

// Waypoints collapses passengers sharing a pickup address into one stop,
// keeping first-seen order. A shared stop is labelled with every name.
func Waypoints(passengers []models.Passenger) []models.Waypoint {
	var out []models.Waypoint
	index := map[string]int{}
	for _, p := range passengers {
		key := strings.ToLower(strings.Join(strings.Fields(p.Pickup), " "))
		if i, ok := index[key]; ok {
			out[i].Label += ", " + p.Name
			continue
		}
		index[key] = len(out)
		out = append(out, models.Waypoint{Address: p.Pickup, Lat: p.Lat, Lng: p.Lng, Label: p.Name})
	}
	return out
}

func (a *Agent) commuteRides(p plan, passengers []models.Passenger, waypoints []models.Waypoint, res *sequence.Reservation) (*models.Ride, *models.Ride) {
	uids := make([]string, len(passengers))
	for i, ps := range passengers {
		uids[i] = ps.UID
	}
	stops := make([]string, len(waypoints))
	for i, w := range waypoints {
		stops[i] = w.Address
	}
	homeSide := strings.Join(stops, " -> ")
	homeCoords := &models.Coord{Lat: waypoints[0].Lat, Lng: waypoints[0].Lng}
	college := a.cfg.CollegeCoords
	createdAt := p.now.Format(time.RFC3339)

	base := models.Ride{
		StudentID:     p.owner,
		PassengerUIDs: uids,
		Passengers:    passengers,
		IsGroupRide:   len(passengers) > 1,
		Waypoints:     waypoints,
		RideType:      models.RideScheduled,
		ScheduledDate: p.targetDate,
		PaymentMode:   models.PayCredits,
		Status:        models.StatusPending,
		CreatedAt:     createdAt,
		IsAutoBooked:  true,
	}
	morning := base
	morning.ID = uuid.NewString()
	morning.Pickup, morning.Drop = homeSide, a.cfg.CollegeAddress
	morning.PickupCoords, morning.DropCoords = homeCoords, &college
	morning.ScheduledTime = p.morning.String()
	morning.TokenNumber = res.First
	morning.TripType = models.TripMorningCommute

	evening := base
	evening.ID = uuid.NewString()
	evening.Pickup, evening.Drop = a.cfg.CollegeAddress, homeSide
	evening.PickupCoords, evening.DropCoords = &college, homeCoords
	evening.ScheduledTime = p.evening.String()
	evening.TokenNumber = res.Last
	evening.TripType = models.TripEveningReturn
	return &morning, &evening
}

func (a *Agent) publishOutcome(ctx context.Context, uid string, res Result) {
	detail := res.Message
	if res.Skipped {
		detail = res.Reason
	} else if res.Error != "" {
		detail = res.Error
	}
	e := events.Event{Type: events.AgentRun, UID: uid, Outcome: res.outcome(), Detail: detail, At: a.now().Format(time.RFC3339)}
	if err := a.events.Publish(ctx, e); err != nil {
		a.logger.Warn("event publish failed", "type", events.AgentRun, "uid", uid, "error", err)
	}
}
