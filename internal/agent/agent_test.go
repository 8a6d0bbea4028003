package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/campus-rides/internal/accounts"
	"github.com/example/campus-rides/internal/events"
	"github.com/example/campus-rides/internal/ledger"
	"github.com/example/campus-rides/internal/logging"
	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/sequence"
	"github.com/example/campus-rides/internal/storage"
)

var ist = time.FixedZone("IST", 5*3600+1800)

// spyStore counts reads per collection and can fail transactional writes.
type spyStore struct {
	storage.Store
	mu      sync.Mutex
	reads   map[string]int
	failSet func(ref storage.Ref) error
}

func (s *spyStore) record(ref storage.Ref) {
	s.mu.Lock()
	s.reads[ref.Collection]++
	s.mu.Unlock()
}

func (s *spyStore) readsOf(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[collection]
}

func (s *spyStore) Get(ctx context.Context, ref storage.Ref, dst any) (bool, error) {
	s.record(ref)
	return s.Store.Get(ctx, ref, dst)
}

func (s *spyStore) RunTransaction(ctx context.Context, fn storage.TxFunc) error {
	return s.Store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		return fn(ctx, &spyTx{Tx: tx, s: s})
	})
}

type spyTx struct {
	storage.Tx
	s *spyStore
}

func (t *spyTx) Get(ctx context.Context, ref storage.Ref, dst any) (bool, error) {
	t.s.record(ref)
	return t.Tx.Get(ctx, ref, dst)
}

func (t *spyTx) Set(ref storage.Ref, v any) error {
	if t.s.failSet != nil {
		if err := t.s.failSet(ref); err != nil {
			return err
		}
	}
	return t.Tx.Set(ref, v)
}

type harness struct {
	store  *spyStore
	agent  *Agent
	ledger *ledger.Ledger
	events *events.Recorder
}

func newHarness(t *testing.T, now time.Time, cfg Config) *harness {
	t.Helper()
	mem := storage.NewMemoryStore(storage.RetryPolicy{MaxAttempts: 5, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
	st := &spyStore{Store: mem, reads: map[string]int{}}
	clock := func() time.Time { return now }
	rec := &events.Recorder{}
	l := ledger.New(st, rec, logging.Discard(), clock)
	counter := sequence.New(st, "global_tokens", ist, clock)
	return &harness{
		store:  st,
		agent:  New(st, l, counter, rec, logging.Discard(), cfg, ist, clock),
		ledger: l,
		events: rec,
	}
}

func (h *harness) seed(t *testing.T, accts ...models.Account) {
	t.Helper()
	for i := range accts {
		if err := h.store.Store.Set(context.Background(), accounts.Ref(accts[i].UID), accts[i]); err != nil {
			t.Fatalf("seed account: %v", err)
		}
	}
}

func (h *harness) balance(t *testing.T, uid string) int {
	t.Helper()
	a, err := accounts.New(h.store.Store).Get(context.Background(), uid)
	if err != nil {
		t.Fatalf("get account %s: %v", uid, err)
	}
	return a.Credits
}

func (h *harness) rides(t *testing.T) []models.Ride {
	t.Helper()
	snaps, err := h.store.Store.Query(context.Background(), ledger.Collection)
	if err != nil {
		t.Fatalf("query rides: %v", err)
	}
	out := make([]models.Ride, len(snaps))
	for i, s := range snaps {
		if err := s.Decode(&out[i]); err != nil {
			t.Fatalf("decode ride: %v", err)
		}
	}
	return out
}

func home(addr string, lat, lng float64) []models.SavedAddress {
	return []models.SavedAddress{{Label: "Home", Type: models.AddressHome, Address: addr, Lat: lat, Lng: lng}}
}

func rider(uid string, credits int) models.Account {
	return models.Account{
		UID:            uid,
		Name:           strings.ToUpper(uid),
		Credits:        credits,
		AutoBooking:    models.AutoBooking{Enabled: true},
		Timetable:      map[string]models.ClassTimes{"Monday": {Start: "09:00 AM", End: "04:00 PM"}, "Tuesday": {Start: "10:00 AM", End: "03:00 PM"}},
		SavedAddresses: home(uid+" street", 13.0+float64(credits)/100, 80.2),
	}
}

// Sunday 2024-01-07 21:00, so tomorrow is Monday 2024-01-08.
var sundayNight = time.Date(2024, 1, 7, 21, 0, 0, 0, ist)

func TestRunBooksMorningAndEveningLegs(t *testing.T) {
	h := newHarness(t, sundayNight, Config{CollegeAddress: "Campus", CollegeCoords: models.Coord{Lat: 12.9, Lng: 80.1}, GateHour: 20})
	h.seed(t, rider("s1", 6))

	res := h.agent.Run(context.Background(), "s1", Options{})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	rides := h.rides(t)
	if len(rides) != 2 {
		t.Fatalf("expected 2 rides, got %d", len(rides))
	}
	byTrip := map[models.TripType]models.Ride{}
	for _, r := range rides {
		byTrip[r.TripType] = r
	}
	m, e := byTrip[models.TripMorningCommute], byTrip[models.TripEveningReturn]
	if m.ScheduledTime != "08:30 AM" || e.ScheduledTime != "04:15 PM" {
		t.Fatalf("expected 08:30 AM / 04:15 PM, got %s / %s", m.ScheduledTime, e.ScheduledTime)
	}
	if m.ScheduledDate != "2024-01-08" || e.ScheduledDate != "2024-01-08" {
		t.Fatalf("expected rides for 2024-01-08, got %s / %s", m.ScheduledDate, e.ScheduledDate)
	}
	if m.TokenNumber != 1 || e.TokenNumber != 2 {
		t.Fatalf("expected consecutive tokens 1,2 got %d,%d", m.TokenNumber, e.TokenNumber)
	}
	if m.Pickup != "s1 street" || m.Drop != "Campus" || e.Pickup != "Campus" || e.Drop != "s1 street" {
		t.Fatalf("unexpected legs: morning %s->%s evening %s->%s", m.Pickup, m.Drop, e.Pickup, e.Drop)
	}
	for _, r := range rides {
		if !r.IsAutoBooked || r.Status != models.StatusPending || r.PaymentMode != models.PayCredits || r.IsGroupRide {
			t.Fatalf("unexpected ride flags %+v", r)
		}
	}
	if got := h.balance(t, "s1"); got != 4 {
		t.Fatalf("expected balance 4, got %d", got)
	}
	entry, found, err := h.agent.AuditEntry(context.Background(), "2024-01-08", "s1")
	if err != nil || !found {
		t.Fatalf("expected audit entry, found=%v err=%v", found, err)
	}
	if entry.Action != models.AuditBooked || entry.MorningTime != "08:30 AM" || entry.EveningTime != "04:15 PM" || entry.TeamSize != 1 {
		t.Fatalf("unexpected audit entry %+v", entry)
	}
	if h.events.Count(events.RideCreated) != 2 || h.events.Count(events.AgentRun) != 1 {
		t.Fatalf("expected 2 ride.created and 1 agent.run events, got %+v", h.events.Events())
	}
}

func TestRunPoolsTeamAndExcludesBrokeMember(t *testing.T) {
	h := newHarness(t, sundayNight, Config{GateHour: 20})
	owner := rider("s1", 5)
	owner.Team = []models.TeamMember{{UID: "s2", Name: "S2"}, {UID: "s3", Name: "S3"}}
	h.seed(t, owner, rider("s2", 1), rider("s3", 10))

	res := h.agent.Run(context.Background(), "s1", Options{})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	for uid, want := range map[string]int{"s1": 3, "s2": 1, "s3": 8} {
		if got := h.balance(t, uid); got != want {
			t.Fatalf("balance %s: expected %d, got %d", uid, want, got)
		}
	}
	rides := h.rides(t)
	if len(rides) != 2 {
		t.Fatalf("expected 2 rides, got %d", len(rides))
	}
	for _, r := range rides {
		if len(r.Passengers) != 2 || !r.IsGroupRide {
			t.Fatalf("expected group ride with 2 passengers, got %+v", r)
		}
		if !r.HasPassenger("s1") || !r.HasPassenger("s3") || r.HasPassenger("s2") {
			t.Fatalf("unexpected passenger uids %v", r.PassengerUIDs)
		}
	}
	entry, _, _ := h.agent.AuditEntry(context.Background(), "2024-01-08", "s1")
	if !containsLine(entry.Logs, "excluded S2: insufficient credits") {
		t.Fatalf("expected exclusion reason in trace, got %v", entry.Logs)
	}
}

func TestRunUsesLiveHomeAddressOverCachedTeamData(t *testing.T) {
	h := newHarness(t, sundayNight, Config{GateHour: 20})
	owner := rider("s1", 5)
	owner.Team = []models.TeamMember{{UID: "s2", Name: "S2", PickupAddress: "old hostel"}}
	mate := rider("s2", 5)
	mate.SavedAddresses = append(home("first home", 1, 1), home("new flat", 13.1, 80.3)...)
	h.seed(t, owner, mate)

	if res := h.agent.Run(context.Background(), "s1", Options{}); !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	for _, p := range h.rides(t)[0].Passengers {
		if p.UID == "s2" && p.Pickup != "new flat" {
			t.Fatalf("expected latest Home address, got %q", p.Pickup)
		}
	}
}

func TestRunFallsBackToCachedPickupAndExcludesAddressless(t *testing.T) {
	h := newHarness(t, sundayNight, Config{GateHour: 20})
	owner := rider("s1", 5)
	owner.Team = []models.TeamMember{{UID: "s2", Name: "S2", PickupAddress: "cached lane"}, {UID: "s3", Name: "S3"}}
	s2, s3 := rider("s2", 5), rider("s3", 5)
	s2.SavedAddresses, s3.SavedAddresses = nil, nil
	h.seed(t, owner, s2, s3)

	if res := h.agent.Run(context.Background(), "s1", Options{}); !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	r := h.rides(t)[0]
	if !r.HasPassenger("s2") || r.HasPassenger("s3") {
		t.Fatalf("unexpected passengers %v", r.PassengerUIDs)
	}
	if got := h.balance(t, "s3"); got != 5 {
		t.Fatalf("addressless member must not be debited, got %d", got)
	}
}

func TestWaypointsMergeSharedPickup(t *testing.T) {
	wps := Waypoints([]models.Passenger{
		{Name: "A", Pickup: "Hostel Gate"},
		{Name: "B", Pickup: "Lake Road"},
		{Name: "C", Pickup: "hostel  gate"},
	})
	if len(wps) != 2 {
		t.Fatalf("expected 2 waypoints, got %+v", wps)
	}
	if wps[0].Label != "A, C" || wps[1].Label != "B" {
		t.Fatalf("unexpected labels %+v", wps)
	}
}

func TestRunSkipsHoliday(t *testing.T) {
	now := time.Date(2024, 1, 1, 21, 0, 0, 0, ist)
	h := newHarness(t, now, Config{GateHour: 20})
	a := rider("s1", 5)
	a.Holidays = []models.Holiday{{Date: "2024-01-02", Name: "Republic Day"}}
	h.seed(t, a)

	res := h.agent.Run(context.Background(), "s1", Options{})
	if !res.Skipped || !strings.Contains(res.Reason, "Republic Day") {
		t.Fatalf("expected holiday skip, got %+v", res)
	}
	if h.store.readsOf(sequence.Collection) != 0 || len(h.rides(t)) != 0 {
		t.Fatalf("holiday skip must not touch the counter or create rides")
	}
	if got := h.balance(t, "s1"); got != 5 {
		t.Fatalf("expected balance untouched, got %d", got)
	}
}

func TestRunSkipsLeaveDay(t *testing.T) {
	h := newHarness(t, sundayNight, Config{GateHour: 20})
	a := rider("s1", 5)
	a.Leaves = []models.Leave{{Date: "2024-01-08", Reason: "family function"}}
	h.seed(t, a)

	res := h.agent.Run(context.Background(), "s1", Options{})
	if !res.Skipped || !strings.Contains(res.Reason, "family function") {
		t.Fatalf("expected leave skip, got %+v", res)
	}
}

func TestRunAlreadyBookedSkipsWithoutProfileRead(t *testing.T) {
	h := newHarness(t, sundayNight, Config{GateHour: 20})
	h.seed(t, rider("s1", 5))
	existing := models.Ride{ID: "r0", StudentID: "s9", PassengerUIDs: []string{"s9", "s1"}, ScheduledDate: "2024-01-08", Status: models.StatusPending}
	if err := h.store.Store.Set(context.Background(), ledger.Ref("r0"), existing); err != nil {
		t.Fatalf("seed ride: %v", err)
	}

	res := h.agent.Run(context.Background(), "s1", Options{})
	if !res.Skipped || res.Reason != ReasonAlreadyBooked {
		t.Fatalf("expected already booked, got %+v", res)
	}
	if n := h.store.readsOf(accounts.Collection); n != 0 {
		t.Fatalf("expected no profile reads, got %d", n)
	}
}

func TestRunTwiceIsIdempotent(t *testing.T) {
	h := newHarness(t, sundayNight, Config{GateHour: 20})
	h.seed(t, rider("s1", 9))

	if res := h.agent.Run(context.Background(), "s1", Options{}); !res.Success {
		t.Fatalf("first run: %+v", res)
	}
	res := h.agent.Run(context.Background(), "s1", Options{})
	if !res.Skipped || res.Reason != ReasonAlreadyBooked {
		t.Fatalf("expected second run skipped, got %+v", res)
	}
	if got := h.balance(t, "s1"); got != 7 {
		t.Fatalf("expected one debit, balance %d", got)
	}
	if len(h.rides(t)) != 2 {
		t.Fatalf("expected 2 rides after two runs")
	}
}

func TestRunExcludesTeamMemberAlreadyBooked(t *testing.T) {
	h := newHarness(t, sundayNight, Config{GateHour: 20})
	owner := rider("s1", 5)
	owner.Team = []models.TeamMember{{UID: "s2", Name: "S2"}}
	h.seed(t, owner, rider("s2", 5))

	if res := h.agent.Run(context.Background(), "s2", Options{}); !res.Success {
		t.Fatalf("s2 run: %+v", res)
	}
	res := h.agent.Run(context.Background(), "s1", Options{})
	if !res.Success {
		t.Fatalf("s1 run: %+v", res)
	}
	if got := h.balance(t, "s2"); got != 3 {
		t.Fatalf("s2 must be debited once, got %d", got)
	}
	entry, _, _ := h.agent.AuditEntry(context.Background(), "2024-01-08", "s1")
	if entry.TeamSize != 1 || !containsLine(entry.Logs, "excluded S2: already booked") {
		t.Fatalf("unexpected audit entry %+v", entry)
	}
}

func TestRunExcludesClaimedCandidate(t *testing.T) {
	h := newHarness(t, sundayNight, Config{GateHour: 20})
	owner := rider("s1", 5)
	owner.Team = []models.TeamMember{{UID: "s2", Name: "S2"}}
	h.seed(t, owner, rider("s2", 5))
	if err := h.store.Store.Set(context.Background(), claimRef("2024-01-08", "s2"), claim{Owner: "s7"}); err != nil {
		t.Fatalf("seed claim: %v", err)
	}

	if res := h.agent.Run(context.Background(), "s1", Options{}); !res.Success {
		t.Fatalf("run: %+v", res)
	}
	if got := h.balance(t, "s2"); got != 5 {
		t.Fatalf("claimed rider must not be debited, got %d", got)
	}
}

func TestRunWithNoQualifyingPassengerFails(t *testing.T) {
	h := newHarness(t, sundayNight, Config{GateHour: 20})
	h.seed(t, rider("s1", 1))

	res := h.agent.Run(context.Background(), "s1", Options{})
	if res.Success || res.Skipped || !strings.Contains(res.Error, "no valid passengers") {
		t.Fatalf("expected no-valid-passengers error, got %+v", res)
	}
	if res.Retryable {
		t.Fatalf("an empty roster must not be retried")
	}
	if len(h.rides(t)) != 0 {
		t.Fatalf("expected no rides")
	}
	if got := h.balance(t, "s1"); got != 1 {
		t.Fatalf("expected balance untouched, got %d", got)
	}
	counter, err := sequence.New(h.store.Store, "global_tokens", ist, nil).Current(context.Background())
	if err != nil || counter.Count != 0 {
		t.Fatalf("expected no tokens consumed, got %+v err=%v", counter, err)
	}
	entry, _, _ := h.agent.AuditEntry(context.Background(), "2024-01-08", "s1")
	if entry == nil || entry.Action != models.AuditError {
		t.Fatalf("expected error audit entry, got %+v", entry)
	}
}

func TestRunFailureAfterDebitLeavesBalancesUnchanged(t *testing.T) {
	h := newHarness(t, sundayNight, Config{GateHour: 20})
	owner := rider("s1", 5)
	owner.Team = []models.TeamMember{{UID: "s2", Name: "S2"}}
	h.seed(t, owner, rider("s2", 4))
	boom := errors.New("disk full")
	h.store.failSet = func(ref storage.Ref) error {
		if ref.Collection == ledger.Collection {
			return boom
		}
		return nil
	}

	res := h.agent.Run(context.Background(), "s1", Options{})
	if !strings.Contains(res.Error, "disk full") || !res.Retryable {
		t.Fatalf("expected retryable write failure, got %+v", res)
	}
	if h.balance(t, "s1") != 5 || h.balance(t, "s2") != 4 {
		t.Fatalf("balances changed after failed transaction")
	}
	if len(h.rides(t)) != 0 {
		t.Fatalf("expected no rides")
	}
}

func TestRunBeforeGateSkipsUnlessForced(t *testing.T) {
	afternoon := time.Date(2024, 1, 7, 15, 0, 0, 0, ist)
	h := newHarness(t, afternoon, Config{GateHour: 20})
	a := rider("s1", 5)
	a.AutoBooking.Enabled = false
	a.Timetable = nil
	h.seed(t, a)

	res := h.agent.Run(context.Background(), "s1", Options{})
	if !res.Skipped || !strings.Contains(res.Reason, "20:00") {
		t.Fatalf("expected gate skip, got %+v", res)
	}
	res = h.agent.Run(context.Background(), "s1", Options{Force: true})
	if !res.Success {
		t.Fatalf("forced run should book with the fallback schedule, got %+v", res)
	}
	for _, r := range h.rides(t) {
		if r.TripType == models.TripMorningCommute && r.ScheduledTime != "08:30 AM" {
			t.Fatalf("expected fallback morning 08:30 AM, got %s", r.ScheduledTime)
		}
	}
}

func TestRunNoClassSkipsUnlessDemoAccount(t *testing.T) {
	fridayNight := time.Date(2024, 1, 5, 21, 0, 0, 0, ist)
	h := newHarness(t, fridayNight, Config{GateHour: 20, DemoAccounts: []string{"judge"}})
	h.seed(t, rider("s1", 5), rider("judge", 5))

	res := h.agent.Run(context.Background(), "s1", Options{})
	if !res.Skipped || !strings.Contains(res.Reason, "Saturday") {
		t.Fatalf("expected no-class skip, got %+v", res)
	}
	if res := h.agent.Run(context.Background(), "judge", Options{}); !res.Success {
		t.Fatalf("demo account should book with fallback, got %+v", res)
	}
}

func TestRunSkipsWhenOptedOut(t *testing.T) {
	h := newHarness(t, sundayNight, Config{GateHour: 20})
	a := rider("s1", 5)
	a.AutoBooking.Enabled = false
	h.seed(t, a)

	res := h.agent.Run(context.Background(), "s1", Options{})
	if !res.Skipped || res.Reason != "auto-booking disabled" {
		t.Fatalf("expected opt-out skip, got %+v", res)
	}
}

func TestRunMissingProfileIsHandledError(t *testing.T) {
	h := newHarness(t, sundayNight, Config{GateHour: 20})
	res := h.agent.Run(context.Background(), "ghost", Options{})
	if res.Error == "" {
		t.Fatalf("expected handled error, got %+v", res)
	}
}

func TestRunRejectsPickupBeforeMidnight(t *testing.T) {
	h := newHarness(t, sundayNight, Config{GateHour: 20})
	a := rider("s1", 5)
	a.Timetable["Monday"] = models.ClassTimes{Start: "12:10 AM", End: "04:00 PM"}
	h.seed(t, a)

	res := h.agent.Run(context.Background(), "s1", Options{})
	if res.Success || !strings.Contains(res.Error, "crosses midnight") {
		t.Fatalf("expected midnight error, got %+v", res)
	}
	if len(h.rides(t)) != 0 {
		t.Fatalf("expected no rides")
	}
	if got := h.balance(t, "s1"); got != 5 {
		t.Fatalf("expected balance untouched, got %d", got)
	}
}

func TestRunHonorsCustomOffsets(t *testing.T) {
	h := newHarness(t, sundayNight, Config{GateHour: 20})
	a := rider("s1", 5)
	m, e := 45, 0
	a.AutoBooking.MorningOffset, a.AutoBooking.EveningOffset = &m, &e
	h.seed(t, a)

	if res := h.agent.Run(context.Background(), "s1", Options{}); !res.Success {
		t.Fatalf("run: %+v", res)
	}
	for _, r := range h.rides(t) {
		if r.TripType == models.TripMorningCommute && r.ScheduledTime != "08:15 AM" {
			t.Fatalf("expected 08:15 AM, got %s", r.ScheduledTime)
		}
		if r.TripType == models.TripEveningReturn && r.ScheduledTime != "04:00 PM" {
			t.Fatalf("expected 04:00 PM, got %s", r.ScheduledTime)
		}
	}
}

func TestBookedAuditEntryIsFinal(t *testing.T) {
	h := newHarness(t, sundayNight, Config{GateHour: 20})
	ctx := context.Background()
	h.agent.audit(ctx, "2024-01-08", "s1", models.AuditEntry{Action: models.AuditSkipped, Logs: []string{"first"}})
	h.agent.audit(ctx, "2024-01-08", "s1", models.AuditEntry{Action: models.AuditBooked, TeamSize: 2})
	h.agent.audit(ctx, "2024-01-08", "s1", models.AuditEntry{Action: models.AuditError, Logs: []string{"late"}})

	entry, _, err := h.agent.AuditEntry(ctx, "2024-01-08", "s1")
	if err != nil || entry.Action != models.AuditBooked || entry.TeamSize != 2 {
		t.Fatalf("expected booked entry to survive, got %+v err=%v", entry, err)
	}
}

func TestResetAllowsRebooking(t *testing.T) {
	h := newHarness(t, sundayNight, Config{GateHour: 20})
	owner := rider("s1", 8)
	owner.Team = []models.TeamMember{{UID: "s2", Name: "S2"}}
	h.seed(t, owner, rider("s2", 8))
	ctx := context.Background()

	if res := h.agent.Run(ctx, "s1", Options{}); !res.Success {
		t.Fatalf("run: %+v", res)
	}
	out, err := h.agent.Reset(ctx, "s1")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(out.DeletedRides) != 2 || !out.AuditDeleted || out.TargetDate != "2024-01-08" {
		t.Fatalf("unexpected reset result %+v", out)
	}
	if len(h.rides(t)) != 0 {
		t.Fatalf("expected rides deleted")
	}
	if _, found, _ := h.agent.AuditEntry(ctx, "2024-01-08", "s1"); found {
		t.Fatalf("expected audit entry deleted")
	}
	if h.events.Count(events.RideDeleted) != 2 {
		t.Fatalf("expected 2 ride.deleted events")
	}
	res := h.agent.Run(ctx, "s1", Options{})
	if !res.Success {
		t.Fatalf("expected rebooking after reset, got %+v", res)
	}
	if h.balance(t, "s2") != 4 {
		t.Fatalf("expected second debit for s2 with no refund, got %d", h.balance(t, "s2"))
	}
}

func containsLine(lines []string, prefix string) bool {
	for _, l := range lines {
		if strings.HasPrefix(l, prefix) {
			return true
		}
	}
	return false
}
