package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/campus-rides/internal/accounts"
	"github.com/example/campus-rides/internal/agent"
	"github.com/example/campus-rides/internal/booking"
	"github.com/example/campus-rides/internal/dispatch"
	"github.com/example/campus-rides/internal/events"
	"github.com/example/campus-rides/internal/ledger"
	"github.com/example/campus-rides/internal/matcher"
	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/storage"
	"github.com/example/campus-rides/internal/tracker"
)

// AgentQueue hands agent runs to a worker instead of running them in the
// request.
type AgentQueue interface {
	EnqueueAgentRun(ctx context.Context, job events.AgentJob) error
}

// Deps are the services the API fronts. TopUps and Queue are optional.
type Deps struct {
	Ledger   *ledger.Ledger
	Booking  *booking.Service
	Tracker  *tracker.Tracker
	Agent    *agent.Agent
	Accounts *accounts.Store
	TopUps   *accounts.TopUps
	Hub      *dispatch.Hub
	Matcher  *matcher.Service
	Queue    AgentQueue
	Logger   *slog.Logger
	Location *time.Location
	Now      func() time.Time
}

type Server struct {
	Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if d.Location == nil {
		d.Location = time.Local
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	s := &Server{Deps: d, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides", s.handleBook).Methods("POST")
	api.HandleFunc("/rides", s.handleListRides).Methods("GET")
	api.HandleFunc("/rides/pending", s.handlePendingNear).Methods("GET")
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{id}/accept", s.handleAccept).Methods("POST")
	api.HandleFunc("/rides/{id}/complete", s.handleComplete).Methods("POST")
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods("POST")

	api.HandleFunc("/tokens", s.handleIssueToken).Methods("POST")
	api.HandleFunc("/serving-token", s.handleServingToken).Methods("GET")

	api.HandleFunc("/agent/run/{uid}", s.handleAgentRun).Methods("POST")
	api.HandleFunc("/agent/logs/{uid}", s.handleAgentLog).Methods("GET")
	api.HandleFunc("/agent/state/{uid}", s.handleAgentReset).Methods("DELETE")

	api.HandleFunc("/accounts/{uid}", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/accounts/{uid}", s.handlePutAccount).Methods("PUT")
	api.HandleFunc("/accounts/{uid}/topups", s.handleStartTopUp).Methods("POST")
	api.HandleFunc("/topups/{id}/capture", s.handleCaptureTopUp).Methods("POST")
	api.HandleFunc("/topups/{id}/cancel", s.handleCancelTopUp).Methods("POST")

	s.mux.HandleFunc("/ws/serving-token", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	var req booking.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	ride, err := s.Booking.Book(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		rides []models.Ride
		err   error
	)
	if uid := q.Get("passenger"); uid != "" {
		date := q.Get("date")
		if date == "" {
			date = s.Now().In(s.Location).Format(models.DateLayout)
		}
		rides, err = s.Ledger.FindForPassengerOnDate(r.Context(), uid, date)
	} else {
		statuses := []models.RideStatus{models.StatusPending}
		if v := q["status"]; len(v) > 0 {
			statuses = statuses[:0]
			for _, st := range v {
				statuses = append(statuses, models.RideStatus(st))
			}
		}
		rides, err = s.Ledger.ListByStatus(r.Context(), statuses...)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": rides})
}

// handlePendingNear is the driver feed: open rides ranked by pickup ETA
// from ?lat=&lng=.
func (s *Server) handlePendingNear(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var pos models.Coord
	if q.Get("lat") != "" || q.Get("lng") != "" {
		lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
		lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
		if errLat != nil || errLng != nil {
			http.Error(w, "lat and lng must be numbers", 400)
			return
		}
		pos = models.Coord{Lat: lat, Lng: lng}
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	m := s.Matcher
	if m == nil {
		m = &matcher.Service{Rides: s.Ledger}
	}
	offers, err := m.PendingNear(r.Context(), pos, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": offers})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Ledger.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var d ledger.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	ride, err := s.Ledger.Accept(r.Context(), mux.Vars(r)["id"], d)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Ledger.Complete(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Ledger.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.Booking.IssueToken(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"token": token})
}

func (s *Server) handleServingToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.Tracker.Current(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*int{"token": token})
}

func (s *Server) handleAgentRun(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["uid"]
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async && s.Queue != nil {
		job := events.AgentJob{UID: uid, Force: force, RequestedAt: s.Now().UTC().Format(time.RFC3339)}
		if err := s.Queue.EnqueueAgentRun(r.Context(), job); err != nil {
			s.logger.Error("agent enqueue failed", "uid", uid, "error", err)
			http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
		return
	}
	writeJSON(w, http.StatusOK, s.Agent.Run(r.Context(), uid, agent.Options{Force: force}))
}

func (s *Server) handleAgentLog(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["uid"]
	date := r.URL.Query().Get("date")
	if date == "" {
		date = s.Now().In(s.Location).AddDate(0, 0, 1).Format(models.DateLayout)
	}
	entry, found, err := s.Agent.AuditEntry(r.Context(), date, uid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !found {
		http.Error(w, "no agent log for "+date, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleAgentReset(w http.ResponseWriter, r *http.Request) {
	out, err := s.Agent.Reset(r.Context(), mux.Vars(r)["uid"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.Accounts.Get(r.Context(), mux.Vars(r)["uid"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handlePutAccount(w http.ResponseWriter, r *http.Request) {
	var a models.Account
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	a.UID = mux.Vars(r)["uid"]
	if err := s.Accounts.Put(r.Context(), &a); err != nil {
		s.writeError(w, r, err)
		return
	}
	stored, err := s.Accounts.Get(r.Context(), a.UID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleStartTopUp(w http.ResponseWriter, r *http.Request) {
	if s.TopUps == nil {
		http.Error(w, "payments not configured", http.StatusServiceUnavailable)
		return
	}
	var body struct {
		Credits int `json:"credits"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	tu, err := s.TopUps.Start(r.Context(), mux.Vars(r)["uid"], body.Credits)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tu)
}

func (s *Server) handleCaptureTopUp(w http.ResponseWriter, r *http.Request) {
	if s.TopUps == nil {
		http.Error(w, "payments not configured", http.StatusServiceUnavailable)
		return
	}
	tu, err := s.TopUps.Complete(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tu)
}

func (s *Server) handleCancelTopUp(w http.ResponseWriter, r *http.Request) {
	if s.TopUps == nil {
		http.Error(w, "payments not configured", http.StatusServiceUnavailable)
		return
	}
	if err := s.TopUps.Cancel(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

// handleWS streams serving-token updates until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	id := newID()
	if err := s.Hub.Add(id, conn); err != nil {
		s.logger.Warn("ws initial send failed", "session", id, "error", err)
		return
	}
	defer s.Hub.Remove(id)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, booking.ErrInvalidRequest),
		errors.Is(err, ledger.ErrDriverRequired),
		errors.Is(err, accounts.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, accounts.ErrInsufficientCredits),
		errors.Is(err, booking.ErrSubscriptionInactive):
		return http.StatusPaymentRequired
	case errors.Is(err, ledger.ErrRideNotFound),
		errors.Is(err, accounts.ErrAccountNotFound),
		errors.Is(err, accounts.ErrTopUpNotFound),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrRideNotPending),
		errors.Is(err, ledger.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, storage.ErrContention):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
