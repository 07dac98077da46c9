package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-session/internal/device"
	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/presenter"
	"github.com/example/ride-session/internal/session"
)

// Session is the command surface of the orchestrator.
type Session interface {
	SignIn(ctx context.Context, uid string) error
	SignOut(ctx context.Context) error
	ActivateSearch(ctx context.Context) error
	Search(ctx context.Context, query string) (uint64, error)
	SelectDestination(ctx context.Context, index int) error
	PressActionButton(ctx context.Context) error
	RequestTrip(ctx context.Context) (models.Trip, error)
	AcceptTrip(ctx context.Context, tripID string) (models.Trip, error)
	CompleteTrip(ctx context.Context) (models.Trip, error)
	EnsureLocationPermission(ctx context.Context) error
	Snapshot(ctx context.Context) (session.Snapshot, error)
}

// DriverSink accepts reported driver positions, either straight into the
// geo store or onto the location topic.
type DriverSink func(ctx context.Context, p models.DriverPosition) error

type Server struct {
	Session Session
	Device  *device.Simulator
	WSReg   *presenter.WSRegistry
	Recent  *presenter.Recent
	Drivers DriverSink
	// Checks run on /healthz; any error turns it into a 503.
	Checks map[string]func(context.Context) error

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(sess Session, dev *device.Simulator, ws *presenter.WSRegistry, recent *presenter.Recent, logger *slog.Logger) *Server {
	s := &Server{Session: sess, Device: dev, WSReg: ws, Recent: recent, logger: logger, mux: mux.NewRouter()}
	s.routes()
	s.registerMiddleware()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/session", s.handleSnapshot).Methods("GET")
	s.mux.HandleFunc("/session/events", s.handleEvents).Methods("GET")
	s.mux.HandleFunc("/session/signin", s.handleSignIn).Methods("POST")
	s.mux.HandleFunc("/session/signout", s.command(s.Session.SignOut)).Methods("POST")
	s.mux.HandleFunc("/session/permission", s.command(s.Session.EnsureLocationPermission)).Methods("POST")
	s.mux.HandleFunc("/session/search/activate", s.command(s.Session.ActivateSearch)).Methods("POST")
	s.mux.HandleFunc("/session/search", s.handleSearch).Methods("POST")
	s.mux.HandleFunc("/session/destination", s.handleDestination).Methods("POST")
	s.mux.HandleFunc("/session/action", s.command(s.Session.PressActionButton)).Methods("POST")
	s.mux.HandleFunc("/session/trips", s.tripCommand(s.Session.RequestTrip)).Methods("POST")
	s.mux.HandleFunc("/session/trips/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/session/trips/complete", s.tripCommand(s.Session.CompleteTrip)).Methods("POST")

	s.mux.HandleFunc("/device", s.handleDevice).Methods("GET")
	s.mux.HandleFunc("/device/authorization", s.handleAuthorization).Methods("POST")
	s.mux.HandleFunc("/device/location", s.handleLocation).Methods("POST")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")

	s.mux.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{client_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) command(fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context()); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) tripCommand(fn func(context.Context) (models.Trip, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := fn(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, t)
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Session.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Recent.Events())
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UID string `json:"uid"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.command(func(ctx context.Context) error { return s.Session.SignIn(ctx, req.UID) })(w, r)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if !decode(w, r, &req) {
		return
	}
	token, err := s.Session.Search(r.Context(), req.Query)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"token": token})
}

func (s *Server) handleDestination(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Index int `json:"index"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.command(func(ctx context.Context) error { return s.Session.SelectDestination(ctx, req.Index) })(w, r)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TripID string `json:"trip_id"`
	}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	s.tripCommand(func(ctx context.Context) (models.Trip, error) { return s.Session.AcceptTrip(ctx, req.TripID) })(w, r)
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	loc, ok := s.Device.CurrentLocation()
	updating, acc := s.Device.Updating()
	resp := map[string]any{
		"authorization": s.Device.AuthorizationStatus(),
		"prompts":       s.Device.Prompts(),
		"updating":      updating,
		"accuracy":      acc.String(),
	}
	if ok {
		resp["location"] = loc
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAuthorization(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if !decode(w, r, &req) {
		return
	}
	status, err := models.ParseAuthorizationStatus(req.Status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.Device.SetStatus(status)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var c models.Coord
	if !decode(w, r, &c) {
		return
	}
	s.Device.SetLocation(c)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var p models.DriverPosition
	if !decode(w, r, &p) {
		return
	}
	if p.UID == "" {
		http.Error(w, "uid required", http.StatusBadRequest)
		return
	}
	if s.Drivers == nil {
		http.Error(w, "driver ingest disabled", http.StatusNotImplemented)
		return
	}
	if err := s.Drivers(r.Context(), p); err != nil {
		s.requestLogger(r.Context()).Error("driver location rejected", "uid", p.UID, "error", err)
		http.Error(w, "driver location not stored", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, check := range s.Checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, failed)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["client_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.requestLogger(r.Context()).Warn("ws upgrade failed", "client_id", id, "error", err)
		return
	}
	s.WSReg.Add(id, conn)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrRejected), errors.Is(err, models.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrMalformedPayload):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrPermissionUnusable):
		status = http.StatusForbidden
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.requestLogger(r.Context()).Error("command failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
