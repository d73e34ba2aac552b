// Package api exposes the control, tracker, image search and activity
// endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/cloudlaunch/internal/activity"
	"github.com/nexus-trading/cloudlaunch/internal/driver"
	"github.com/nexus-trading/cloudlaunch/internal/imagesearch"
	"github.com/nexus-trading/cloudlaunch/internal/ledger"
	"github.com/nexus-trading/cloudlaunch/internal/observability"
	"github.com/nexus-trading/cloudlaunch/internal/tracker"
)

var (
	// ErrInvalidAction is returned for an action the endpoint does not know.
	ErrInvalidAction = errors.New("api: invalid action")
	// ErrBadInstance is returned for a malformed or unconfigured instance id.
	ErrBadInstance = errors.New("api: invalid instance id")
)

const (
	defaultLaunchLimit = 50
	maxLaunchLimit     = 500
	maxBodyBytes       = 1 << 20
)

// TrackerSource builds tracker payloads.
type TrackerSource interface {
	Snapshot(ctx context.Context) (tracker.Payload, error)
}

// ImageSearcher finds token images.
type ImageSearcher interface {
	Search(ctx context.Context, name, symbol string) (imagesearch.Hit, error)
}

// Server routes every endpoint onto a ServeMux.
type Server struct {
	svc      *driver.Service
	tracker  TrackerSource
	images   ImageSearcher
	hub      *activity.Hub
	launches ledger.Reader
	health   *observability.HealthMonitor
	metrics  *observability.Metrics
	now      func() time.Time

	mux *http.ServeMux
}

// Option customises a Server.
type Option func(*Server)

// WithTracker enables GET /api/token-tracker.
func WithTracker(t TrackerSource) Option {
	return func(s *Server) { s.tracker = t }
}

// WithImages enables POST /api/search-image.
func WithImages(i ImageSearcher) Option {
	return func(s *Server) { s.images = i }
}

// WithActivity enables the activity feed endpoints.
func WithActivity(h *activity.Hub) Option {
	return func(s *Server) { s.hub = h }
}

// WithLaunches enables GET /api/launches.
func WithLaunches(r ledger.Reader) Option {
	return func(s *Server) { s.launches = r }
}

func WithHealth(h *observability.HealthMonitor) Option {
	return func(s *Server) { s.health = h }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer creates a server for svc.
func NewServer(svc *driver.Service, opts ...Option) *Server {
	s := &Server{svc: svc, now: time.Now, mux: http.NewServeMux()}
	for _, o := range opts {
		o(s)
	}
	s.registerRoutes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes() {
	s.handle("GET /api/cloud-launch", s.handleStatus)
	s.handle("POST /api/cloud-launch", s.handleControl)
	s.handle("POST /api/cloud-launch/run", s.handleRun)
	s.handle("GET /api/cloud-launch/cron", s.handleCron)

	if s.tracker != nil {
		s.handle("GET /api/token-tracker", s.handleTracker)
	}
	if s.images != nil {
		s.handle("POST /api/search-image", s.handleSearchImage)
	}
	if s.hub != nil {
		s.handle("GET /api/activity", s.handleActivity)
		s.handle("DELETE /api/activity", s.handleActivityClear)
		// Not instrumented: the recorder would hide the Hijacker.
		s.mux.HandleFunc("GET /ws/activity", s.hub.Handler())
	}
	if s.launches != nil {
		s.handle("GET /api/launches", s.handleLaunches)
	}

	if s.health != nil {
		s.mux.Handle("GET /health", s.health.Handler())
	} else {
		s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	s.mux.Handle("GET /metrics", s.metrics.Handler())
}

// handle registers h under pattern and counts responses per route.
func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r)
		s.metrics.ObserveHTTP(pattern, rec.code)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// -----------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("api: encode response failed")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeServiceError maps control errors onto status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, driver.ErrUnknownInstance):
		writeError(w, http.StatusBadRequest, ErrBadInstance.Error())
	case errors.Is(err, driver.ErrNoRecord):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		log.Error().Err(err).Msg("api: request failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
}

// queryInstance reads ?id=, defaulting to 1.
func (s *Server) queryInstance(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("id")
	if raw == "" {
		return 1, nil
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, ErrBadInstance
	}
	return id, nil
}

// instanceID accepts an instance id sent as a JSON number or string.
type instanceID int

func (v *instanceID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		i, err := strconv.Atoi(n.String())
		if err != nil {
			return ErrBadInstance
		}
		*v = instanceID(i)
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return ErrBadInstance
	}
	if str == "" {
		return nil
	}
	i, err := strconv.Atoi(str)
	if err != nil {
		return ErrBadInstance
	}
	*v = instanceID(i)
	return nil
}

// orDefault returns 1 for a missing id.
func (v instanceID) orDefault() int {
	if v == 0 {
		return 1
	}
	return int(v)
}
