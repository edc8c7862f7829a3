// Package api serves the turret's operator HTTP API: status, the vision frame
// intake, operator input, mode and profile control, and the journal.
package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/turret/internal/db"
	"github.com/banshee-data/turret/internal/detection"
	"github.com/banshee-data/turret/internal/gimbal"
	"github.com/banshee-data/turret/internal/modes"
	"github.com/banshee-data/turret/internal/monitoring"
	"github.com/banshee-data/turret/internal/turret"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 1 << 20

// Turret is the control surface the API drives. *turret.System implements it.
type Turret interface {
	Status() turret.Status
	Subscribe() (string, <-chan turret.Status)
	Unsubscribe(id string)
	SubmitFrame(detection.Frame) error
	Operator(modes.Input)
	SetMode(modes.Kind) error
	SetProfile(detection.Profile) error
	EmergencyStop() error
	EmergencyReset() error
	RequestCalibration(advanced bool)
	Trajectory() []gimbal.Sample
}

// Journal is the read side of the engagement journal. *db.DB implements it.
type Journal interface {
	Events(limit int) ([]db.Event, error)
	Telemetry(limit int) ([]db.TelemetrySample, error)
	Summary(since time.Time) (*db.Summary, error)
}

type Server struct {
	t       Turret
	journal Journal
	log     zerolog.Logger
}

// NewServer builds the API over t. journal may be nil when journaling is
// disabled; the journal routes then answer 503.
func NewServer(t Turret, journal Journal) *Server {
	return &Server{
		t:       t,
		journal: journal,
		log:     monitoring.Logger("api"),
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets the websocket upgrade take over the connection.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	log := monitoring.Logger("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)

		ev := log.Info()
		switch {
		case lrw.statusCode >= 500:
			ev = log.Error()
		case lrw.statusCode >= 400:
			ev = log.Warn()
		}
		ev.Int("status", lrw.statusCode).
			Str("method", r.Method).
			Str("uri", r.RequestURI).
			Float64("ms", float64(time.Since(start).Nanoseconds())/1e6).
			Msg("request")
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.showStatus)
	mux.HandleFunc("GET /api/stream", s.streamStatus)
	mux.HandleFunc("POST /api/frame", s.submitFrame)
	mux.HandleFunc("POST /api/operator/{action}", s.operatorInput)
	mux.HandleFunc("PUT /api/mode", s.setMode)
	mux.HandleFunc("PUT /api/profile", s.setProfile)
	mux.HandleFunc("POST /api/emergency/stop", s.emergencyStop)
	mux.HandleFunc("POST /api/emergency/reset", s.emergencyReset)
	mux.HandleFunc("POST /api/calibrate", s.calibrate)
	mux.HandleFunc("GET /api/events", s.listEvents)
	mux.HandleFunc("GET /api/summary", s.showSummary)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("failed to write response")
	}
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
