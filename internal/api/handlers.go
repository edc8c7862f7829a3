package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/turret/internal/db"
	"github.com/banshee-data/turret/internal/detection"
	"github.com/banshee-data/turret/internal/modes"
)

type okResponse struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.t.Status())
}

// submitFrame queues one vision frame. Unknown fields from the vision
// pipeline are ignored.
func (s *Server) submitFrame(w http.ResponseWriter, r *http.Request) {
	var f detection.Frame
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&f); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid frame: %v", err))
		return
	}
	if err := s.t.SubmitFrame(f); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, okResponse{OK: true})
}

// selectRequest picks the engagement target by appearance or by a point on
// the frame.
type selectRequest struct {
	Color string   `json:"color"`
	Shape string   `json:"shape"`
	X     *float64 `json:"x"`
	Y     *float64 `json:"y"`
}

func (req selectRequest) selection() (*modes.Selection, error) {
	color := strings.ToUpper(strings.TrimSpace(req.Color))
	shape := strings.ToUpper(strings.TrimSpace(req.Shape))
	switch {
	case color != "" && shape != "":
		return &modes.Selection{Color: color, Shape: shape}, nil
	case req.X != nil && req.Y != nil:
		return &modes.Selection{Point: &detection.Point{X: *req.X, Y: *req.Y}}, nil
	}
	return nil, fmt.Errorf("selection needs color and shape, or x and y")
}

func (s *Server) operatorInput(w http.ResponseWriter, r *http.Request) {
	var in modes.Input
	switch action := r.PathValue("action"); action {
	case "fire":
		in.Fire = true
	case "confirm":
		in.Confirm = true
	case "cancel":
		in.Cancel = true
	case "select":
		var req selectRequest
		if err := decode(w, r, &req); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid selection: %v", err))
			return
		}
		sel, err := req.selection()
		if err != nil {
			s.writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		in.Selected = sel
	default:
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("Unknown operator action %q", action))
		return
	}
	s.t.Operator(in)
	s.writeJSON(w, http.StatusAccepted, okResponse{OK: true})
}

func (s *Server) setMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode *modes.Kind `json:"mode"`
	}
	if err := decode(w, r, &req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid mode request: %v", err))
		return
	}
	if req.Mode == nil {
		s.writeJSONError(w, http.StatusBadRequest, "Missing 'mode'")
		return
	}
	if err := s.t.SetMode(*req.Mode); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, okResponse{OK: true, Detail: req.Mode.String()})
}

func (s *Server) setProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Profile string `json:"profile"`
	}
	if err := decode(w, r, &req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid profile request: %v", err))
		return
	}
	p, err := detection.ParseProfile(req.Profile)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.t.SetProfile(p); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, okResponse{OK: true, Detail: string(p)})
}

// emergencyStop always halts the actuators; a failed gate command is
// reported as a bad gateway.
func (s *Server) emergencyStop(w http.ResponseWriter, r *http.Request) {
	if err := s.t.EmergencyStop(); err != nil {
		s.writeJSONError(w, http.StatusBadGateway, fmt.Sprintf("Emergency stop command failed: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) emergencyReset(w http.ResponseWriter, r *http.Request) {
	if err := s.t.EmergencyReset(); err != nil {
		s.writeJSONError(w, http.StatusBadGateway, fmt.Sprintf("Emergency reset failed: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) calibrate(w http.ResponseWriter, r *http.Request) {
	advanced := false
	if a := r.URL.Query().Get("advanced"); a != "" {
		v, err := strconv.ParseBool(a)
		if err != nil {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'advanced' parameter")
			return
		}
		advanced = v
	}
	s.t.RequestCalibration(advanced)
	detail := "basic"
	if advanced {
		detail = "advanced"
	}
	s.writeJSON(w, http.StatusAccepted, okResponse{OK: true, Detail: detail})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Journal disabled")
		return
	}
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	events, err := s.journal.Events(limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve events: %v", err))
		return
	}
	if events == nil {
		events = []db.Event{}
	}
	s.writeJSON(w, http.StatusOK, events)
}

// showSummary aggregates the journal over ?window= (a duration such as 1h)
// ending now, or over the whole journal when no window is given.
func (s *Server) showSummary(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Journal disabled")
		return
	}
	var since time.Time
	if win := r.URL.Query().Get("window"); win != "" {
		d, err := time.ParseDuration(win)
		if err != nil || d <= 0 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'window' parameter")
			return
		}
		since = s.t.Status().Time.Add(-d)
	}

	summary, err := s.journal.Summary(since)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to summarise journal: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}
