package devicelink

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"tailscale.com/tsweb"
)

//go:embed templates/*
var adminTemplateFS embed.FS

var sendCommandTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/send-command.html.tmpl"))

// adminTarget is what the debug routes need from a link.
type adminTarget interface {
	SendRaw(string) error
	Subscribe() (string, chan string)
	Unsubscribe(string)
	PendingCount() int
}

// checkRaw validates a hand-typed frame and applies the emergency gate to its
// type. Raw frames never carry a safety override.
func checkRaw(line string, emergencyActive bool) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(line), &head); err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	if head.Type == "" {
		return fmt.Errorf("%w: missing type", ErrParse)
	}
	if !emergencyActive {
		return nil
	}
	switch Kind(head.Type) {
	case KindStatus, KindEmergencyReset:
		return nil
	}
	return ErrEmergencyActive
}

// SendRaw writes a hand-typed JSON frame. It is meant for the admin console.
func (l *Link) SendRaw(line string) error {
	line = strings.TrimSpace(line)
	if l.closing.Load() {
		return ErrClosed
	}
	if err := checkRaw(line, l.emergency.Load()); err != nil {
		return err
	}
	frame := []byte(line + "\n")
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	n, err := l.port.Write(frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return ErrWriteFailed
	}
	return nil
}

// SendRaw validates the frame and echoes it to subscribers.
func (s *SimulatedLink) SendRaw(line string) error {
	line = strings.TrimSpace(line)
	if s.closed.Load() {
		return ErrClosed
	}
	if err := checkRaw(line, s.emergency.Load()); err != nil {
		return err
	}
	s.subs.publish(line)
	return nil
}

func (l *Link) AttachAdminRoutes(mux *http.ServeMux) {
	attachAdminRoutes(mux, l, l.log)
}

func attachAdminRoutes(mux *http.ServeMux, t adminTarget, log zerolog.Logger) {
	debug := tsweb.Debugger(mux)

	// Basic command / live tail console using the API endpoints below.
	debug.HandleFunc("send-command", "send a frame to the device", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		data := struct{ Pending int }{Pending: t.PendingCount()}
		if err := sendCommandTemplate.Execute(buf, data); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := t.SendRaw(command); err != nil {
			log.Warn().Err(err).Str("frame", command).Msg("admin send rejected")
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, ErrParse):
				status = http.StatusBadRequest
			case errors.Is(err, ErrEmergencyActive):
				status = http.StatusConflict
			}
			http.Error(w, err.Error(), status)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote frame %q to device", command))
	})

	// Server-Sent Events for every raw line seen on the link.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := t.Subscribe()
		defer t.Unsubscribe(id)

		// Send initial ping to establish connection
		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})

	debug.HandleSilentFunc("tail.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Cache-Control", "no-cache")

		f, err := adminTemplateFS.Open("templates/tail.js")
		if err != nil {
			http.Error(w, "Failed to open tail.js", http.StatusInternalServerError)
			return
		}
		defer f.Close()
		io.Copy(w, f)
	})

	debug.HandleSilentFunc("pending", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"pending": t.PendingCount()})
	})
}
