package devicelink

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/turret/internal/monitoring"
	"github.com/banshee-data/turret/internal/timeutil"
)

// Responder produces the synthetic reply for a correlated command. Returning
// false leaves the request unanswered.
type Responder func(Command) (Message, bool)

// SimulatedLink is a Device with no physical transport, used when the board
// is absent (port "DUMMY") and in tests. Sends succeed unless an error is
// injected; the emergency gate still applies. It tracks subscribers so their
// channels can be deterministically closed on Unsubscribe() or Close().
type SimulatedLink struct {
	log     zerolog.Logger
	clock   timeutil.Clock
	pending *pendingTable
	subs    *hub

	mu          sync.Mutex
	responder   Responder
	sendErr     error
	temperature float64
	deviceStop  bool
	sent        []Command

	emergency atomic.Bool
	closed    atomic.Bool
	done      chan struct{}
}

var _ Interface = (*SimulatedLink)(nil)

// NewSimulatedLink returns a link reporting the given fixed temperature.
func NewSimulatedLink(temperature float64, opts Options) *SimulatedLink {
	opts = opts.withDefaults()
	s := &SimulatedLink{
		log:         *opts.Logger,
		clock:       opts.Clock,
		pending:     newPendingTable(opts.Clock, opts.PendingTTL),
		subs:        newHub(),
		temperature: temperature,
		done:        make(chan struct{}),
	}
	return s
}

// SetResponder replaces the synthetic reply generator. A nil responder
// restores the default.
func (s *SimulatedLink) SetResponder(r Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responder = r
}

// SetSendError makes every following Send fail with err until cleared with nil.
func (s *SimulatedLink) SetSendError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

func (s *SimulatedLink) SetTemperature(t float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.temperature = t
}

// SetEmergency sets the emergency flag the simulated board reports. Asserting
// it also closes the local gate, as a real status frame would.
func (s *SimulatedLink) SetEmergency(active bool) {
	s.mu.Lock()
	s.deviceStop = active
	s.mu.Unlock()
	if active {
		s.emergency.Store(true)
	}
}

// Sent returns a copy of every command accepted so far.
func (s *SimulatedLink) Sent() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Command, len(s.sent))
	copy(out, s.sent)
	return out
}

// SentKinds returns the kinds of every accepted command, in order.
func (s *SimulatedLink) SentKinds() []Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Kind, len(s.sent))
	for i, c := range s.sent {
		out[i] = c.Kind()
	}
	return out
}

// ResetSent clears the command history.
func (s *SimulatedLink) ResetSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = nil
}

func (s *SimulatedLink) Send(c Command) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !c.Permitted(s.emergency.Load()) {
		return ErrEmergencyActive
	}
	frame, err := c.MarshalJSON()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.sendErr != nil {
		err := s.sendErr
		s.mu.Unlock()
		return err
	}
	s.sent = append(s.sent, c)
	responder := s.responder
	if responder == nil {
		responder = s.defaultResponse
	}
	s.mu.Unlock()

	switch c.Kind() {
	case KindEmergencyStop:
		s.emergency.Store(true)
	case KindEmergencyReset:
		s.emergency.Store(false)
		s.mu.Lock()
		s.deviceStop = false
		s.mu.Unlock()
	}
	s.subs.publish(string(frame))

	if !c.ExpectsResponse() {
		return nil
	}
	s.pending.insert(c.ID())
	if m, ok := responder(c); ok {
		m.ID = c.ID()
		if m.IsStatus() {
			s.updateDeviceStop(m)
		}
		s.pending.fulfil(responseFrom(m))
	}
	return nil
}

// defaultResponse echoes motion targets and serves the configured status.
// It must be called without s.mu held.
func (s *SimulatedLink) defaultResponse(c Command) (Message, bool) {
	m := Message{Status: statusSuccess}
	switch c.Kind() {
	case KindMotion:
		h, v := c.Heading(), c.Elevation()
		m.Horizontal, m.Vertical = &h, &v
	case KindStatus:
		t := s.Telemetry()
		m.Type = string(KindStatus)
		m.Temperature = &t.Temperature
		m.EmergencyStop = &t.EmergencyStop
	}
	return m, true
}

func (s *SimulatedLink) updateDeviceStop(m Message) {
	if m.EmergencyStop != nil && *m.EmergencyStop {
		s.emergency.Store(true)
	}
}

func (s *SimulatedLink) AwaitResponse(ctx context.Context, id string, timeout time.Duration) (Response, bool) {
	return s.pending.await(ctx, id, timeout)
}

func (s *SimulatedLink) Telemetry() Telemetry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Telemetry{
		Temperature:   s.temperature,
		EmergencyStop: s.deviceStop,
		UpdatedAt:     s.clock.Now(),
	}
}

func (s *SimulatedLink) EmergencyActive() bool { return s.emergency.Load() }

func (s *SimulatedLink) PendingCount() int { return s.pending.len() }

func (s *SimulatedLink) Subscribe() (string, chan string) { return s.subs.subscribe() }

func (s *SimulatedLink) Unsubscribe(id string) { s.subs.unsubscribe(id) }

// Monitor sweeps expired correlations until ctx is done or the link closes.
func (s *SimulatedLink) Monitor(ctx context.Context) error {
	ticker := s.clock.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-ticker.C():
			s.pending.sweep()
		}
	}
}

func (s *SimulatedLink) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.done)
	s.subs.close()
	return nil
}

func (s *SimulatedLink) AttachAdminRoutes(mux *http.ServeMux) {
	attachAdminRoutes(mux, s, s.log)
}

// replyJSON is a convenience for custom responders.
func replyJSON(raw string) (Message, bool) {
	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		monitoring.Logf("simulated reply %q: %v", raw, err)
		return Message{}, false
	}
	return m, true
}

// ReplyWith returns a responder answering every correlated command with raw.
func ReplyWith(raw string) Responder {
	return func(Command) (Message, bool) { return replyJSON(raw) }
}

// NoReply is a responder that never answers.
func NoReply(Command) (Message, bool) { return Message{}, false }
