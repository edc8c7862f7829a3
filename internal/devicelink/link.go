// Package devicelink provides the framed, correlated command channel to the
// turret's actuator board. Commands are newline-delimited JSON frames; replies
// are matched to requests by a correlation id. Any number of clients may
// subscribe to the raw line stream for debugging.
package devicelink

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/turret/internal/monitoring"
	"github.com/banshee-data/turret/internal/timeutil"
)

var (
	ErrWriteFailed     = errors.New("failed to write to serial port")
	ErrEmergencyActive = errors.New("emergency stop active")
	ErrClosed          = errors.New("device link closed")
	ErrNotConnected    = errors.New("device link not connected")
	ErrParse           = errors.New("malformed frame")
)

const (
	DefaultPendingTTL   = 10 * time.Second
	DefaultCloseTimeout = time.Second

	// sweepInterval bounds how long an expired entry survives on a quiet link.
	sweepInterval = time.Second
)

// Device is the command surface the controllers depend on.
type Device interface {
	// Send writes one command frame. Commands with an id register a pending
	// entry before the write.
	Send(Command) error
	// AwaitResponse waits for the reply to id. It returns false on timeout,
	// cancellation, or if id is unknown or already consumed.
	AwaitResponse(ctx context.Context, id string, timeout time.Duration) (Response, bool)
	// Telemetry returns the last device status seen.
	Telemetry() Telemetry
	// EmergencyActive reports whether the emergency gate is closed.
	EmergencyActive() bool
}

// Interface is the full link surface used by the turret process.
type Interface interface {
	Device
	// Subscribe creates a new channel for receiving raw lines from the
	// device. The channel ID is used to identify the unique channel when
	// unsubscribing.
	Subscribe() (string, chan string)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// Monitor reads frames until ctx is done or the link is closed.
	Monitor(context.Context) error
	// PendingCount returns the number of outstanding correlations.
	PendingCount() int
	// Close stops the read loop and releases the transport.
	Close() error
	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/. These routes are accessible only over
	// localhost/via Tailscale and are not publicly accessible.
	AttachAdminRoutes(*http.ServeMux)
}

// Options tunes a Link. Zero values take the package defaults.
type Options struct {
	PendingTTL   time.Duration
	CloseTimeout time.Duration
	Clock        timeutil.Clock
	Logger       *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.PendingTTL <= 0 {
		o.PendingTTL = DefaultPendingTTL
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = DefaultCloseTimeout
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	if o.Logger == nil {
		l := monitoring.Logger("devicelink")
		o.Logger = &l
	}
	return o
}

// Link is a Device over a byte stream such as a serial port.
type Link struct {
	port  Port
	opts  Options
	log   zerolog.Logger
	clock timeutil.Clock

	writeMu sync.Mutex
	pending *pendingTable
	subs    *hub

	telemetryMu sync.RWMutex
	telemetry   Telemetry
	emergency   atomic.Bool

	closeOnce sync.Once
	closing   atomic.Bool

	monitorMu     sync.Mutex
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

var _ Interface = (*Link)(nil)

// NewLink wraps an open port.
func NewLink(port Port, opts Options) *Link {
	opts = opts.withDefaults()
	return &Link{
		port:    port,
		opts:    opts,
		log:     *opts.Logger,
		clock:   opts.Clock,
		pending: newPendingTable(opts.Clock, opts.PendingTTL),
		subs:    newHub(),
	}
}

func (l *Link) Subscribe() (string, chan string) { return l.subs.subscribe() }

// Unsubscribe removes a subscriber from the link.
func (l *Link) Unsubscribe(id string) { l.subs.unsubscribe(id) }

// Send gates, encodes and writes c.
func (l *Link) Send(c Command) error {
	if l.closing.Load() {
		return ErrClosed
	}
	if !c.Permitted(l.emergency.Load()) {
		return ErrEmergencyActive
	}
	frame, err := c.Encode()
	if err != nil {
		return err
	}
	if c.ExpectsResponse() {
		l.pending.insert(c.ID())
	}

	l.writeMu.Lock()
	n, err := l.port.Write(frame)
	l.writeMu.Unlock()
	if err == nil && n != len(frame) {
		err = ErrWriteFailed
	}
	if err != nil {
		if c.ExpectsResponse() {
			l.pending.remove(c.ID())
		}
		if !errors.Is(err, ErrWriteFailed) {
			err = errors.Join(ErrWriteFailed, err)
		}
		return err
	}

	switch c.Kind() {
	case KindEmergencyStop:
		l.emergency.Store(true)
	case KindEmergencyReset:
		l.emergency.Store(false)
	}
	l.log.Trace().Str("kind", string(c.Kind())).Str("id", c.ID()).Msg("sent")
	return nil
}

func (l *Link) AwaitResponse(ctx context.Context, id string, timeout time.Duration) (Response, bool) {
	return l.pending.await(ctx, id, timeout)
}

func (l *Link) Telemetry() Telemetry {
	l.telemetryMu.RLock()
	defer l.telemetryMu.RUnlock()
	return l.telemetry
}

func (l *Link) EmergencyActive() bool { return l.emergency.Load() }

func (l *Link) PendingCount() int { return l.pending.len() }

// Monitor reads frames from the port, fulfilling pending entries, caching
// telemetry and fanning raw lines out to subscribers.
func (l *Link) Monitor(ctx context.Context) error {
	if l.closing.Load() {
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	defer close(done)

	l.monitorMu.Lock()
	l.monitorCancel = cancel
	l.monitorDone = done
	l.monitorMu.Unlock()

	scan := bufio.NewScanner(l.port)
	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// The blocking scan.Scan runs on its own goroutine so it does not
	// interfere with the outer loop awaiting lines & context cancellation.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	sweep := l.clock.NewTicker(sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			if l.closing.Load() {
				return nil
			}
			return ctx.Err()

		case err := <-scanErrChan:
			if l.closing.Load() {
				return nil
			}
			return err

		case <-sweep.C():
			l.sweep()

		case line, ok := <-lineChan:
			if !ok {
				return nil
			}
			if l.closing.Load() {
				return nil
			}
			l.HandleLine([]byte(line))
		}
	}
}

// HandleLine processes one received frame. It is exported for transports that
// deliver frames without a byte stream.
func (l *Link) HandleLine(line []byte) {
	l.sweep()
	if len(line) == 0 {
		return
	}
	l.subs.publish(string(line))

	m, err := ParseMessage(line)
	if err != nil {
		l.log.Warn().Err(err).Bytes("line", line).Msg("discarding frame")
		return
	}
	if m.IsError() {
		l.log.Error().Str("message", m.Message).Msg("device error")
	}
	if m.IsStatus() {
		l.updateTelemetry(m)
	}
	if m.ID != "" && !l.pending.fulfil(responseFrom(m)) {
		l.log.Debug().Str("id", m.ID).Msg("late or unknown response dropped")
	}
}

func (l *Link) updateTelemetry(m Message) {
	l.telemetryMu.Lock()
	defer l.telemetryMu.Unlock()
	if m.Temperature != nil {
		l.telemetry.Temperature = *m.Temperature
	}
	if m.EmergencyStop != nil {
		l.telemetry.EmergencyStop = *m.EmergencyStop
		if *m.EmergencyStop {
			l.emergency.Store(true)
		}
	}
	l.telemetry.UpdatedAt = l.clock.Now()
}

func (l *Link) sweep() {
	if n := l.pending.sweep(); n > 0 {
		l.log.Debug().Int("expired", n).Msg("swept pending responses")
	}
}

// Close marks the link closing, stops the read loop with a bounded wait,
// closes subscriber channels and releases the port. Further calls are no-ops.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.closing.Store(true)

		l.monitorMu.Lock()
		cancel, done := l.monitorCancel, l.monitorDone
		l.monitorMu.Unlock()
		if cancel != nil {
			cancel()
			select {
			case <-done:
			case <-time.After(l.opts.CloseTimeout):
				l.log.Warn().Dur("timeout", l.opts.CloseTimeout).Msg("read loop did not exit in time")
			}
		}

		l.subs.close()
		err = l.port.Close()
	})
	return err
}
