package devicelink

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the command variants understood by the actuator board.
type Kind string

const (
	KindMotion         Kind = "motor"
	KindStop           Kind = "motor_stop"
	KindCalibrate      Kind = "calibrate_motors"
	KindFire           Kind = "laser"
	KindEffectorOff    Kind = "laser_off"
	KindFan            Kind = "fan"
	KindEmergencyStop  Kind = "emergency_stop"
	KindEmergencyReset Kind = "emergency_reset"
	KindStatus         Kind = "status"
)

// Frame types that only ever arrive from the device.
const (
	frameTypeError = "error"
)

const statusSuccess = "success"

// Command is an immutable outgoing request. Build one with the constructor
// for its kind; pass it by value.
type Command struct {
	kind      Kind
	id        string
	heading   float64
	elevation float64
	speed     int
	duration  time.Duration
	on        bool
	override  bool
}

// NewID returns a fresh correlation id.
func NewID() string {
	return uuid.NewString()
}

// Motion requests a move to (heading, elevation) at speed, with a fresh
// correlation id.
func Motion(heading, elevation float64, speed int) Command {
	return Command{kind: KindMotion, id: NewID(), heading: heading, elevation: elevation, speed: speed}
}

func Stop() Command { return Command{kind: KindStop} }
func Calibrate() Command { return Command{kind: KindCalibrate} }

// Fire switches the effector on for d.
func Fire(d time.Duration) Command {
	return Command{kind: KindFire, duration: d, on: true}
}

// EffectorOff switches the effector off while re-asserting the current gimbal
// position, so the board does not move the motors.
func EffectorOff(heading, elevation float64) Command {
	return Command{kind: KindEffectorOff, heading: heading, elevation: elevation}
}

func Fan(on bool) Command { return Command{kind: KindFan, on: on} }
func EmergencyStop() Command { return Command{kind: KindEmergencyStop, on: true} }
func EmergencyReset() Command { return Command{kind: KindEmergencyReset, on: true} }

// StatusRequest asks the board for telemetry, with a fresh correlation id.
func StatusRequest() Command {
	return Command{kind: KindStatus, id: NewID()}
}

func (c Command) Kind() Kind { return c.kind }
func (c Command) ID() string { return c.id }
func (c Command) Heading() float64 { return c.heading }
func (c Command) Elevation() float64 { return c.elevation }
func (c Command) Speed() int { return c.speed }
func (c Command) Duration() time.Duration { return c.duration }
func (c Command) On() bool { return c.on }
func (c Command) IsOverride() bool { return c.override }
func (c Command) ExpectsResponse() bool { return c.id != "" }
func (c Command) String() string { return fmt.Sprintf("%s[%s]", c.kind, c.id) }
func (c Command) overridable() bool { return c.kind == KindStop || c.kind == KindEffectorOff || c.kind == KindFan }
func (c Command) allowedInEmergency() bool { return c.kind == KindStatus || c.kind == KindEmergencyReset }

// WithID returns a copy carrying the given correlation id. An empty id means
// no response is expected.
func (c Command) WithID(id string) Command {
	c.id = id
	return c
}

// Override marks a disarm command as a safety override that passes the
// emergency gate. It has no effect on other kinds.
func (c Command) Override() Command {
	if c.overridable() {
		c.override = true
	}
	return c
}

// Permitted reports whether c may be sent while the emergency stop is active.
func (c Command) Permitted(emergencyActive bool) bool {
	if !emergencyActive || c.allowedInEmergency() {
		return true
	}
	return c.override && c.overridable()
}

// wireCommand is the JSON shape of an outgoing frame.
type wireCommand struct {
	ID         string   `json:"id,omitempty"`
	Type       string   `json:"type"`
	Horizontal *float64 `json:"horizontal,omitempty"`
	Vertical   *float64 `json:"vertical,omitempty"`
	Speed      *int     `json:"speed,omitempty"`
	State      *bool    `json:"state,omitempty"`
	Duration   *float64 `json:"duration,omitempty"`
	Stop       *bool    `json:"stop,omitempty"`
	Reset      *bool    `json:"reset,omitempty"`
}

// MarshalJSON encodes c as a device frame without the trailing newline.
func (c Command) MarshalJSON() ([]byte, error) {
	w := wireCommand{ID: c.id, Type: string(c.kind)}
	switch c.kind {
	case KindMotion:
		h, v, s := c.heading, c.elevation, c.speed
		w.Horizontal, w.Vertical, w.Speed = &h, &v, &s
	case KindFire:
		on, secs := true, c.duration.Seconds()
		w.State, w.Duration = &on, &secs
	case KindEffectorOff:
		off, h, v := false, c.heading, c.elevation
		w.Type = string(KindFire)
		w.State, w.Horizontal, w.Vertical = &off, &h, &v
	case KindFan:
		on := c.on
		w.State = &on
	case KindEmergencyStop:
		stop := true
		w.Stop = &stop
	case KindEmergencyReset:
		reset := true
		w.Reset = &reset
	case KindStop, KindCalibrate, KindStatus:
	default:
		return nil, fmt.Errorf("unknown command kind %q", c.kind)
	}
	return json.Marshal(w)
}

// Encode returns the frame bytes including the newline terminator.
func (c Command) Encode() ([]byte, error) {
	b, err := c.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Message is a decoded inbound frame. Optional telemetry fields are nil when
// the device omitted them.
type Message struct {
	ID            string   `json:"id,omitempty"`
	Type          string   `json:"type,omitempty"`
	Status        string   `json:"status,omitempty"`
	Message       string   `json:"message,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	EmergencyStop *bool    `json:"emergency_stop,omitempty"`
	Horizontal    *float64 `json:"horizontal,omitempty"`
	Vertical      *float64 `json:"vertical,omitempty"`
}

// ParseMessage decodes one frame line.
func ParseMessage(line []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return m, nil
}

// IsStatus reports whether the frame carries device telemetry.
func (m Message) IsStatus() bool {
	return m.Type == string(KindStatus) || m.Temperature != nil || m.EmergencyStop != nil
}

// IsError reports whether the device signalled an error.
func (m Message) IsError() bool {
	return m.Type == frameTypeError
}

// Response is the reply matched to a correlated command.
type Response struct {
	ID            string
	OK            bool
	Temperature   *float64
	EmergencyStop *bool
	Heading       *float64
	Elevation     *float64
	Raw           Message
}

func responseFrom(m Message) Response {
	return Response{
		ID:            m.ID,
		OK:            m.Status == statusSuccess,
		Temperature:   m.Temperature,
		EmergencyStop: m.EmergencyStop,
		Heading:       m.Horizontal,
		Elevation:     m.Vertical,
		Raw:           m,
	}
}

// Telemetry is the last device status seen on the link.
type Telemetry struct {
	Temperature   float64   `json:"temperature"`
	EmergencyStop bool      `json:"emergency_stop"`
	UpdatedAt     time.Time `json:"updated_at"`
}
