package devicelink

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

// TestCommand_Encode tests the wire format of every command kind
func TestCommand_Encode(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want string
	}{
		{"motion", Motion(10.5, 20, 50).WithID("m1"), `{"id":"m1","type":"motor","horizontal":10.5,"vertical":20,"speed":50}`},
		{"stop", Stop(), `{"type":"motor_stop"}`},
		{"calibrate", Calibrate(), `{"type":"calibrate_motors"}`},
		{"fire", Fire(1500 * time.Millisecond), `{"type":"laser","state":true,"duration":1.5}`},
		{"effector off", EffectorOff(-3, 12), `{"type":"laser","state":false,"horizontal":-3,"vertical":12}`},
		{"fan on", Fan(true), `{"type":"fan","state":true}`},
		{"fan off", Fan(false), `{"type":"fan","state":false}`},
		{"emergency stop", EmergencyStop(), `{"type":"emergency_stop","stop":true}`},
		{"emergency reset", EmergencyReset(), `{"type":"emergency_reset","reset":true}`},
		{"status", StatusRequest().WithID("s1"), `{"id":"s1","type":"status"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cmd.Encode()
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if !strings.HasSuffix(string(got), "\n") {
				t.Fatalf("frame %q is not newline terminated", got)
			}
			var gotV, wantV any
			if err := json.Unmarshal(got, &gotV); err != nil {
				t.Fatalf("frame is not JSON: %v", err)
			}
			json.Unmarshal([]byte(tt.want), &wantV)
			gj, _ := json.Marshal(gotV)
			wj, _ := json.Marshal(wantV)
			if string(gj) != string(wj) {
				t.Errorf("Encode() = %s, want %s", gj, wj)
			}
		})
	}
}

// TestCommand_IDs tests that only correlated kinds carry a fresh id
func TestCommand_IDs(t *testing.T) {
	a, b := Motion(0, 0, 1), Motion(0, 0, 1)
	if a.ID() == "" || a.ID() == b.ID() {
		t.Errorf("Motion ids should be unique and non-empty: %q %q", a.ID(), b.ID())
	}
	if !StatusRequest().ExpectsResponse() {
		t.Error("StatusRequest should expect a response")
	}
	if Stop().ExpectsResponse() || Fire(time.Second).ExpectsResponse() {
		t.Error("Stop and Fire are fire-and-forget")
	}
}

// TestCommand_Permitted tests the emergency gate
func TestCommand_Permitted(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want bool
	}{
		{"status", StatusRequest(), true},
		{"reset", EmergencyReset(), true},
		{"motion", Motion(1, 1, 10), false},
		{"fire", Fire(time.Second), false},
		{"plain stop", Stop(), false},
		{"override stop", Stop().Override(), true},
		{"override effector off", EffectorOff(0, 0).Override(), true},
		{"override fan", Fan(true).Override(), true},
		{"override ignored on motion", Motion(1, 1, 10).Override(), false},
		{"override ignored on fire", Fire(time.Second).Override(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cmd.Permitted(true); got != tt.want {
				t.Errorf("Permitted(true) = %v, want %v", got, tt.want)
			}
			if !tt.cmd.Permitted(false) {
				t.Error("every command is permitted without an emergency")
			}
		})
	}
}

// TestParseMessage tests decoding replies and unsolicited frames
func TestParseMessage(t *testing.T) {
	m, err := ParseMessage([]byte(`{"id":"x","status":"success","temperature":41.5,"emergency_stop":false,"horizontal":3,"vertical":4}`))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if !m.IsStatus() {
		t.Error("frame with temperature should count as status")
	}
	r := responseFrom(m)
	if !r.OK || r.ID != "x" || *r.Temperature != 41.5 || *r.Heading != 3 || *r.Elevation != 4 {
		t.Errorf("unexpected response %+v", r)
	}

	m, _ = ParseMessage([]byte(`{"id":"y","status":"error"}`))
	if responseFrom(m).OK || m.IsStatus() {
		t.Error("error status should not be OK or telemetry")
	}

	m, _ = ParseMessage([]byte(`{"type":"error","message":"overcurrent"}`))
	if !m.IsError() || m.Message != "overcurrent" {
		t.Errorf("expected error frame, got %+v", m)
	}

	if _, err := ParseMessage([]byte(`not json`)); !errors.Is(err, ErrParse) {
		t.Errorf("expected ErrParse, got %v", err)
	}
}
