package devicelink

import (
	"testing"

	"go.bug.st/serial"
)

// TestPortOptions_Normalize tests defaults and validation
func TestPortOptions_Normalize(t *testing.T) {
	got, err := PortOptions{}.Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	want := PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}
	if got != want {
		t.Errorf("Normalize() = %+v, want %+v", got, want)
	}

	for _, bad := range []PortOptions{
		{DataBits: 9},
		{StopBits: 3},
		{Parity: "mark"},
	} {
		if _, err := bad.Normalize(); err == nil {
			t.Errorf("expected error for %+v", bad)
		}
	}
}

// TestPortOptions_SerialMode tests conversion to go.bug.st/serial
func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptions{BaudRate: 57600, StopBits: 2, Parity: "even"}.SerialMode()
	if err != nil {
		t.Fatalf("SerialMode: %v", err)
	}
	if mode.BaudRate != 57600 || mode.DataBits != 8 || mode.StopBits != serial.TwoStopBits || mode.Parity != serial.EvenParity {
		t.Errorf("unexpected mode %+v", mode)
	}
	if _, err := (PortOptions{DataBits: 4}).SerialMode(); err == nil {
		t.Error("expected error for invalid data bits")
	}
}
