package testutil

import (
	"errors"
	"io"
	"net/http"
	"testing"
)

// TestAssertStatusCode verifies that AssertStatusCode passes matching codes.
func TestAssertStatusCode(t *testing.T) {
	t.Parallel()

	AssertStatusCode(t, http.StatusOK, http.StatusOK)
	AssertStatusCode(t, http.StatusNotFound, http.StatusNotFound)
}

func TestAssertNoError(t *testing.T) {
	t.Parallel()

	AssertNoError(t, nil)
}

func TestAssertError(t *testing.T) {
	t.Parallel()

	AssertError(t, errors.New("test error"))
}

func TestNewTestRequest(t *testing.T) {
	t.Parallel()

	req := NewTestRequest(http.MethodGet, "/test")
	if req.Method != http.MethodGet {
		t.Errorf("method = %s, want GET", req.Method)
	}
	if req.URL.Path != "/test" {
		t.Errorf("path = %s, want /test", req.URL.Path)
	}
}

// TestNewJSONRequest tests that structured bodies are encoded and raw bodies
// are passed through.
func TestNewJSONRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body any
		want string
	}{
		{"struct", map[string]string{"mode": "assist"}, `{"mode":"assist"}`},
		{"string", `{"x":1}`, `{"x":1}`},
		{"bytes", []byte("raw"), "raw"},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := NewJSONRequest(t, http.MethodPost, "/api/test", tt.body)
			got, err := io.ReadAll(req.Body)
			AssertNoError(t, err)
			if string(got) != tt.want {
				t.Errorf("body = %q, want %q", got, tt.want)
			}
			if ct := req.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("content type = %q", ct)
			}
		})
	}
}

func TestNewLoopbackRequest(t *testing.T) {
	t.Parallel()

	req := NewLoopbackRequest(http.MethodGet, "/debug/")
	if req.RemoteAddr != LoopbackAddr {
		t.Errorf("remote addr = %s, want %s", req.RemoteAddr, LoopbackAddr)
	}
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	rec := NewTestRecorder()
	rec.WriteString(`{"ok":true}`)
	var got struct{ OK bool }
	DecodeJSON(t, rec, &got)
	if !got.OK {
		t.Error("expected ok to decode as true")
	}
}
