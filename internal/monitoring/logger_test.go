package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestInit_JSON(t *testing.T) {
	defer Mute()

	var buf bytes.Buffer
	require.NoError(t, Init("debug", "json", &buf))

	log := Logger("gimbal")
	log.Debug().Float64("heading", 12.5).Msg("moved")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "gimbal", entry["component"])
	assert.Equal(t, "moved", entry["message"])
	assert.Equal(t, "debug", entry["level"])
	assert.InDelta(t, 12.5, entry["heading"], 1e-9)
}

func TestInit_LevelFilters(t *testing.T) {
	defer Mute()

	var buf bytes.Buffer
	require.NoError(t, Init("warn", "json", &buf))
	log := Logger("safety")
	log.Info().Msg("hidden")
	assert.Empty(t, buf.String())

	log.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestInit_Errors(t *testing.T) {
	assert.Error(t, Init("loud", "json", nil))
	assert.Error(t, Init("info", "xml", nil))
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"DEBUG", zerolog.DebugLevel},
		{" warn ", zerolog.WarnLevel},
		{"trace", zerolog.TraceLevel},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestLogf(t *testing.T) {
	defer Mute()

	var buf bytes.Buffer
	SetLogger(zerolog.New(&buf))
	Logf("migrated to %d", 3)
	assert.Contains(t, buf.String(), "migrated to 3")
}

func TestHealth_SetSafe(t *testing.T) {
	h := NewHealth()
	ctx := context.Background()

	status, err := h.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status)

	h.SetSafe(true)
	status, err = h.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status)

	h.SetSafe(false)
	status, err = h.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status)
}

// TestHealth_ServeListener tests the health service end to end over a socket
func TestHealth_ServeListener(t *testing.T) {
	h := NewHealth()
	h.SetSafe(true)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ServeListener(ctx, lis) }()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	callCtx, callCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer callCancel()
	resp, err := healthpb.NewHealthClient(conn).Check(callCtx, &healthpb.HealthCheckRequest{Service: HealthService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ServeListener did not return after cancel")
	}
}
