package detection

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetection_DecodeWireFormat(t *testing.T) {
	raw := `{
		"box": [300, 220, 40, 50],
		"class_name": "red_balloon",
		"confidence": 0.82,
		"center": [320, 245],
		"color": "RED",
		"shape": "CIRCLE",
		"is_enemy": true
	}`
	var d Detection
	require.NoError(t, json.Unmarshal([]byte(raw), &d))

	assert.Equal(t, Box{X: 300, Y: 220, W: 40, H: 50}, d.Box)
	assert.Equal(t, Point{X: 320, Y: 245}, d.Center)
	assert.True(t, d.IsEnemy)
	assert.True(t, d.IsBalloon())
	assert.True(t, d.HasAppearance())
	assert.True(t, d.Matches("RED", "CIRCLE"))
	assert.False(t, d.Matches("RED", "SQUARE"))
	assert.True(t, d.Matches("red", "Circle"), "appearance matching ignores case")
	assert.Equal(t, "red_balloon (RED), CIRCLE", d.Label())

	out, err := json.Marshal(d.Center)
	require.NoError(t, err)
	assert.JSONEq(t, `[320, 245]`, string(out))
}

func TestDetection_DecodeRejectsObjects(t *testing.T) {
	var d Detection
	err := json.Unmarshal([]byte(`{"center": {"x": 1, "y": 2}}`), &d)
	assert.Error(t, err)
}

func TestBox(t *testing.T) {
	b := Box{X: 10, Y: 10, W: 20, H: 10}
	assert.Equal(t, 200.0, b.Area())
	assert.Equal(t, 0.0, Box{W: -1, H: 5}.Area())
	assert.True(t, b.Contains(Point{X: 10, Y: 20}))
	assert.True(t, b.Contains(Point{X: 30, Y: 15}))
	assert.False(t, b.Contains(Point{X: 31, Y: 15}))
}

func TestFrame(t *testing.T) {
	f := Frame{Width: 641, Height: 480}
	assert.Equal(t, Point{X: 320, Y: 240}, f.Center())
	assert.NoError(t, f.Validate())

	assert.Error(t, Frame{Width: 0, Height: 480}.Validate())
	bad := Frame{Width: 10, Height: 10, Detections: []Detection{{Confidence: 1.2}}}
	assert.Error(t, bad.Validate())
}

func TestClosest(t *testing.T) {
	center := Point{X: 320, Y: 240}
	dets := []Detection{
		{Class: "far", Center: Point{X: 0, Y: 0}},
		{Class: "near", Center: Point{X: 330, Y: 240}},
		{Class: "tie", Center: Point{X: 310, Y: 240}},
	}
	got, ok := Closest(dets, center)
	require.True(t, ok)
	assert.Equal(t, "near", got.Class, "ties resolve to the earlier detection")

	_, ok = Closest(nil, center)
	assert.False(t, ok)
}

func TestGate(t *testing.T) {
	g, err := NewGate(ProfileBalanced)
	require.NoError(t, err)
	assert.Equal(t, 0.5, g.Threshold())

	dets := []Detection{{Class: "a", Confidence: 0.45}, {Class: "b", Confidence: 0.5}, {Class: "c", Confidence: 0.65}}
	assert.Len(t, g.Apply(dets), 2)

	require.NoError(t, g.SetProfile(ProfileHighSpeed))
	assert.Equal(t, ProfileHighSpeed, g.Profile())
	assert.Equal(t, []Detection{{Class: "c", Confidence: 0.65}}, g.Apply(dets))

	require.NoError(t, g.SetProfile(ProfileHighQuality))
	assert.Len(t, g.Apply(dets), 3)

	require.NoError(t, g.SetThreshold(0.9))
	assert.Empty(t, g.Apply(dets))
	assert.Equal(t, ProfileHighQuality, g.Profile())

	assert.Error(t, g.SetThreshold(1.5))
	assert.Error(t, g.SetProfile("warp"))
	_, err = NewGate("warp")
	assert.Error(t, err)
}

func TestParseProfile(t *testing.T) {
	p, err := ParseProfile(" High_Quality ")
	require.NoError(t, err)
	assert.Equal(t, ProfileHighQuality, p)
	_, err = ParseProfile("fast")
	assert.Error(t, err)
}
