package detection

import (
	"fmt"
	"strings"
	"sync"
)

// Profile is a named detector performance trade-off.
type Profile string

const (
	ProfileHighSpeed   Profile = "high_speed"
	ProfileBalanced    Profile = "balanced"
	ProfileHighQuality Profile = "high_quality"
)

var profileThresholds = map[Profile]float64{
	ProfileHighSpeed:   0.6,
	ProfileBalanced:    0.5,
	ProfileHighQuality: 0.4,
}

// ParseProfile accepts any case and surrounding whitespace.
func ParseProfile(s string) (Profile, error) {
	p := Profile(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := profileThresholds[p]; !ok {
		return "", fmt.Errorf("unknown performance profile %q", s)
	}
	return p, nil
}

// Threshold returns the confidence floor for the profile.
func (p Profile) Threshold() float64 {
	return profileThresholds[p]
}

// Gate drops detections below a confidence threshold. The threshold is
// changed at runtime only through SetProfile and SetThreshold.
type Gate struct {
	mu        sync.RWMutex
	profile   Profile
	threshold float64
}

// NewGate returns a gate using the profile's threshold.
func NewGate(p Profile) (*Gate, error) {
	if _, ok := profileThresholds[p]; !ok {
		return nil, fmt.Errorf("unknown performance profile %q", p)
	}
	return &Gate{profile: p, threshold: p.Threshold()}, nil
}

// SetProfile switches profile and resets the threshold to its value.
func (g *Gate) SetProfile(p Profile) error {
	if _, ok := profileThresholds[p]; !ok {
		return fmt.Errorf("unknown performance profile %q", p)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.profile = p
	g.threshold = p.Threshold()
	return nil
}

// SetThreshold overrides the threshold while keeping the profile name.
func (g *Gate) SetThreshold(t float64) error {
	if t < 0 || t > 1 {
		return fmt.Errorf("threshold %v out of [0, 1]", t)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.threshold = t
	return nil
}

func (g *Gate) Profile() Profile {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.profile
}

func (g *Gate) Threshold() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.threshold
}

// Apply returns detections whose confidence is at least the threshold.
func (g *Gate) Apply(dets []Detection) []Detection {
	t := g.Threshold()
	return Filter(dets, func(d Detection) bool { return d.Confidence >= t })
}
