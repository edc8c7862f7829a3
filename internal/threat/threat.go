// Package threat ranks candidate detections for autonomous engagement.
package threat

import (
	"math"
	"sort"
	"strings"

	"github.com/banshee-data/turret/internal/detection"
)

const (
	enemyWeight      = 100.0
	sizeWeight       = 10.0
	proximityWeight  = 15.0
	confidenceWeight = 10.0

	// referenceArea normalises box area against a 640x480 frame.
	referenceArea = 640 * 480
)

// classTiers is checked in order; the first substring match wins, so
// "red_balloon" must precede "balloon".
var classTiers = []struct {
	substr string
	weight float64
}{
	{"drone", 50},
	{"helicopter", 40},
	{"tank", 30},
	{"red_balloon", 20},
	{"balloon", 10},
}

// Scored pairs a detection with its threat score.
type Scored struct {
	detection.Detection
	Score float64 `json:"threat_score"`
}

// Score returns the weighted threat score of d relative to the frame center.
func Score(d detection.Detection, center detection.Point) float64 {
	score := 0.0
	if d.IsEnemy {
		score += enemyWeight
	}
	for _, tier := range classTiers {
		if strings.Contains(d.Class, tier.substr) {
			score += tier.weight
			break
		}
	}

	score += math.Min(1, d.Box.Area()/referenceArea) * sizeWeight

	if maxDist := center.Norm(); maxDist > 0 {
		score += (1 - math.Min(1, d.Center.Distance(center)/maxDist)) * proximityWeight
	}

	score += d.Confidence * confidenceWeight
	return score
}

// Prioritize scores every detection and returns them highest first. Equal
// scores keep their input order. The input slice is not modified.
func Prioritize(dets []detection.Detection, center detection.Point) []Scored {
	out := make([]Scored, len(dets))
	for i, d := range dets {
		out[i] = Scored{Detection: d, Score: Score(d, center)}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}
