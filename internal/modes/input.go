package modes

import "github.com/banshee-data/turret/internal/detection"

// Selection is an operator's pick of the engagement target, either by
// appearance or by pointing at a detection.
type Selection struct {
	Color string           `json:"color,omitempty"`
	Shape string           `json:"shape,omitempty"`
	Point *detection.Point `json:"point,omitempty"`
}

// ByAppearance reports whether both color and shape are given.
func (s Selection) ByAppearance() bool {
	return s.Color != "" && s.Shape != ""
}

// Input is the operator input accumulated since the previous cycle. The
// control loop clears it after every cycle.
type Input struct {
	Fire     bool       `json:"fire,omitempty"`
	Confirm  bool       `json:"confirm,omitempty"`
	Cancel   bool       `json:"cancel,omitempty"`
	Selected *Selection `json:"selected,omitempty"`
}

// IsZero reports whether no input is pending.
func (in Input) IsZero() bool {
	return !in.Fire && !in.Confirm && !in.Cancel && in.Selected == nil
}

// Merge folds later into in. Flags accumulate and the newest selection wins.
func (in Input) Merge(later Input) Input {
	in.Fire = in.Fire || later.Fire
	in.Confirm = in.Confirm || later.Confirm
	in.Cancel = in.Cancel || later.Cancel
	if later.Selected != nil {
		in.Selected = later.Selected
	}
	return in
}
