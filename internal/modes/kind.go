package modes

import (
	"fmt"
	"strings"
)

// Kind selects which mode the control loop dispatches frames to.
type Kind int

const (
	None Kind = iota
	Assist
	Autonomous
	Engagement
)

var kindNames = [...]string{
	None:       "none",
	Assist:     "assist",
	Autonomous: "autonomous",
	Engagement: "engagement",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	return k >= None && int(k) < len(kindNames)
}

// ParseKind accepts a kind name or its mode number. The empty string is None.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "0":
		return None, nil
	case "assist", "1":
		return Assist, nil
	case "autonomous", "2":
		return Autonomous, nil
	case "engagement", "3":
		return Engagement, nil
	}
	return None, fmt.Errorf("unknown mode %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid mode %d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
