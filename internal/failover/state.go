package failover

import (
	"fmt"
	"time"
)

// State of the failover machine.
type State int

const (
	StateStable State = iota
	StateDegrading
	StateSwitching
	StateCooldown
)

var stateNames = [...]string{
	StateStable:    "stable",
	StateDegrading: "degrading",
	StateSwitching: "switching",
	StateCooldown:  "cooldown",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown failover state %q", b)
}

// Mode tells whether predictive tightening is in effect.
type Mode int

const (
	ModeNormal Mode = iota
	ModePredictive
)

func (m Mode) String() string {
	if m == ModePredictive {
		return "predictive"
	}
	return "normal"
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	switch string(b) {
	case "normal":
		*m = ModeNormal
	case "predictive":
		*m = ModePredictive
	default:
		return fmt.Errorf("unknown failover mode %q", b)
	}
	return nil
}

// Snapshot is a read-only copy of the machine state.
type Snapshot struct {
	State                State     `json:"state"`
	Mode                 Mode      `json:"mode"`
	CurrentPath          string    `json:"current_path"`
	PreferredPath        string    `json:"preferred_path"`
	ConsecutiveBad       int       `json:"consecutive_bad"`
	Urgency              float64   `json:"urgency"`
	EffectiveThresholdMs float64   `json:"effective_threshold_ms"`
	EffectiveWindow      int       `json:"effective_window"`
	LastSwitch           time.Time `json:"last_switch,omitempty"`
	LastSwitchReason     string    `json:"last_switch_reason,omitempty"`
	LastSwitchOK         bool      `json:"last_switch_ok"`
	CooldownUntil        time.Time `json:"cooldown_until,omitempty"`
	PreferredGoodSince   time.Time `json:"preferred_good_since,omitempty"`
	Switches             int       `json:"switches"`
	FailedSwitches       int       `json:"failed_switches"`
	Running              bool      `json:"running"`
}
