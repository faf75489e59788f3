package skimmer

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// SourceID names one independently fetched input.
type SourceID string

const (
	SourceCompass SourceID = "compass"
	SourceGPS     SourceID = "gps"
	SourceWaste   SourceID = "waste"
)

// UltrasonicCount is the number of units in the ultrasonic array.
const UltrasonicCount = 5

var ultrasonicSources = [UltrasonicCount]SourceID{
	"ultrasonic.0",
	"ultrasonic.1",
	"ultrasonic.2",
	"ultrasonic.3",
	"ultrasonic.4",
}

// UltrasonicSource returns the source id of ultrasonic unit i (0-4).
func UltrasonicSource(i int) SourceID {
	return ultrasonicSources[i]
}

// UltrasonicSources returns the ids of the whole array in index order.
func UltrasonicSources() []SourceID {
	return ultrasonicSources[:]
}

// UltrasonicIndex returns the array index of an ultrasonic source id.
func (s SourceID) UltrasonicIndex() (int, bool) {
	for i, id := range ultrasonicSources {
		if id == s {
			return i, true
		}
	}
	return 0, false
}

// Critical reports whether losing this source can force the boat to hold.
func (s SourceID) Critical() bool {
	if s == SourceCompass {
		return true
	}
	_, ok := s.UltrasonicIndex()
	return ok
}

// Reading is the latest value of a single source.
//
// Value is the heading in degrees for the compass, the distance in metres for
// an ultrasonic unit, the signed bearing offset for the waste detector and the
// latitude for GPS (the longitude is carried separately).
type Reading struct {
	Source     SourceID  `json:"source"`
	Value      float64   `json:"value"`
	Longitude  float64   `json:"longitude,omitempty"`
	Unit       string    `json:"unit"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
}

type HeadingFix struct {
	Degrees   float64   `json:"degrees"`
	Timestamp time.Time `json:"timestamp"`
}

type PositionFix struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

type ObstacleReading struct {
	Index     int       `json:"index"`
	Distance  float64   `json:"distance"`
	Timestamp time.Time `json:"timestamp"`
}

type WasteBearing struct {
	Offset     float64   `json:"offset"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// GoalMode selects how the goal layer steers.
type GoalMode int

const (
	GoalIdle GoalMode = iota
	GoalPosition
	GoalHeading
)

var goalModeNames = []string{"idle", "position", "heading"}

func (m GoalMode) String() string {
	if int(m) >= 0 && int(m) < len(goalModeNames) {
		return goalModeNames[m]
	}
	return fmt.Sprintf("goalmode(%d)", int(m))
}

func (m GoalMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *GoalMode) UnmarshalText(text []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(text)))
	for i, name := range goalModeNames {
		if s == name {
			*m = GoalMode(i)
			return nil
		}
	}
	return fmt.Errorf("unknown goal mode %q", s)
}

// Goal is the externally configured navigation target.
type Goal struct {
	Mode    GoalMode    `json:"mode"`
	Target  PositionFix `json:"target,omitempty"`
	Heading float64     `json:"heading,omitempty"`
}

// Reason explains which layer or override produced a decision.
type Reason string

const (
	ReasonObstacle    Reason = "obstacle-avoidance"
	ReasonWaste       Reason = "waste-seeking"
	ReasonGoal        Reason = "goal-directed"
	ReasonHeadingHold Reason = "heading-hold"
	ReasonArrived     Reason = "arrived"
	ReasonIdle        Reason = "idle"
	ReasonNoHeading   Reason = "no-heading"
	ReasonHold        Reason = "hold"
	ReasonEStop       Reason = "estop"
)

// Decision is recomputed from scratch every tick.
type Decision struct {
	Heading   float64   `json:"heading"`
	Speed     float64   `json:"speed"`
	Reason    Reason    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Mode is the safety governor state.
type Mode int

const (
	ModeNormal Mode = iota
	ModeDegraded
	ModeHold
	ModeEStop
)

var modeNames = []string{"NORMAL", "DEGRADED", "HOLD", "ESTOP"}

func (m Mode) String() string {
	if int(m) >= 0 && int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("MODE(%d)", int(m))
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(text []byte) error {
	v, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for i, name := range modeNames {
		if s == name {
			return Mode(i), nil
		}
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// CommandMode is the mode flag carried to the motor controller.
type CommandMode uint8

const (
	CommandNormal CommandMode = iota
	CommandHold
	CommandEStop
)

var commandModeNames = []string{"NORMAL", "HOLD", "ESTOP"}

func (m CommandMode) String() string {
	if int(m) < len(commandModeNames) {
		return commandModeNames[m]
	}
	return fmt.Sprintf("CMD(%d)", uint8(m))
}

func (m CommandMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *CommandMode) UnmarshalText(text []byte) error {
	v, err := ParseCommandMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseCommandMode is the inverse of CommandMode.String.
func ParseCommandMode(s string) (CommandMode, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for i, name := range commandModeNames {
		if s == name {
			return CommandMode(i), nil
		}
	}
	return 0, fmt.Errorf("unknown command mode %q", s)
}

// CommandMode maps a governor mode to the flag sent on the wire.
func (m Mode) CommandMode() CommandMode {
	switch m {
	case ModeHold:
		return CommandHold
	case ModeEStop:
		return CommandEStop
	}
	return CommandNormal
}

// CommandEnvelope is the unit of dispatch. A newer envelope always supersedes
// an older one.
type CommandEnvelope struct {
	Seq      uint64      `json:"seq"`
	Heading  float64     `json:"heading"`
	Speed    float64     `json:"speed"`
	Mode     CommandMode `json:"mode"`
	IssuedAt time.Time   `json:"issued_at"`
}

// Ack is the motor controller's acknowledgement of an envelope.
type Ack struct {
	Seq        uint64    `json:"seq"`
	ReceivedAt time.Time `json:"received_at"`
}

// NormalizeHeading maps any angle onto [0,360).
func NormalizeHeading(deg float64) float64 {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return 0
	}
	h := math.Mod(deg, 360)
	if h < 0 {
		h += 360
	}
	if h >= 360 {
		h = 0
	}
	return h
}

// HeadingDelta returns the signed shortest turn from one heading to another,
// in (-180,180]. Positive is clockwise (starboard).
func HeadingDelta(from, to float64) float64 {
	d := math.Mod(to-from, 360)
	if d <= -180 {
		d += 360
	} else if d > 180 {
		d -= 360
	}
	return d
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
