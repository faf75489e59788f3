package skimmer

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

type GovernorConfig struct {
	// NoAckTicks is the number of consecutive ticks without a new
	// acknowledgement after which the boat holds.
	NoAckTicks int
	// RecoverTicks is the number of consecutive clear ticks needed to leave HOLD.
	RecoverTicks int
	// InvalidTolerance is the number of consecutive invalid readings a
	// critical source may produce before ESTOP.
	InvalidTolerance int
}

func DefaultGovernorConfig() GovernorConfig {
	return GovernorConfig{
		NoAckTicks:       15,
		RecoverTicks:     5,
		InvalidTolerance: 3,
	}
}

// GovernorInput is everything the governor looks at on one tick.
type GovernorInput struct {
	Snapshot Snapshot
	// Acked is true when a new acknowledgement arrived since the last tick.
	Acked bool
	Now   time.Time
}

type Transition struct {
	From   Mode      `json:"from"`
	To     Mode      `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Governor is the safety state machine. It is not safe for concurrent use; the
// navigation loop owns it.
type Governor struct {
	cfg GovernorConfig

	mode       Mode
	reason     string
	noAck      int
	clearTicks int

	lastHeading float64
	hasHeading  bool
}

var criticalSources = append([]SourceID{SourceCompass}, ultrasonicSources[:]...)

func NewGovernor(cfg GovernorConfig) *Governor {
	return &Governor{cfg: cfg, mode: ModeNormal}
}

func (g *Governor) Mode() Mode {
	return g.mode
}

// Reason is the cause of the last transition.
func (g *Governor) Reason() string {
	return g.reason
}

// Evaluate advances the state machine by one tick and returns the transition
// it made, if any. ESTOP is only left through ClearEStop.
func (g *Governor) Evaluate(in GovernorInput) *Transition {
	if in.Acked {
		g.noAck = 0
	} else {
		g.noAck++
	}
	if g.mode == ModeEStop {
		return nil
	}

	for _, id := range criticalSources {
		if st := in.Snapshot.Sources[id]; st.Invalid > g.cfg.InvalidTolerance {
			return g.transition(ModeEStop, fmt.Sprintf("%s produced %d consecutive invalid readings", id, st.Invalid), in.Now)
		}
	}

	holdReason := g.holdCondition(in.Snapshot)
	switch g.mode {
	case ModeHold:
		if holdReason != "" {
			g.clearTicks = 0
			return nil
		}
		g.clearTicks++
		if g.clearTicks < g.cfg.RecoverTicks {
			return nil
		}
		to, reason := g.runningMode(in.Snapshot)
		return g.transition(to, "hold cleared: "+reason, in.Now)
	default:
		if holdReason != "" {
			g.clearTicks = 0
			return g.transition(ModeHold, holdReason, in.Now)
		}
		to, reason := g.runningMode(in.Snapshot)
		if to != g.mode {
			return g.transition(to, reason, in.Now)
		}
	}
	return nil
}

func (g *Governor) holdCondition(snap Snapshot) string {
	if !snap.Healthy(SourceCompass) {
		return "compass unhealthy"
	}
	healthy := 0
	for _, id := range ultrasonicSources {
		if snap.Healthy(id) {
			healthy++
		}
	}
	if healthy == 0 {
		return "all ultrasonic units unhealthy"
	}
	if g.cfg.NoAckTicks > 0 && g.noAck >= g.cfg.NoAckTicks {
		return fmt.Sprintf("no acknowledgement for %d ticks", g.noAck)
	}
	return ""
}

func (g *Governor) runningMode(snap Snapshot) (Mode, string) {
	switch {
	case !snap.Healthy(SourceGPS):
		return ModeDegraded, "gps unhealthy"
	case !snap.Healthy(SourceWaste):
		return ModeDegraded, "waste detector unhealthy"
	}
	return ModeNormal, "all sources healthy"
}

// TriggerEStop moves to ESTOP from any mode.
func (g *Governor) TriggerEStop(reason string, now time.Time) *Transition {
	if g.mode == ModeEStop {
		return nil
	}
	if reason == "" {
		reason = "explicit trigger"
	}
	return g.transition(ModeEStop, reason, now)
}

// ClearEStop returns to NORMAL and resets the tick counters. It does nothing
// outside ESTOP.
func (g *Governor) ClearEStop(now time.Time) *Transition {
	if g.mode != ModeEStop {
		return nil
	}
	g.noAck = 0
	g.clearTicks = 0
	return g.transition(ModeNormal, "explicit clear", now)
}

func (g *Governor) transition(to Mode, reason string, at time.Time) *Transition {
	t := &Transition{From: g.mode, To: to, Reason: reason, At: at}
	g.mode = to
	g.reason = reason
	logger := log.WithFields(log.Fields{"from": t.From, "to": t.To, "reason": reason})
	if to == ModeEStop || to == ModeHold {
		logger.Warn("safety mode changed")
	} else {
		logger.Info("safety mode changed")
	}
	return t
}

// Gate applies the current mode to a fused decision. HOLD and ESTOP force
// speed to zero and keep the last heading commanded in a running mode.
func (g *Governor) Gate(d Decision) (Decision, CommandMode) {
	switch g.mode {
	case ModeHold, ModeEStop:
		if g.hasHeading {
			d.Heading = g.lastHeading
		}
		d.Speed = 0
		if g.mode == ModeHold {
			d.Reason = ReasonHold
		} else {
			d.Reason = ReasonEStop
		}
		return d, g.mode.CommandMode()
	}
	g.lastHeading = d.Heading
	g.hasHeading = true
	return d, CommandNormal
}
