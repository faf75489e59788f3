package skimmer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// SnapshotSource is the read contract of the sensor state. *Aggregator
// implements it.
type SnapshotSource interface {
	Snapshot(now time.Time) Snapshot
}

type NavigatorConfig struct {
	TickPeriod  time.Duration
	HistorySize int
	Fusion      FusionConfig
	Governor    GovernorConfig
}

func DefaultNavigatorConfig() NavigatorConfig {
	return NavigatorConfig{
		TickPeriod:  100 * time.Millisecond,
		HistorySize: 64,
		Fusion:      DefaultFusionConfig(),
		Governor:    DefaultGovernorConfig(),
	}
}

// TickView is the outcome of one tick, handed to observers.
type TickView struct {
	Tick        uint64          `json:"tick"`
	Time        time.Time       `json:"time"`
	Fused       Decision        `json:"fused"`
	Decision    Decision        `json:"decision"`
	Envelope    CommandEnvelope `json:"envelope"`
	Dispatched  bool            `json:"dispatched"`
	Mode        Mode            `json:"mode"`
	Transitions []Transition    `json:"transitions,omitempty"`
}

type SourceHealth struct {
	Healthy   bool   `json:"healthy"`
	AgeMillis int64  `json:"age_ms"`
	Failures  int    `json:"failures"`
	Invalid   int    `json:"invalid"`
	Reason    string `json:"reason,omitempty"`
}

// Status is the system health as of the last tick.
type Status struct {
	RunID      string                    `json:"run_id"`
	Tick       uint64                    `json:"tick"`
	Time       time.Time                 `json:"time"`
	Mode       Mode                      `json:"mode"`
	ModeReason string                    `json:"mode_reason,omitempty"`
	Sources    map[SourceID]SourceHealth `json:"sources"`
	LastAckSeq uint64                    `json:"last_ack_seq"`
	LastAckAt  time.Time                 `json:"last_ack_at,omitempty"`
	Dispatch   DispatchStats             `json:"dispatch"`
	Goal       Goal                      `json:"goal"`
}

// Navigator runs the fixed cadence loop: snapshot, fusion, governor gate and
// dispatch.
type Navigator struct {
	cfg     NavigatorConfig
	sensors SnapshotSource
	gov     *Governor
	disp    *Dispatcher
	runID   string

	// tick state, only touched by Tick
	tickMu     sync.Mutex
	prev       *Decision
	lastAckSeq uint64
	ticks      uint64

	mu           sync.RWMutex
	goal         Goal
	pendingEStop *string
	pendingClear bool
	view         TickView
	status       Status
	history      []Decision
	historyPos   int
	historyFull  bool
	observers    []Observer
}

func NewNavigator(cfg NavigatorConfig, sensors SnapshotSource, disp *Dispatcher, runID string) *Navigator {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1
	}
	return &Navigator{
		cfg:     cfg,
		sensors: sensors,
		gov:     NewGovernor(cfg.Governor),
		disp:    disp,
		runID:   runID,
		history: make([]Decision, cfg.HistorySize),
		status:  Status{RunID: runID, Mode: ModeNormal},
	}
}

func (n *Navigator) AddObserver(o Observer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.observers = append(n.observers, o)
}

// SetGoal replaces the navigation goal from the next tick on.
func (n *Navigator) SetGoal(g Goal) error {
	if err := ValidateGoal(g); err != nil {
		return err
	}
	g.Heading = NormalizeHeading(g.Heading)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.goal = g
	log.WithFields(log.Fields{"mode": g.Mode, "target": g.Target, "heading": g.Heading}).Info("goal updated")
	return nil
}

func (n *Navigator) Goal() Goal {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.goal
}

// EStop requests an emergency stop. It overrides the next dispatched command.
func (n *Navigator) EStop(reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pendingEStop = &reason
}

// ClearEStop requests leaving ESTOP on the next tick. An EStop requested in
// the same tick wins.
func (n *Navigator) ClearEStop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pendingClear = true
}

// Run ticks at the configured period until ctx is done.
func (n *Navigator) Run(ctx context.Context) error {
	log.WithFields(log.Fields{"period": n.cfg.TickPeriod, "run_id": n.runID}).Info("navigation loop started")
	ticker := time.NewTicker(n.cfg.TickPeriod)
	defer ticker.Stop()
	n.Tick(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			log.Info("navigation loop stopped")
			return ctx.Err()
		case now := <-ticker.C:
			start := time.Now()
			n.Tick(ctx, now)
			if elapsed := time.Since(start); elapsed > n.cfg.TickPeriod {
				log.WithField("elapsed", elapsed).Warn("tick overran its period")
			}
		}
	}
}

// Tick runs one cycle at time now and returns its outcome.
func (n *Navigator) Tick(ctx context.Context, now time.Time) TickView {
	n.tickMu.Lock()
	defer n.tickMu.Unlock()

	snap := n.sensors.Snapshot(now)

	n.mu.Lock()
	goal := n.goal
	estop, clearReq := n.pendingEStop, n.pendingClear
	n.pendingEStop, n.pendingClear = nil, false
	n.mu.Unlock()

	var transitions []Transition
	record := func(t *Transition) {
		if t != nil {
			transitions = append(transitions, *t)
		}
	}
	if clearReq {
		record(n.gov.ClearEStop(now))
	}
	if estop != nil {
		record(n.gov.TriggerEStop(*estop, now))
	}

	ack, hasAck := n.disp.LastAck()
	acked := hasAck && ack.Seq > n.lastAckSeq
	if acked {
		n.lastAckSeq = ack.Seq
	}
	record(n.gov.Evaluate(GovernorInput{Snapshot: snap, Acked: acked, Now: now}))

	fused := Fuse(n.cfg.Fusion, snap, goal, n.prev)
	gated, cmode := n.gov.Gate(fused)
	env, sent := n.disp.Submit(ctx, gated, cmode, now)
	n.prev = &gated
	n.ticks++

	view := TickView{
		Tick:        n.ticks,
		Time:        now,
		Fused:       fused,
		Decision:    gated,
		Envelope:    env,
		Dispatched:  sent,
		Mode:        n.gov.Mode(),
		Transitions: transitions,
	}
	status := Status{
		RunID:      n.runID,
		Tick:       n.ticks,
		Time:       now,
		Mode:       n.gov.Mode(),
		ModeReason: n.gov.Reason(),
		Sources:    make(map[SourceID]SourceHealth, len(snap.Sources)),
		Dispatch:   n.disp.Stats(),
		Goal:       goal,
	}
	for id, st := range snap.Sources {
		status.Sources[id] = SourceHealth{
			Healthy:   st.Healthy,
			AgeMillis: st.Age.Milliseconds(),
			Failures:  st.Failures,
			Invalid:   st.Invalid,
			Reason:    st.Reason(),
		}
	}
	if hasAck {
		status.LastAckSeq = ack.Seq
		status.LastAckAt = ack.ReceivedAt
	}

	log.WithFields(log.Fields{
		"tick":    view.Tick,
		"mode":    view.Mode,
		"heading": gated.Heading,
		"speed":   gated.Speed,
		"reason":  gated.Reason,
		"seq":     env.Seq,
	}).Debug("tick")

	n.mu.Lock()
	n.view = view
	n.status = status
	n.history[n.historyPos] = gated
	n.historyPos = (n.historyPos + 1) % len(n.history)
	if n.historyPos == 0 {
		n.historyFull = true
	}
	observers := append([]Observer(nil), n.observers...)
	n.mu.Unlock()

	for _, o := range observers {
		o.Tick(view)
	}
	return view
}

// Decision returns the last gated decision and the last dispatched envelope.
func (n *Navigator) Decision() (Decision, CommandEnvelope) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.view.Decision, n.view.Envelope
}

func (n *Navigator) LastTick() TickView {
	n.mu.RLock()
	defer n.mu.RUnlock()
	v := n.view
	v.Transitions = append([]Transition(nil), v.Transitions...)
	return v
}

func (n *Navigator) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s := n.status
	s.Sources = make(map[SourceID]SourceHealth, len(n.status.Sources))
	for id, h := range n.status.Sources {
		s.Sources[id] = h
	}
	return s
}

// History returns the recent gated decisions, oldest first.
func (n *Navigator) History() []Decision {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.historyFull {
		return append([]Decision(nil), n.history[:n.historyPos]...)
	}
	out := make([]Decision, 0, len(n.history))
	out = append(out, n.history[n.historyPos:]...)
	return append(out, n.history[:n.historyPos]...)
}

// ValidateGoal checks the coordinates and mode of a goal.
func ValidateGoal(g Goal) error {
	switch g.Mode {
	case GoalIdle, GoalHeading:
	case GoalPosition:
		if g.Target.Latitude < -90 || g.Target.Latitude > 90 ||
			g.Target.Longitude < -180 || g.Target.Longitude > 180 {
			return errors.Errorf("goal target %v,%v out of range", g.Target.Latitude, g.Target.Longitude)
		}
	default:
		return errors.Errorf("unknown goal mode %d", g.Mode)
	}
	return nil
}
