package skimmer

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

const earthRadius = 6371000.0 // metres

// FusionConfig holds the calibration of the priority layers. Speeds are in
// the same unit as MaxSpeed, distances in metres and angles in degrees.
type FusionConfig struct {
	MaxSpeed            float64
	CruiseSpeed         float64
	SeekSpeed           float64
	SafeDistance        float64
	MaxTurnRate         float64
	ConfidenceThreshold float64
	DecelRadius         float64
	ArrivalRadius       float64
	// DegradedSpeedFactor scales cruise speed when a position goal is set
	// but no position fix is available.
	DegradedSpeedFactor float64
	// Facings is the mounting angle of each ultrasonic unit relative to the
	// bow, negative to port.
	Facings [UltrasonicCount]float64
}

func DefaultFusionConfig() FusionConfig {
	return FusionConfig{
		MaxSpeed:            1.0,
		CruiseSpeed:         0.8,
		SeekSpeed:           0.5,
		SafeDistance:        0.5,
		MaxTurnRate:         15,
		ConfidenceThreshold: 0.6,
		DecelRadius:         10,
		ArrivalRadius:       1.5,
		DegradedSpeedFactor: 0.5,
		Facings:             [UltrasonicCount]float64{-90, -45, 0, 45, 90},
	}
}

// Fuse turns a snapshot and goal into a decision. prev is the decision
// commanded on the previous tick, or nil on the first one. Fuse never fails.
func Fuse(cfg FusionConfig, snap Snapshot, goal Goal, prev *Decision) Decision {
	heading, hasHeading := snap.Heading()
	base := 0.0
	switch {
	case hasHeading:
		base = heading.Degrees
	case prev != nil:
		base = prev.Heading
	}

	d := fuseLayers(cfg, snap, goal, base, hasHeading)
	if prev != nil {
		d.Heading = LimitHeading(prev.Heading, d.Heading, cfg.MaxTurnRate)
	} else {
		d.Heading = NormalizeHeading(d.Heading)
	}
	if math.IsNaN(d.Speed) {
		d.Speed = 0
	}
	d.Speed = clamp(d.Speed, 0, cfg.MaxSpeed)
	d.Timestamp = snap.Time
	return d
}

func fuseLayers(cfg FusionConfig, snap Snapshot, goal Goal, base float64, hasHeading bool) Decision {
	if d, ok := avoidObstacles(cfg, snap.Obstacles(), base); ok {
		return d
	}
	if !hasHeading {
		return Decision{Heading: base, Speed: 0, Reason: ReasonNoHeading}
	}
	if w, ok := snap.Waste(); ok && w.Confidence >= cfg.ConfidenceThreshold {
		offset := clamp(w.Offset, -cfg.MaxTurnRate, cfg.MaxTurnRate)
		return Decision{Heading: base + offset, Speed: cfg.SeekSpeed, Reason: ReasonWaste}
	}
	return seekGoal(cfg, snap, goal, base)
}

// avoidObstacles steers away from every unit closer than the safe distance.
// Each unit pushes towards the side opposite its facing, weighted by the
// inverse of its distance.
func avoidObstacles(cfg FusionConfig, obs []ObstacleReading, base float64) (Decision, bool) {
	var weights, sides, dists []float64
	for _, o := range obs {
		if o.Distance >= cfg.SafeDistance {
			continue
		}
		facing := cfg.Facings[o.Index]
		side := -math.Sin(facing * math.Pi / 180)
		if math.Abs(side) < 1e-9 {
			side = clearerSide(cfg, obs)
		}
		weights = append(weights, 1/math.Max(o.Distance, 0.01))
		sides = append(sides, side)
		dists = append(dists, o.Distance)
	}
	if len(weights) == 0 {
		return Decision{}, false
	}

	push := floats.Dot(weights, sides) / floats.Sum(weights)
	if math.Abs(push) < 1e-9 {
		// symmetric obstruction, break the tie the same way as dead ahead
		push = clearerSide(cfg, obs)
	}
	adj := clamp(cfg.MaxTurnRate*push, -cfg.MaxTurnRate, cfg.MaxTurnRate)
	speed := cfg.CruiseSpeed * floats.Min(dists) / cfg.SafeDistance
	return Decision{Heading: base + adj, Speed: speed, Reason: ReasonObstacle}, true
}

// clearerSide returns -1 (port) or 1 (starboard), whichever side reports more
// clearance. Ties and missing data go to port.
func clearerSide(cfg FusionConfig, obs []ObstacleReading) float64 {
	port, starboard := math.Inf(1), math.Inf(1)
	for _, o := range obs {
		switch f := cfg.Facings[o.Index]; {
		case f < 0:
			port = math.Min(port, o.Distance)
		case f > 0:
			starboard = math.Min(starboard, o.Distance)
		}
	}
	if starboard > port {
		return 1
	}
	return -1
}

func seekGoal(cfg FusionConfig, snap Snapshot, goal Goal, base float64) Decision {
	switch goal.Mode {
	case GoalHeading:
		return Decision{Heading: goal.Heading, Speed: cfg.CruiseSpeed, Reason: ReasonHeadingHold}
	case GoalPosition:
		pos, ok := snap.Position()
		if !ok {
			return Decision{Heading: base, Speed: cfg.CruiseSpeed * cfg.DegradedSpeedFactor, Reason: ReasonHeadingHold}
		}
		dist := Distance(pos, goal.Target)
		if dist <= cfg.ArrivalRadius {
			return Decision{Heading: base, Speed: 0, Reason: ReasonArrived}
		}
		scale := 1.0
		if cfg.DecelRadius > 0 {
			scale = clamp(dist/cfg.DecelRadius, 0, 1)
		}
		return Decision{Heading: Bearing(pos, goal.Target), Speed: cfg.CruiseSpeed * scale, Reason: ReasonGoal}
	}
	return Decision{Heading: base, Speed: 0, Reason: ReasonIdle}
}

// LimitHeading moves from towards to by at most maxStep degrees along the
// shorter arc.
func LimitHeading(from, to, maxStep float64) float64 {
	delta := HeadingDelta(from, to)
	if maxStep >= 0 {
		delta = clamp(delta, -maxStep, maxStep)
	}
	return NormalizeHeading(from + delta)
}

// Distance is the great circle distance between two fixes in metres.
func Distance(from, to PositionFix) float64 {
	lat1, lat2 := radians(from.Latitude), radians(to.Latitude)
	dLat := lat2 - lat1
	dLon := radians(to.Longitude - from.Longitude)
	h := math.Pow(math.Sin(dLat/2), 2) + math.Cos(lat1)*math.Cos(lat2)*math.Pow(math.Sin(dLon/2), 2)
	return 2 * earthRadius * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Bearing is the initial true bearing from one fix to another in [0,360).
func Bearing(from, to PositionFix) float64 {
	lat1, lat2 := radians(from.Latitude), radians(to.Latitude)
	dLon := radians(to.Longitude - from.Longitude)
	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	return NormalizeHeading(math.Atan2(y, x) * 180 / math.Pi)
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
