package skimmer

import (
	"context"
	"math"
	"sync"
	"time"
)

// Simulator produces moving sensor values so the loop can run without
// hardware. Until it is commanded the boat sweeps its heading back and forth.
// Once commanded it turns toward the commanded heading. Either way it drifts
// along its track and periodically sees an obstacle and a piece of waste.
type Simulator struct {
	mu       sync.Mutex
	heading  float64
	position PositionFix
	obstacle float64
	waste    float64
	step     int

	commanded bool
	command   CommandEnvelope
}

func NewSimulator(start PositionFix) *Simulator {
	return &Simulator{heading: 90, position: start, obstacle: 3}
}

// Run advances the simulation every period until ctx is done.
func (s *Simulator) Run(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	down := false
	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		speed := 1.0
		switch {
		case s.commanded:
			s.heading = NormalizeHeading(s.heading + clamp(HeadingDelta(s.heading, s.command.Heading), -5, 5))
			speed = s.command.Speed
		case down:
			s.heading -= 1
		default:
			s.heading += 1
		}
		if s.heading >= 120 {
			down = true
		} else if s.heading <= 60 {
			down = false
		}

		// up to half a metre per step along the current heading
		rad := s.heading * math.Pi / 180
		s.position.Latitude += 0.5 * speed * math.Cos(rad) / 111320
		s.position.Longitude += 0.5 * speed * math.Sin(rad) / (111320 * math.Cos(s.position.Latitude*math.Pi/180))

		s.step++
		switch {
		case s.step%200 < 20:
			s.obstacle = 0.3 + float64(s.step%200)*0.01
		default:
			s.obstacle = 3
		}
		if s.step%100 < 30 {
			s.waste = 0.9
		} else {
			s.waste = 0.2
		}
		s.mu.Unlock()
	}
}

// Command steers the simulated boat. It has the signature of a loopback
// transport hook.
func (s *Simulator) Command(env CommandEnvelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commanded = true
	s.command = env
}

// Fetchers returns one fetcher per simulated sensor service.
func (s *Simulator) Fetchers() []Fetcher {
	return []Fetcher{
		&simFetcher{name: "sim-compass", sources: []SourceID{SourceCompass}, read: s.readCompass},
		&simFetcher{name: "sim-gps", sources: []SourceID{SourceGPS}, read: s.readGPS},
		&simFetcher{name: "sim-ultrasonic", sources: UltrasonicSources(), read: s.readUltrasonic},
		&simFetcher{name: "sim-waste", sources: []SourceID{SourceWaste}, read: s.readWaste},
	}
}

func (s *Simulator) readCompass(now time.Time) []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []Result{{Reading: Reading{Source: SourceCompass, Value: NormalizeHeading(s.heading), Unit: "deg", Timestamp: now, Confidence: 1}}}
}

func (s *Simulator) readGPS(now time.Time) []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []Result{{Reading: Reading{
		Source:     SourceGPS,
		Value:      s.position.Latitude,
		Longitude:  s.position.Longitude,
		Unit:       "deg",
		Timestamp:  now,
		Confidence: 1,
	}}}
}

func (s *Simulator) readUltrasonic(now time.Time) []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]Result, UltrasonicCount)
	for i := range res {
		d := 3.0
		if i == 3 {
			d = s.obstacle
		}
		res[i] = Result{Reading: Reading{Source: UltrasonicSource(i), Value: d, Unit: "m", Timestamp: now, Confidence: 1}}
	}
	return res
}

func (s *Simulator) readWaste(now time.Time) []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []Result{{Reading: Reading{Source: SourceWaste, Value: -10, Unit: "deg", Timestamp: now, Confidence: s.waste}}}
}

type simFetcher struct {
	name    string
	sources []SourceID
	read    func(now time.Time) []Result
}

func (f *simFetcher) Name() string {
	return f.name
}

func (f *simFetcher) Sources() []SourceID {
	return f.sources
}

func (f *simFetcher) Fetch(ctx context.Context) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.read(time.Now()), nil
}
