package skimmer

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// PollConfig is the per-registration polling contract of a Fetcher.
type PollConfig struct {
	Interval  time.Duration
	Timeout   time.Duration
	Staleness time.Duration
}

type AggregatorConfig struct {
	// FailureThreshold is the number of consecutive failed fetches after
	// which a source is unhealthy regardless of the age of its last value.
	FailureThreshold int
}

// SourceState is the health record of one source as seen in a Snapshot.
type SourceState struct {
	Reading    Reading       `json:"reading"`
	HasReading bool          `json:"has_reading"`
	Age        time.Duration `json:"age"`
	Staleness  time.Duration `json:"staleness"`
	Failures   int           `json:"failures"`
	Invalid    int           `json:"invalid"`
	LastErr    error         `json:"-"`
	Healthy    bool          `json:"healthy"`
}

// Reason returns the error class explaining why the source is unhealthy.
func (s SourceState) Reason() string {
	if s.Healthy {
		return ""
	}
	if s.LastErr != nil && s.Failures > 0 {
		return ErrorClass(s.LastErr)
	}
	if !s.HasReading {
		return ErrorClass(ErrSensorUnavailable)
	}
	return ErrorClass(ErrSensorStale)
}

// Snapshot is an immutable copy of every registered source, taken at Time.
type Snapshot struct {
	Time    time.Time
	Sources map[SourceID]SourceState
}

func (s Snapshot) Healthy(id SourceID) bool {
	return s.Sources[id].Healthy
}

func (s Snapshot) Heading() (HeadingFix, bool) {
	st, ok := s.Sources[SourceCompass]
	if !ok || !st.Healthy {
		return HeadingFix{}, false
	}
	return HeadingFix{Degrees: NormalizeHeading(st.Reading.Value), Timestamp: st.Reading.Timestamp}, true
}

func (s Snapshot) Position() (PositionFix, bool) {
	st, ok := s.Sources[SourceGPS]
	if !ok || !st.Healthy {
		return PositionFix{}, false
	}
	return PositionFix{
		Latitude:  st.Reading.Value,
		Longitude: st.Reading.Longitude,
		Timestamp: st.Reading.Timestamp,
	}, true
}

func (s Snapshot) Waste() (WasteBearing, bool) {
	st, ok := s.Sources[SourceWaste]
	if !ok || !st.Healthy {
		return WasteBearing{}, false
	}
	return WasteBearing{
		Offset:     st.Reading.Value,
		Confidence: st.Reading.Confidence,
		Timestamp:  st.Reading.Timestamp,
	}, true
}

// Obstacles returns the healthy ultrasonic readings in index order.
func (s Snapshot) Obstacles() []ObstacleReading {
	var obs []ObstacleReading
	for i, id := range ultrasonicSources {
		st, ok := s.Sources[id]
		if !ok || !st.Healthy {
			continue
		}
		obs = append(obs, ObstacleReading{
			Index:     i,
			Distance:  st.Reading.Value,
			Timestamp: st.Reading.Timestamp,
		})
	}
	return obs
}

type sourceState struct {
	reading    Reading
	hasReading bool
	staleness  time.Duration
	failures   int
	invalid    int
	lastErr    error
}

type registration struct {
	fetcher Fetcher
	poll    PollConfig
}

// Aggregator polls every registered Fetcher on its own goroutine and keeps the
// latest reading and health of each source.
type Aggregator struct {
	cfg AggregatorConfig
	now func() time.Time

	mu      sync.Mutex
	sources map[SourceID]*sourceState
	regs    []registration
	started bool

	wg sync.WaitGroup
}

func NewAggregator(cfg AggregatorConfig) *Aggregator {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	return &Aggregator{
		cfg:     cfg,
		now:     time.Now,
		sources: make(map[SourceID]*sourceState),
	}
}

// Register adds a fetcher. It must be called before Start.
func (a *Aggregator) Register(f Fetcher, pc PollConfig) error {
	if pc.Interval <= 0 || pc.Timeout <= 0 || pc.Staleness <= 0 {
		return errors.Errorf("%s: interval, timeout and staleness must be positive", f.Name())
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.Errorf("%s: aggregator already started", f.Name())
	}
	for _, id := range f.Sources() {
		if _, ok := a.sources[id]; ok {
			return errors.Errorf("%s: source %s already registered", f.Name(), id)
		}
	}
	for _, id := range f.Sources() {
		a.sources[id] = &sourceState{staleness: pc.Staleness}
	}
	a.regs = append(a.regs, registration{fetcher: f, poll: pc})
	return nil
}

// Start launches one polling goroutine per fetcher and returns immediately.
func (a *Aggregator) Start(ctx context.Context) {
	a.mu.Lock()
	a.started = true
	regs := append([]registration(nil), a.regs...)
	a.mu.Unlock()

	for _, r := range regs {
		a.wg.Add(1)
		go func(r registration) {
			defer a.wg.Done()
			a.run(ctx, r)
		}(r)
	}
}

// Wait blocks until every polling goroutine has returned.
func (a *Aggregator) Wait() {
	a.wg.Wait()
}

func (a *Aggregator) run(ctx context.Context, r registration) {
	logger := log.WithField("fetcher", r.fetcher.Name())
	logger.WithField("interval", r.poll.Interval).Debug("polling started")
	ticker := time.NewTicker(r.poll.Interval)
	defer ticker.Stop()
	for {
		a.poll(ctx, r)
		select {
		case <-ctx.Done():
			logger.Debug("polling stopped")
			return
		case <-ticker.C:
		}
	}
}

type fetchResult struct {
	results []Result
	err     error
}

// poll performs one timeout bounded fetch and applies its outcome. A fetch
// that ignores its context is abandoned once the timeout expires.
func (a *Aggregator) poll(ctx context.Context, r registration) {
	fctx, cancel := context.WithTimeout(ctx, r.poll.Timeout)
	defer cancel()

	resChan := make(chan fetchResult, 1)
	go func() {
		res, err := r.fetcher.Fetch(fctx)
		resChan <- fetchResult{results: res, err: err}
	}()

	select {
	case res := <-resChan:
		a.apply(r.fetcher, res.results, res.err)
	case <-fctx.Done():
		if ctx.Err() != nil {
			return
		}
		a.apply(r.fetcher, nil, errors.Wrapf(ErrSensorUnavailable, "%s: fetch timed out after %v", r.fetcher.Name(), r.poll.Timeout))
	}
}

func (a *Aggregator) apply(f Fetcher, results []Result, fetchErr error) {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()

	if fetchErr != nil {
		if !errors.Is(fetchErr, ErrSensorInvalid) && !errors.Is(fetchErr, ErrSensorUnavailable) {
			fetchErr = errors.Wrap(ErrSensorUnavailable, fetchErr.Error())
		}
		for _, id := range f.Sources() {
			a.fail(id, fetchErr)
		}
		return
	}

	for _, res := range results {
		id := res.Reading.Source
		st, ok := a.sources[id]
		if !ok {
			log.WithFields(log.Fields{"fetcher": f.Name(), "source": id}).Warn("reading for unregistered source")
			continue
		}
		err := res.Err
		if err == nil {
			err = ValidateReading(res.Reading)
		}
		if err != nil {
			a.fail(id, err)
			continue
		}
		reading := res.Reading
		if reading.Timestamp.IsZero() {
			reading.Timestamp = now
		}
		if st.failures >= a.cfg.FailureThreshold || st.invalid > 0 {
			log.WithField("source", id).Info("source recovered")
		}
		st.reading = reading
		st.hasReading = true
		st.failures = 0
		st.invalid = 0
		st.lastErr = nil
	}
}

// fail records a failed fetch of one source; a.mu must be held.
func (a *Aggregator) fail(id SourceID, err error) {
	st := a.sources[id]
	st.failures++
	st.lastErr = err
	if errors.Is(err, ErrSensorInvalid) {
		st.invalid++
	}
	logger := log.WithFields(log.Fields{"source": id, "err": err})
	if st.failures == a.cfg.FailureThreshold {
		logger.Warn("source unhealthy")
	} else {
		logger.Debug("fetch failed")
	}
}

// Latest returns the last valid reading of a source, its age and its health.
func (a *Aggregator) Latest(id SourceID) (Reading, time.Duration, bool) {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.sources[id]
	if !ok {
		return Reading{}, 0, false
	}
	s := a.state(st, now)
	return s.Reading, s.Age, s.Healthy
}

// Snapshot copies the state of every source under a single lock.
func (a *Aggregator) Snapshot(now time.Time) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap := Snapshot{
		Time:    now,
		Sources: make(map[SourceID]SourceState, len(a.sources)),
	}
	for id, st := range a.sources {
		snap.Sources[id] = a.state(st, now)
	}
	return snap
}

func (a *Aggregator) state(st *sourceState, now time.Time) SourceState {
	s := SourceState{
		Reading:    st.reading,
		HasReading: st.hasReading,
		Staleness:  st.staleness,
		Failures:   st.failures,
		Invalid:    st.invalid,
		LastErr:    st.lastErr,
	}
	if st.hasReading {
		s.Age = now.Sub(st.reading.Timestamp)
		if s.Age < 0 {
			s.Age = 0
		}
	}
	s.Healthy = st.hasReading && st.failures < a.cfg.FailureThreshold && s.Age <= st.staleness
	return s
}

// ValidateReading checks that a reading is physically plausible for its source.
func ValidateReading(r Reading) error {
	v := r.Value
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return errors.Wrapf(ErrSensorInvalid, "%s: non-finite value", r.Source)
	}
	switch {
	case r.Source == SourceCompass:
		if v < 0 || v >= 360 {
			return errors.Wrapf(ErrSensorInvalid, "%s: heading %v out of range", r.Source, v)
		}
	case r.Source == SourceGPS:
		if v < -90 || v > 90 || r.Longitude < -180 || r.Longitude > 180 || math.IsNaN(r.Longitude) {
			return errors.Wrapf(ErrSensorInvalid, "%s: position %v,%v out of range", r.Source, v, r.Longitude)
		}
	case r.Source == SourceWaste:
		if v < -180 || v > 180 {
			return errors.Wrapf(ErrSensorInvalid, "%s: offset %v out of range", r.Source, v)
		}
		if r.Confidence < 0 || r.Confidence > 1 || math.IsNaN(r.Confidence) {
			return errors.Wrapf(ErrSensorInvalid, "%s: confidence %v out of range", r.Source, r.Confidence)
		}
	default:
		if _, ok := r.Source.UltrasonicIndex(); ok && v < 0 {
			return errors.Wrapf(ErrSensorInvalid, "%s: negative distance %v", r.Source, v)
		}
	}
	return nil
}
