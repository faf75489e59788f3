package sensors

import (
	"context"
	"math"
	"sync"

	"github.com/jd3nn1s/skimmer"
	"github.com/jd3nn1s/skytraq"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// maximum horizontal dilution of precision
	maxHDOP = 500
)

type GPSDevice interface {
	Close() error
	Start(context.Context, skytraq.Callbacks) error
}

var gpsConnect = func(p string) (GPSDevice, error) {
	return skytraq.Connect(p)
}

// SkyTraq reads a serial SkyTraq receiver and serves its latest fix as a
// Fetcher. It is a skimmer.Retryable; run it with skimmer.Retry.
type SkyTraq struct {
	port string
	c    GPSDevice

	mu      sync.Mutex
	latest  skimmer.Reading
	has     bool
	lastErr error
}

func NewSkyTraq(port string) *SkyTraq {
	return &SkyTraq{port: port}
}

func (g *SkyTraq) Open() error {
	c, err := gpsConnect(g.port)
	g.c = c
	return err
}

func (g *SkyTraq) Close() error {
	if g.c == nil {
		return nil
	}
	return g.c.Close()
}

func (g *SkyTraq) Start(ctx context.Context) error {
	return g.c.Start(ctx, skytraq.Callbacks{
		SoftwareVersion: func(version skytraq.SoftwareVersion) {
			log.Infof("software version: %v", version)
		},
		NavData: g.navDataFn,
	})
}

func (g *SkyTraq) Name() string {
	return "gps"
}

func (g *SkyTraq) Sources() []skimmer.SourceID {
	return []skimmer.SourceID{skimmer.SourceGPS}
}

// Run keeps the receiver connected until ctx is done.
func (g *SkyTraq) Run(ctx context.Context) {
	if err := skimmer.Retry(ctx, g); err != nil {
		log.Errorf("gps done: %v", err)
	}
}

func (g *SkyTraq) navDataFn(navData skytraq.NavData) {
	if navData.Fix == skytraq.FixNone {
		log.Warnf("no satellite fix")
		g.setErr(errors.Wrap(skimmer.ErrSensorUnavailable, "no satellite fix"))
		return
	}
	if navData.HDOP > maxHDOP {
		log.WithField("HDOP", navData.HDOP).Warn("poor resolution")
		g.setErr(errors.Wrapf(skimmer.ErrSensorUnavailable, "poor resolution, hdop %v", navData.HDOP))
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.latest = skimmer.Reading{
		Source:     skimmer.SourceGPS,
		Value:      float64(navData.Latitude) / math.Pow(10, 7),
		Longitude:  float64(navData.Longitude) / math.Pow(10, 7),
		Unit:       "deg",
		Timestamp:  now(),
		Confidence: 1 - float64(navData.HDOP)/maxHDOP,
	}
	g.has = true
	g.lastErr = nil
}

func (g *SkyTraq) setErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastErr = err
}

// Fetch returns the last fix. Its timestamp is the time it was received, so
// a receiver that stops reporting goes stale in the aggregator.
func (g *SkyTraq) Fetch(ctx context.Context) ([]skimmer.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lastErr != nil {
		return nil, g.lastErr
	}
	if !g.has {
		return nil, errors.Wrap(skimmer.ErrSensorUnavailable, "no fix received yet")
	}
	return []skimmer.Result{{Reading: g.latest}}, nil
}
