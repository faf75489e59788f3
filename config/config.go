// Package config loads the skimmer configuration file.
package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jd3nn1s/skimmer"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a string such as "250ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", string(text))
	}
	d.Duration = v
	return nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

func duration(d time.Duration) Duration {
	return Duration{Duration: d}
}

type File struct {
	LogLevel   string     `toml:"log_level" yaml:"log_level"`
	Navigation Navigation `toml:"navigation" yaml:"navigation"`
	Governor   Governor   `toml:"governor" yaml:"governor"`
	Dispatch   Dispatch   `toml:"dispatch" yaml:"dispatch"`
	Sources    Sources    `toml:"sources" yaml:"sources"`
	Motor      Motor      `toml:"motor" yaml:"motor"`
	Status     Status     `toml:"status" yaml:"status"`
	Journal    Journal    `toml:"journal" yaml:"journal"`
	Goal       Goal       `toml:"goal" yaml:"goal"`
}

type Navigation struct {
	Tick                Duration  `toml:"tick" yaml:"tick"`
	History             int       `toml:"history" yaml:"history"`
	MaxSpeed            float64   `toml:"max_speed" yaml:"max_speed"`
	CruiseSpeed         float64   `toml:"cruise_speed" yaml:"cruise_speed"`
	SeekSpeed           float64   `toml:"seek_speed" yaml:"seek_speed"`
	SafeDistance        float64   `toml:"safe_distance" yaml:"safe_distance"`
	MaxTurnRate         float64   `toml:"max_turn_rate" yaml:"max_turn_rate"`
	ConfidenceThreshold float64   `toml:"confidence_threshold" yaml:"confidence_threshold"`
	DecelRadius         float64   `toml:"decel_radius" yaml:"decel_radius"`
	ArrivalRadius       float64   `toml:"arrival_radius" yaml:"arrival_radius"`
	DegradedSpeedFactor float64   `toml:"degraded_speed_factor" yaml:"degraded_speed_factor"`
	Facings             []float64 `toml:"facings" yaml:"facings"`
}

type Governor struct {
	NoAckTicks       int `toml:"no_ack_ticks" yaml:"no_ack_ticks"`
	RecoverTicks     int `toml:"recover_ticks" yaml:"recover_ticks"`
	InvalidTolerance int `toml:"invalid_tolerance" yaml:"invalid_tolerance"`
	FailureThreshold int `toml:"failure_threshold" yaml:"failure_threshold"`
}

type Dispatch struct {
	MaxRetries     int      `toml:"max_retries" yaml:"max_retries"`
	BackoffBase    Duration `toml:"backoff_base" yaml:"backoff_base"`
	BackoffMax     Duration `toml:"backoff_max" yaml:"backoff_max"`
	SendTimeout    Duration `toml:"send_timeout" yaml:"send_timeout"`
	MaxSilence     Duration `toml:"max_silence" yaml:"max_silence"`
	HeadingEpsilon float64  `toml:"heading_epsilon" yaml:"heading_epsilon"`
	SpeedEpsilon   float64  `toml:"speed_epsilon" yaml:"speed_epsilon"`
}

// Source configures how one sensor service is reached and polled.
type Source struct {
	// Kind is "http" for the sensor services or "skytraq" for a serial GPS.
	Kind      string   `toml:"kind" yaml:"kind"`
	URL       string   `toml:"url" yaml:"url"`
	Device    string   `toml:"device" yaml:"device"`
	Interval  Duration `toml:"interval" yaml:"interval"`
	Timeout   Duration `toml:"timeout" yaml:"timeout"`
	Staleness Duration `toml:"staleness" yaml:"staleness"`
	// Keys names the JSON field of each ultrasonic unit, in index order.
	Keys []string `toml:"keys" yaml:"keys"`
	// Scale converts the reported distance to metres.
	Scale float64 `toml:"scale" yaml:"scale"`
	// LegacyOffset and LegacyConfidence describe a waste detector that only
	// reports LEFT, RIGHT or FORWARD.
	LegacyOffset     float64 `toml:"legacy_offset" yaml:"legacy_offset"`
	LegacyConfidence float64 `toml:"legacy_confidence" yaml:"legacy_confidence"`
}

type Sources struct {
	Compass    Source `toml:"compass" yaml:"compass"`
	GPS        Source `toml:"gps" yaml:"gps"`
	Ultrasonic Source `toml:"ultrasonic" yaml:"ultrasonic"`
	Waste      Source `toml:"waste" yaml:"waste"`
}

type UDP struct {
	Server string `toml:"server" yaml:"server"`
	Port   int    `toml:"port" yaml:"port"`
	// ConfigFile names a separate toml file with server and port, shared
	// with the controller's own tooling. It overrides Server and Port.
	ConfigFile string `toml:"config_file" yaml:"config_file"`
}

type Serial struct {
	Device   string `toml:"device" yaml:"device"`
	Baud     int    `toml:"baud" yaml:"baud"`
	DataBits int    `toml:"data_bits" yaml:"data_bits"`
	StopBits int    `toml:"stop_bits" yaml:"stop_bits"`
	Parity   string `toml:"parity" yaml:"parity"`
}

type HTTP struct {
	URL string `toml:"url" yaml:"url"`
}

type CAN struct {
	Interface string `toml:"interface" yaml:"interface"`
}

type Motor struct {
	// Transport is one of udp, serial, http, can, fallback or loopback.
	Transport string `toml:"transport" yaml:"transport"`
	UDP       UDP    `toml:"udp" yaml:"udp"`
	Serial    Serial `toml:"serial" yaml:"serial"`
	HTTP      HTTP   `toml:"http" yaml:"http"`
	CAN       CAN    `toml:"can" yaml:"can"`
}

type Status struct {
	Listen       string   `toml:"listen" yaml:"listen"`
	PushInterval Duration `toml:"push_interval" yaml:"push_interval"`
}

type Journal struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Path    string `toml:"path" yaml:"path"`
	Buffer  int    `toml:"buffer" yaml:"buffer"`
}

type Goal struct {
	Mode      string  `toml:"mode" yaml:"mode"`
	Latitude  float64 `toml:"latitude" yaml:"latitude"`
	Longitude float64 `toml:"longitude" yaml:"longitude"`
	Heading   float64 `toml:"heading" yaml:"heading"`
}

var motorTransports = []string{"udp", "serial", "http", "can", "fallback", "loopback"}

// Default returns the placeholder calibration. Every value is meant to be
// tuned on the water.
func Default() *File {
	nav := skimmer.DefaultNavigatorConfig()
	gov := skimmer.DefaultGovernorConfig()
	disp := skimmer.DefaultDispatchConfig()
	return &File{
		LogLevel: "info",
		Navigation: Navigation{
			Tick:                duration(nav.TickPeriod),
			History:             nav.HistorySize,
			MaxSpeed:            nav.Fusion.MaxSpeed,
			CruiseSpeed:         nav.Fusion.CruiseSpeed,
			SeekSpeed:           nav.Fusion.SeekSpeed,
			SafeDistance:        nav.Fusion.SafeDistance,
			MaxTurnRate:         nav.Fusion.MaxTurnRate,
			ConfidenceThreshold: nav.Fusion.ConfidenceThreshold,
			DecelRadius:         nav.Fusion.DecelRadius,
			ArrivalRadius:       nav.Fusion.ArrivalRadius,
			DegradedSpeedFactor: nav.Fusion.DegradedSpeedFactor,
			Facings:             append([]float64(nil), nav.Fusion.Facings[:]...),
		},
		Governor: Governor{
			NoAckTicks:       gov.NoAckTicks,
			RecoverTicks:     gov.RecoverTicks,
			InvalidTolerance: gov.InvalidTolerance,
			FailureThreshold: 3,
		},
		Dispatch: Dispatch{
			MaxRetries:     disp.MaxRetries,
			BackoffBase:    duration(disp.BackoffBase),
			BackoffMax:     duration(disp.BackoffMax),
			SendTimeout:    duration(disp.SendTimeout),
			MaxSilence:     duration(disp.MaxSilence),
			HeadingEpsilon: disp.HeadingEpsilon,
			SpeedEpsilon:   disp.SpeedEpsilon,
		},
		Sources: Sources{
			Compass:    httpSource("http://localhost:8005/heading", 100*time.Millisecond, 500*time.Millisecond),
			GPS:        httpSource("http://localhost:8006/location", 500*time.Millisecond, 3*time.Second),
			Ultrasonic: ultrasonicSource(),
			Waste:      wasteSource(),
		},
		Motor: Motor{
			Transport: "fallback",
			UDP:       UDP{Server: "127.0.0.1", Port: 9000},
			Serial:    Serial{Device: "/dev/ttyUSB0", Baud: 115200, DataBits: 8, StopBits: 1, Parity: "none"},
			HTTP:      HTTP{URL: "http://192.168.4.1"},
			CAN:       CAN{Interface: "can0"},
		},
		Status: Status{
			Listen:       ":8080",
			PushInterval: duration(250 * time.Millisecond),
		},
		Journal: Journal{
			Path:   "skimmer.db",
			Buffer: 256,
		},
		Goal: Goal{Mode: "idle"},
	}
}

func httpSource(url string, interval, staleness time.Duration) Source {
	return Source{
		Kind:      "http",
		URL:       url,
		Interval:  duration(interval),
		Timeout:   duration(interval * 2),
		Staleness: duration(staleness),
	}
}

func wasteSource() Source {
	s := httpSource("http://localhost:8002/analyze", 200*time.Millisecond, time.Second)
	s.LegacyOffset = 15
	return s
}

func ultrasonicSource() Source {
	s := httpSource("http://localhost:8004/distance", 100*time.Millisecond, 500*time.Millisecond)
	s.Keys = []string{"left", "front_left", "front", "front_right", "right"}
	s.Scale = 0.01
	return s
}

// Load reads a .toml, .yaml or .yml file over the defaults.
func Load(path string) (*File, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open config %s", path)
	}
	defer f.Close()
	cfg, err := LoadReader(f, filepath.Ext(path))
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	log.WithField("path", path).Info("loaded configuration")
	return cfg, nil
}

// LoadReader decodes configuration in the format named by ext (".toml",
// ".yaml" or ".yml") over the defaults and validates the result.
func LoadReader(r io.Reader, ext string) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read config reader")
	}
	cfg := Default()
	switch strings.ToLower(ext) {
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, errors.Wrap(err, "unable to decode toml configuration")
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			log.WithField("keys", undecoded).Warn("ignoring unknown configuration keys")
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(cfg); err != nil && err != io.EOF {
			return nil, errors.Wrap(err, "unable to decode yaml configuration")
		}
	default:
		return nil, errors.Errorf("unsupported config format %q", ext)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// Validate rejects configurations the navigation loop cannot run with.
func (c *File) Validate() error {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "log_level")
	}

	n := c.Navigation
	if n.Tick.Duration <= 0 {
		return errors.New("navigation.tick must be positive")
	}
	if n.MaxSpeed <= 0 {
		return errors.New("navigation.max_speed must be positive")
	}
	for name, v := range map[string]float64{"cruise_speed": n.CruiseSpeed, "seek_speed": n.SeekSpeed} {
		if v < 0 || v > n.MaxSpeed {
			return errors.Errorf("navigation.%s %v outside [0,%v]", name, v, n.MaxSpeed)
		}
	}
	if n.ConfidenceThreshold < 0 || n.ConfidenceThreshold > 1 {
		return errors.Errorf("navigation.confidence_threshold %v outside [0,1]", n.ConfidenceThreshold)
	}
	if n.SafeDistance <= 0 || n.MaxTurnRate <= 0 {
		return errors.New("navigation.safe_distance and max_turn_rate must be positive")
	}
	if n.ArrivalRadius < 0 || n.DecelRadius < 0 {
		return errors.New("navigation radii must not be negative")
	}
	if len(n.Facings) != skimmer.UltrasonicCount {
		return errors.Errorf("navigation.facings needs %d entries, got %d", skimmer.UltrasonicCount, len(n.Facings))
	}

	g := c.Governor
	if g.NoAckTicks < 0 || g.RecoverTicks < 0 || g.InvalidTolerance < 0 || g.FailureThreshold <= 0 {
		return errors.New("governor counts must not be negative and failure_threshold must be positive")
	}

	if c.Dispatch.MaxRetries < 0 {
		return errors.Errorf("dispatch.max_retries %d is negative", c.Dispatch.MaxRetries)
	}
	if c.Dispatch.MaxSilence.Duration <= 0 {
		return errors.New("dispatch.max_silence must be positive")
	}

	for name, s := range c.Sources.byName() {
		if err := s.validate(name); err != nil {
			return err
		}
	}
	if keys := c.Sources.Ultrasonic.Keys; c.Sources.Ultrasonic.Kind == "http" && len(keys) != skimmer.UltrasonicCount {
		return errors.Errorf("sources.ultrasonic.keys needs %d entries, got %d", skimmer.UltrasonicCount, len(keys))
	}

	if !contains(motorTransports, c.Motor.Transport) {
		return errors.Errorf("motor.transport %q is not one of %s", c.Motor.Transport, strings.Join(motorTransports, ", "))
	}
	if _, err := c.GoalValue(); err != nil {
		return err
	}
	return nil
}

func (s Sources) byName() map[string]Source {
	return map[string]Source{
		"compass":    s.Compass,
		"gps":        s.GPS,
		"ultrasonic": s.Ultrasonic,
		"waste":      s.Waste,
	}
}

func (s Source) validate(name string) error {
	switch s.Kind {
	case "http":
		if s.URL == "" {
			return errors.Errorf("sources.%s.url is required", name)
		}
	case "skytraq":
		if name != "gps" {
			return errors.Errorf("sources.%s: skytraq is only a gps source", name)
		}
		if s.Device == "" {
			return errors.Errorf("sources.%s.device is required", name)
		}
	default:
		return errors.Errorf("sources.%s.kind %q is not http or skytraq", name, s.Kind)
	}
	if s.Interval.Duration <= 0 || s.Timeout.Duration <= 0 || s.Staleness.Duration <= 0 {
		return errors.Errorf("sources.%s interval, timeout and staleness must be positive", name)
	}
	if s.LegacyConfidence < 0 || s.LegacyConfidence > 1 {
		return errors.Errorf("sources.%s.legacy_confidence %v outside [0,1]", name, s.LegacyConfidence)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (c *File) NavigatorConfig() skimmer.NavigatorConfig {
	n := c.Navigation
	cfg := skimmer.NavigatorConfig{
		TickPeriod:  n.Tick.Duration,
		HistorySize: n.History,
		Fusion: skimmer.FusionConfig{
			MaxSpeed:            n.MaxSpeed,
			CruiseSpeed:         n.CruiseSpeed,
			SeekSpeed:           n.SeekSpeed,
			SafeDistance:        n.SafeDistance,
			MaxTurnRate:         n.MaxTurnRate,
			ConfidenceThreshold: n.ConfidenceThreshold,
			DecelRadius:         n.DecelRadius,
			ArrivalRadius:       n.ArrivalRadius,
			DegradedSpeedFactor: n.DegradedSpeedFactor,
		},
		Governor: skimmer.GovernorConfig{
			NoAckTicks:       c.Governor.NoAckTicks,
			RecoverTicks:     c.Governor.RecoverTicks,
			InvalidTolerance: c.Governor.InvalidTolerance,
		},
	}
	copy(cfg.Fusion.Facings[:], n.Facings)
	return cfg
}

func (c *File) AggregatorConfig() skimmer.AggregatorConfig {
	return skimmer.AggregatorConfig{FailureThreshold: c.Governor.FailureThreshold}
}

func (c *File) DispatchConfig() skimmer.DispatchConfig {
	d := c.Dispatch
	return skimmer.DispatchConfig{
		MaxRetries:     d.MaxRetries,
		BackoffBase:    d.BackoffBase.Duration,
		BackoffMax:     d.BackoffMax.Duration,
		SendTimeout:    d.SendTimeout.Duration,
		MaxSilence:     d.MaxSilence.Duration,
		HeadingEpsilon: d.HeadingEpsilon,
		SpeedEpsilon:   d.SpeedEpsilon,
	}
}

func (s Source) PollConfig() skimmer.PollConfig {
	return skimmer.PollConfig{
		Interval:  s.Interval.Duration,
		Timeout:   s.Timeout.Duration,
		Staleness: s.Staleness.Duration,
	}
}

// GoalValue converts the [goal] section into the initial navigation goal.
func (c *File) GoalValue() (skimmer.Goal, error) {
	var mode skimmer.GoalMode
	if err := mode.UnmarshalText([]byte(c.Goal.Mode)); err != nil {
		return skimmer.Goal{}, errors.Wrap(err, "goal.mode")
	}
	g := skimmer.Goal{
		Mode:    mode,
		Target:  skimmer.PositionFix{Latitude: c.Goal.Latitude, Longitude: c.Goal.Longitude},
		Heading: skimmer.NormalizeHeading(c.Goal.Heading),
	}
	if err := skimmer.ValidateGoal(g); err != nil {
		return skimmer.Goal{}, errors.Wrap(err, "goal")
	}
	return g, nil
}
