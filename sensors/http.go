// Package sensors implements fetchers for the boat's sensor services.
package sensors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/jd3nn1s/skimmer"
	"github.com/pkg/errors"
)

var now = time.Now

// maxBody bounds the size of a sensor response.
const maxBody = 64 * 1024

// HTTPClient is satisfied by *http.Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type endpoint struct {
	client HTTPClient
	url    string
}

func newEndpoint(client HTTPClient, url string) endpoint {
	if client == nil {
		client = http.DefaultClient
	}
	return endpoint{client: client, url: url}
}

// getJSON fetches the endpoint and decodes its body into out. Transport
// errors and non-200 responses are ErrSensorUnavailable, undecodable bodies
// are ErrSensorInvalid.
func (e endpoint) getJSON(ctx context.Context, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url, nil)
	if err != nil {
		return errors.Wrapf(err, "unable to create request for %s", e.url)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return errors.Wrap(skimmer.ErrSensorUnavailable, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return errors.Wrapf(skimmer.ErrSensorUnavailable, "%s returned %s", e.url, resp.Status)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(out); err != nil {
		return errors.Wrapf(skimmer.ErrSensorInvalid, "%s: %v", e.url, err)
	}
	return nil
}

// Compass polls the heading service, which answers {"heading": 123.4}.
type Compass struct {
	endpoint
}

func NewCompass(client HTTPClient, url string) *Compass {
	return &Compass{endpoint: newEndpoint(client, url)}
}

func (c *Compass) Name() string {
	return "compass"
}

func (c *Compass) Sources() []skimmer.SourceID {
	return []skimmer.SourceID{skimmer.SourceCompass}
}

func (c *Compass) Fetch(ctx context.Context) ([]skimmer.Result, error) {
	var body struct {
		Heading *float64 `json:"heading"`
	}
	if err := c.getJSON(ctx, &body); err != nil {
		return nil, err
	}
	if body.Heading == nil {
		return nil, errors.Wrap(skimmer.ErrSensorUnavailable, "compass has no heading")
	}
	h := *body.Heading
	if h == 360 {
		h = 0
	}
	return []skimmer.Result{{Reading: skimmer.Reading{
		Source:     skimmer.SourceCompass,
		Value:      h,
		Unit:       "deg",
		Timestamp:  now(),
		Confidence: 1,
	}}}, nil
}

// GPS polls the location service, which answers
// {"lat": 51.5, "lon": -0.12, "fix": true}.
type GPS struct {
	endpoint
}

func NewGPS(client HTTPClient, url string) *GPS {
	return &GPS{endpoint: newEndpoint(client, url)}
}

func (g *GPS) Name() string {
	return "gps"
}

func (g *GPS) Sources() []skimmer.SourceID {
	return []skimmer.SourceID{skimmer.SourceGPS}
}

func (g *GPS) Fetch(ctx context.Context) ([]skimmer.Result, error) {
	var body struct {
		Lat *float64 `json:"lat"`
		Lon *float64 `json:"lon"`
		Fix *bool    `json:"fix"`
	}
	if err := g.getJSON(ctx, &body); err != nil {
		return nil, err
	}
	if body.Fix != nil && !*body.Fix {
		return nil, errors.Wrap(skimmer.ErrSensorUnavailable, "no satellite fix")
	}
	if body.Lat == nil || body.Lon == nil {
		return nil, errors.Wrap(skimmer.ErrSensorUnavailable, "gps has no position")
	}
	return []skimmer.Result{{Reading: skimmer.Reading{
		Source:     skimmer.SourceGPS,
		Value:      *body.Lat,
		Longitude:  *body.Lon,
		Unit:       "deg",
		Timestamp:  now(),
		Confidence: 1,
	}}}, nil
}

// Ultrasonic polls the distance service, which reports every unit in one
// object keyed by position, e.g. {"front": 123.4, "left": null}. A null is
// a unit that heard no echo.
type Ultrasonic struct {
	endpoint
	keys  []string
	scale float64
}

// NewUltrasonic maps keys[i] to ultrasonic unit i. scale converts the
// reported value to metres.
func NewUltrasonic(client HTTPClient, url string, keys []string, scale float64) (*Ultrasonic, error) {
	if len(keys) != skimmer.UltrasonicCount {
		return nil, errors.Errorf("ultrasonic needs %d keys, got %d", skimmer.UltrasonicCount, len(keys))
	}
	if scale <= 0 {
		scale = 1
	}
	return &Ultrasonic{endpoint: newEndpoint(client, url), keys: keys, scale: scale}, nil
}

func (u *Ultrasonic) Name() string {
	return "ultrasonic"
}

func (u *Ultrasonic) Sources() []skimmer.SourceID {
	return skimmer.UltrasonicSources()
}

func (u *Ultrasonic) Fetch(ctx context.Context) ([]skimmer.Result, error) {
	body := map[string]json.RawMessage{}
	if err := u.getJSON(ctx, &body); err != nil {
		return nil, err
	}
	ts := now()
	results := make([]skimmer.Result, len(u.keys))
	for i, key := range u.keys {
		id := skimmer.UltrasonicSource(i)
		results[i].Reading = skimmer.Reading{Source: id, Unit: "m", Timestamp: ts}
		raw, ok := body[key]
		if !ok || string(raw) == "null" {
			results[i].Err = errors.Wrapf(skimmer.ErrSensorUnavailable, "%s: no echo", key)
			continue
		}
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			results[i].Err = errors.Wrapf(skimmer.ErrSensorInvalid, "%s: %s is not a distance", key, string(raw))
			continue
		}
		results[i].Reading.Value = v * u.scale
		results[i].Reading.Confidence = 1
	}
	return results, nil
}

// Waste polls the waste detector. It answers {"bearing": -12.5,
// "confidence": 0.8}; older detectors only answer {"direction": "LEFT"},
// which maps to a fixed offset at a fixed confidence.
type Waste struct {
	endpoint
	LegacyOffset     float64
	LegacyConfidence float64
}

func NewWaste(client HTTPClient, url string) *Waste {
	return &Waste{endpoint: newEndpoint(client, url), LegacyOffset: 15}
}

func (w *Waste) Name() string {
	return "waste"
}

func (w *Waste) Sources() []skimmer.SourceID {
	return []skimmer.SourceID{skimmer.SourceWaste}
}

func (w *Waste) Fetch(ctx context.Context) ([]skimmer.Result, error) {
	var body struct {
		Bearing    *float64 `json:"bearing"`
		Confidence *float64 `json:"confidence"`
		Direction  string   `json:"direction"`
	}
	if err := w.getJSON(ctx, &body); err != nil {
		return nil, err
	}
	r := skimmer.Reading{Source: skimmer.SourceWaste, Unit: "deg", Timestamp: now()}
	switch {
	case body.Bearing != nil:
		r.Value = *body.Bearing
		if body.Confidence != nil {
			r.Confidence = *body.Confidence
		}
	case body.Direction != "":
		offset, err := w.legacyOffset(body.Direction)
		if err != nil {
			return nil, err
		}
		r.Value = offset
		r.Confidence = w.LegacyConfidence
	default:
		return nil, errors.Wrap(skimmer.ErrSensorUnavailable, "waste detector reported nothing")
	}
	if math.IsNaN(r.Confidence) {
		r.Confidence = 0
	}
	return []skimmer.Result{{Reading: r}}, nil
}

func (w *Waste) legacyOffset(direction string) (float64, error) {
	switch strings.ToUpper(direction) {
	case "LEFT":
		return -w.LegacyOffset, nil
	case "RIGHT":
		return w.LegacyOffset, nil
	case "FORWARD":
		return 0, nil
	}
	return 0, errors.Wrap(skimmer.ErrSensorInvalid, fmt.Sprintf("unknown waste direction %q", direction))
}
