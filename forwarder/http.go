package forwarder

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/jd3nn1s/skimmer"
	"github.com/pkg/errors"
)

// HTTPTransport sends envelopes to the controller's WiFi endpoint:
//
//	GET <base>/command?seq=&heading=&speed=&mode=
//
// The controller answers "ACK <seq>".
type HTTPTransport struct {
	base   string
	client *http.Client
}

func NewHTTPTransport(base string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{base: strings.TrimRight(base, "/"), client: client}
}

func (h *HTTPTransport) Send(ctx context.Context, env skimmer.CommandEnvelope) (skimmer.Ack, error) {
	q := url.Values{}
	q.Set("seq", strconv.FormatUint(env.Seq, 10))
	q.Set("heading", strconv.FormatFloat(wireHeading(env.Heading), 'f', 1, 64))
	q.Set("speed", strconv.FormatFloat(env.Speed, 'f', 2, 64))
	q.Set("mode", env.Mode.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.base+"/command?"+q.Encode(), nil)
	if err != nil {
		return skimmer.Ack{}, errors.Wrap(err, "unable to create command request")
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return skimmer.Ack{}, errors.Wrapf(err, "seq %d", env.Seq)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return skimmer.Ack{}, errors.Wrap(err, "unable to read command response")
	}
	if resp.StatusCode != http.StatusOK {
		return skimmer.Ack{}, errors.Errorf("controller returned %s", resp.Status)
	}
	seq, err := ParseAck(strings.TrimSpace(string(body)))
	if err != nil {
		return skimmer.Ack{}, err
	}
	return skimmer.Ack{Seq: seq, ReceivedAt: now()}, nil
}

func (h *HTTPTransport) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
