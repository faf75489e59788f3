package skimmer

import (
	"github.com/pkg/errors"
)

var (
	// ErrSensorUnavailable is returned when a source cannot be reached or has no value.
	ErrSensorUnavailable = errors.New("sensor unavailable")
	// ErrSensorStale marks a reading older than its staleness threshold.
	ErrSensorStale = errors.New("sensor stale")
	// ErrSensorInvalid marks a value outside its physical range.
	ErrSensorInvalid = errors.New("sensor invalid")
	// ErrDispatchFailure marks a command envelope the motor controller never
	// acknowledged.
	ErrDispatchFailure = errors.New("dispatch failure")
	// ErrAckTimeout is returned when a send is not acknowledged before its deadline.
	ErrAckTimeout = errors.New("ack timeout")
)

// ErrorClass names the taxonomy entry of err, or "" when it has none.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSensorInvalid):
		return "invalid"
	case errors.Is(err, ErrSensorStale):
		return "stale"
	case errors.Is(err, ErrSensorUnavailable):
		return "unavailable"
	case errors.Is(err, ErrAckTimeout):
		return "ack-timeout"
	case errors.Is(err, ErrDispatchFailure):
		return "dispatch-failure"
	}
	return "error"
}
