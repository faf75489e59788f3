package skimmer

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// RetrySleep is the pause between closing a failed device and reopening it.
var RetrySleep = time.Second

// Retryable is a device connection that can be reopened after a failure.
type Retryable interface {
	Open() error
	Close() error
	Start(ctx context.Context) error
	Name() string
}

// Retry keeps r running until ctx is done, reopening it whenever Open or
// Start fails.
func Retry(ctx context.Context, r Retryable) error {
	errStarting := errors.New("starting")
	err := errStarting
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err != nil {
			if err != errStarting {
				log.WithField("err", err).Errorf("%s: reconnecting due to error", r.Name())
				if err = r.Close(); err != nil {
					log.WithField("err", err).Warnf("%s: unable to close", r.Name())
				}
				if !sleepCtx(ctx, RetrySleep) {
					return ctx.Err()
				}
			}
			err = r.Open()
			if err != nil {
				err = errors.Wrapf(err, "%s: open", r.Name())
				continue
			}
		}
		err = r.Start(ctx)
	}
}

// sleepCtx waits for d or until ctx is done, returning false in the latter case.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
