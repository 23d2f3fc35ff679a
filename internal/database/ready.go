package database

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	readyAttempts = 5
	readyTimeout  = 3 * time.Second
	readyBackoff  = time.Second
)

// waitReady pings a backing service until it answers, so the server can
// start alongside its dependencies in the same compose stack.
func waitReady(ctx context.Context, log zerolog.Logger, name string, ping func(context.Context) error) error {
	var err error
	backoff := readyBackoff
	for attempt := 1; attempt <= readyAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, readyTimeout)
		err = ping(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		if attempt == readyAttempts {
			break
		}

		log.Warn().Err(err).
			Str("service", name).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Service not ready, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}
