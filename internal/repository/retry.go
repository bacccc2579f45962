package repository

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// WithRetry runs op, retrying once per configured delay. Each failed attempt
// is logged with the operation name; the last error is returned when the
// delays are exhausted.
func WithRetry(ctx context.Context, name string, delays []time.Duration, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt >= len(delays) {
			log.Error().Err(err).Str("operation", name).Int("attempts", attempt+1).Msg("Retries exhausted")
			return err
		}
		log.Warn().Err(err).
			Str("operation", name).
			Int("attempt", attempt+1).
			Dur("delay", delays[attempt]).
			Msg("Operation failed, retrying")
		select {
		case <-time.After(delays[attempt]):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
