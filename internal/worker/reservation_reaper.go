package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Reaper releases storage reservations abandoned in the PENDING state.
type Reaper interface {
	ReapStaleReservations(ctx context.Context) (int, error)
}

// ReservationReaper periodically gives back quota held by reservations
// that never reached commit or release.
type ReservationReaper struct {
	reaper Reaper
	every  time.Duration
	log    zerolog.Logger
}

// NewReservationReaper creates a new ReservationReaper.
func NewReservationReaper(reaper Reaper, every time.Duration, log zerolog.Logger) *ReservationReaper {
	if every <= 0 {
		every = time.Minute
	}
	return &ReservationReaper{
		reaper: reaper,
		every:  every,
		log:    log.With().Str("component", "reservation_reaper").Logger(),
	}
}

// Start sweeps once immediately and then on every interval until ctx ends.
func (w *ReservationReaper) Start(ctx context.Context) {
	w.log.Info().Dur("every", w.every).Msg("ReservationReaper started")

	ticker := time.NewTicker(w.every)
	defer ticker.Stop()

	for {
		w.sweep(ctx)
		select {
		case <-ctx.Done():
			w.log.Info().Msg("ReservationReaper stopped")
			return
		case <-ticker.C:
		}
	}
}

func (w *ReservationReaper) sweep(ctx context.Context) {
	n, err := w.reaper.ReapStaleReservations(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error().Err(err).Msg("Reservation sweep failed")
		}
		return
	}
	if n > 0 {
		w.log.Warn().Int("released", n).Msg("Released abandoned reservations")
	}
}
