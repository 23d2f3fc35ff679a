package exam

import (
	"context"
	"time"
)

// TimerHooks receive timer events. Both are optional and run on the timer
// goroutine, so they must not block.
type TimerHooks struct {
	OnTick   func(timeLeft int)
	OnExpire func()
}

// RunTimer ticks s once per interval until ctx is cancelled or the session
// leaves the active state. OnExpire fires at most once, only when this timer
// observed the clock running out. It blocks; run it in a goroutine scoped to
// the session's owner.
func RunTimer(ctx context.Context, s *Session, interval time.Duration, hooks TimerHooks) {
	if s.Status() != StatusActive {
		// The deadline may have passed before the timer started.
		if _, expired := s.Tick(); expired && hooks.OnExpire != nil {
			hooks.OnExpire()
		}
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			left, expired := s.Tick()
			if hooks.OnTick != nil {
				hooks.OnTick(left)
			}
			if expired {
				if hooks.OnExpire != nil {
					hooks.OnExpire()
				}
				return
			}
			if s.Status() != StatusActive {
				return
			}
		}
	}
}
