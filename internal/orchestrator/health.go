package orchestrator

import "time"

// MaxRespawns and RespawnWindow bound how aggressively a crashing worker
// goroutine is restarted: at most MaxRespawns panics within RespawnWindow
// before the supervisor gives up on that worker and logs it as dead rather
// than respawning forever into the same crash.
const (
	MaxRespawns           = 3
	RespawnWindow         = 300 * time.Second
	ThreadHealthCheckInterval = 10 * time.Second
)

// threadHealth tracks recent panic timestamps for one worker goroutine.
type threadHealth struct {
	panicTimes []time.Time
}

func newThreadHealth() *threadHealth {
	return &threadHealth{}
}

// recordPanic records a panic and reports whether the worker may still be
// respawned (true) or has exceeded the respawn budget (false).
func (h *threadHealth) recordPanic(now time.Time) bool {
	kept := h.panicTimes[:0]
	for _, t := range h.panicTimes {
		if now.Sub(t) < RespawnWindow {
			kept = append(kept, t)
		}
	}
	h.panicTimes = append(kept, now)
	return len(h.panicTimes) <= MaxRespawns
}
