// Package ballast manages the pre-allocated reserve-file pools that give
// the daemon emergency headroom: large filler files held on each monitored
// mount that can be deleted instantly under pressure to buy time for the
// scanner and executor to reclaim real space, then quietly recreated once
// the mount has recovered.
package ballast

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/diskguardian/diskguardian/internal/model"
)

// ReleaseController is a token bucket bounding the system-wide rate of
// ballast file releases. Every release costs one token regardless of
// pressure level, which differs from the teacher's per-state cost model
// (there every escalation target had a distinct cost): ballast release is a
// single kind of action here, so the budget only needs to cap frequency,
// not weight severity.
type ReleaseController struct {
	mu           sync.Mutex
	capacity     int
	tokens       int
	refillPeriod time.Duration

	releasedTotal atomic.Uint64

	stop chan struct{}
}

// NewReleaseController creates a ReleaseController with the given capacity
// and refill period, and starts its refill goroutine. Call Close to stop
// the goroutine when the daemon shuts down or reloads config.
func NewReleaseController(capacity int, refillPeriod time.Duration) *ReleaseController {
	if capacity <= 0 {
		capacity = 1
	}
	if refillPeriod <= 0 {
		refillPeriod = time.Minute
	}
	rc := &ReleaseController{
		capacity:     capacity,
		tokens:       capacity,
		refillPeriod: refillPeriod,
		stop:         make(chan struct{}),
	}
	go rc.refillLoop()
	return rc
}

func (rc *ReleaseController) refillLoop() {
	ticker := time.NewTicker(rc.refillPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rc.mu.Lock()
			rc.tokens = rc.capacity
			rc.mu.Unlock()
		case <-rc.stop:
			return
		}
	}
}

// FilesToRelease caps the number of files a pressure response wants
// released to whatever the bucket can afford and the pool actually has
// available, then consumes that many tokens.
func (rc *ReleaseController) FilesToRelease(response *model.PressureResponse, available int) int {
	want := response.ReleaseBallastFiles
	if want <= 0 || available <= 0 {
		return 0
	}
	if want > available {
		want = available
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	if want > rc.tokens {
		want = rc.tokens
	}
	rc.tokens -= want
	if want > 0 {
		rc.releasedTotal.Add(uint64(want))
	}
	return want
}

// Remaining returns the current token count.
func (rc *ReleaseController) Remaining() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.tokens
}

// ReleasedTotal returns the lifetime count of files released under this
// controller's authorization.
func (rc *ReleaseController) ReleasedTotal() uint64 {
	return rc.releasedTotal.Load()
}

// Reset refills the bucket immediately, used after a config reload changes
// capacity or refill period.
func (rc *ReleaseController) Reset() {
	rc.mu.Lock()
	rc.tokens = rc.capacity
	rc.mu.Unlock()
}

// Close stops the refill goroutine. Safe to call once.
func (rc *ReleaseController) Close() {
	close(rc.stop)
}
