package reliability

import (
	"math"
	"time"
)

// backoff returns the retransmit delay after n previous transmissions:
// AckTimeout doubled n times plus a uniform jitter in [0, Jitter*delay),
// capped at MaxRetransmitDelay.
func (e *Engine) backoff(n int) time.Duration {
	limit := float64(e.cfg.MaxRetransmitDelay)
	base := min(float64(e.cfg.AckTimeout)*math.Pow(2, float64(n)), limit)
	if e.cfg.Jitter > 0 {
		base += e.cfg.Jitter * base * e.rand()
	}
	return time.Duration(min(base, limit))
}

// retryDelay returns the wait before entry's next transmission. It never
// shrinks from one attempt to the next, whatever the jitter drew.
func (e *Engine) retryDelay(entry *pendingEntry) time.Duration {
	entry.delay = max(entry.delay, e.backoff(entry.retryCount))
	return entry.delay
}
