package tunnel

import (
	"golang.org/x/time/rate"
)

// ingressLimiter caps the datagrams per second accepted from local
// applications using a token bucket. Datagrams over the limit are dropped
// rather than delayed, matching what a congested UDP path would do.
type ingressLimiter struct {
	limiter *rate.Limiter
}

// newIngressLimiter returns nil when perSecond is 0 or negative, which
// disables limiting. The burst equals one second of traffic.
func newIngressLimiter(perSecond int) *ingressLimiter {
	if perSecond <= 0 {
		return nil
	}
	return &ingressLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), perSecond)}
}

// Allow reports whether one more datagram may pass now.
func (l *ingressLimiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.limiter.Allow()
}
