package session

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ReconnectPolicy selects reconnect delays. The zero value is a constant
// DefaultReconnectDelay.
type ReconnectPolicy struct {
	Delay       time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	Exponential bool
}

// NewBackOff builds the backoff for p. Exponential policies never give up;
// they grow from Delay to MaxDelay with the given jitter factor.
func NewBackOff(p ReconnectPolicy) backoff.BackOff {
	if p.Delay <= 0 {
		p.Delay = DefaultReconnectDelay
	}
	if !p.Exponential {
		return backoff.NewConstantBackOff(p.Delay)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Delay
	b.RandomizationFactor = p.Jitter
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval < p.Delay {
		b.MaxInterval = 10 * p.Delay
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
