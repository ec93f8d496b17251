package shipping

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy computes the delay before the next upload attempt. Delays grow
// exponentially from Initial and never exceed Max. There is no jitter, so
// the schedule of a record is reproducible from its retry count.
type Policy struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Initial:    30 * time.Second,
		Multiplier: 2,
		Max:        6 * time.Hour,
	}
}

// Delay returns the wait after the given failed attempt, counting from 1.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.Initial,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.Max,
	}
	b.Reset()

	var d time.Duration
	for range attempt {
		d = b.NextBackOff()
		if d >= p.Max {
			return p.Max
		}
	}
	return d
}
