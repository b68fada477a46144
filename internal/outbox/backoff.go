package outbox

import (
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: Base doubled per retry, capped at Max, with
// a +/- Jitter fraction applied.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
	// Rand returns a value in [0,1). Defaults to math/rand.
	Rand func() float64
}

func (b Backoff) Delay(retry int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	if retry < 1 {
		retry = 1
	}
	delay := base
	for i := 1; i < retry; i++ {
		delay *= 2
		if b.Max > 0 && delay >= b.Max {
			delay = b.Max
			break
		}
	}
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	if b.Jitter > 0 {
		rnd := b.Rand
		if rnd == nil {
			rnd = rand.Float64
		}
		jitter := (rnd()*2 - 1) * b.Jitter
		delay = time.Duration(float64(delay) * (1 + jitter))
	}
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	if delay <= 0 {
		delay = base
	}
	return delay
}
