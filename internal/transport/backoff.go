package transport

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff doubles from Base up to Max. With Jitter set, each delay is cut
// by a random fraction of up to Jitter so reconnecting tails spread out.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	attempt int
	rand    func() float64
}

func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max, rand: rand.Float64}
}

// Next returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	d := b.Max
	if b.attempt <= 30 {
		if s := b.Base << b.attempt; s > 0 && s < b.Max {
			d = s
		}
	}
	b.attempt++
	if b.Jitter > 0 && b.rand != nil {
		d -= time.Duration(float64(d) * b.Jitter * b.rand())
	}
	return d
}

// Wait sleeps for Next, returning early with ctx's error.
func (b *Backoff) Wait(ctx context.Context) error {
	t := time.NewTimer(b.Next())
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attempts counts delays handed out since the last Reset.
func (b *Backoff) Attempts() int { return b.attempt }

func (b *Backoff) Reset() {
	b.attempt = 0
}
