package agent

import "time"

// Backoff hands out reconnect delays that start at Floor and double after each
// consecutive failure, capped at Ceiling.
type Backoff struct {
	Floor   time.Duration
	Ceiling time.Duration
	cur     time.Duration
}

// Next returns the delay to wait now and doubles the following one.
func (b *Backoff) Next() time.Duration {
	if b.cur < b.Floor {
		b.cur = b.Floor
	}
	d := b.cur
	b.cur = min(b.cur*2, b.Ceiling)
	return d
}

func (b *Backoff) Reset() { b.cur = b.Floor }

// Current is the delay the next failure will wait.
func (b *Backoff) Current() time.Duration {
	if b.cur < b.Floor {
		return b.Floor
	}
	return b.cur
}
