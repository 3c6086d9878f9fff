package transport

import "time"

// Backoff doubles the delay on every call to Next, starting at Min and
// capped at Max.
type Backoff struct {
	Min time.Duration
	Max time.Duration

	attempt int
}

func (b *Backoff) Next() time.Duration {
	d := b.Min
	for i := 0; i < b.attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}

	if d < b.Max {
		b.attempt++
	}

	return d
}

func (b *Backoff) Reset() {
	b.attempt = 0
}
