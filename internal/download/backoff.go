package download

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// LinearBackOff grows the delay by Base on every call, capped at Max.
type LinearBackOff struct {
	Base time.Duration
	Max  time.Duration

	n int64
}

func (b *LinearBackOff) NextBackOff() time.Duration {
	b.n++
	d := time.Duration(b.n) * b.Base
	if b.Max > 0 && (d > b.Max || d < 0) {
		return b.Max
	}
	return d
}

func (b *LinearBackOff) Reset() { b.n = 0 }

// nextDelay returns the delay before the run following attempt number
// attempts, or false when the retry budget is spent.
func nextDelay(base, max time.Duration, maxRetries, attempts int) (time.Duration, bool) {
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithMaxRetries(&LinearBackOff{Base: base, Max: max}, uint64(maxRetries))
	d := backoff.Stop
	for i := 0; i < attempts; i++ {
		if d = b.NextBackOff(); d == backoff.Stop {
			return 0, false
		}
	}
	return d, true
}
