package upload

import (
	"context"
	"io"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// throttleBurst is the largest read a throttledReader passes through at once.
const throttleBurst = 64 << 10

func newRateLimiter(bytesPerSec int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := throttleBurst
	if bytesPerSec < int64(burst) {
		burst = int(bytesPerSec)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// throttledReader paces reads through a shared limiter and counts the bytes
// handed to the transport.
type throttledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
	sent    *atomic.Int64
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if t.limiter != nil && len(p) > t.limiter.Burst() {
		p = p[:t.limiter.Burst()]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		if t.limiter != nil {
			if werr := t.limiter.WaitN(t.ctx, n); werr != nil {
				return n, werr
			}
		}
		if t.sent != nil {
			t.sent.Add(int64(n))
		}
	}
	return n, err
}
