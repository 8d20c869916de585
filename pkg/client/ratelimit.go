package client

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// limitedReader throttles reads to a *rate.Limiter's budget, one
// token per byte, matching perkeep's proxycache use of x/time/rate for
// bandwidth shaping -- here applied to the outbound upload_file_content
// stream instead of a read-through cache.
type limitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func newLimitedReader(ctx context.Context, r io.Reader, limiter *rate.Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &limitedReader{ctx: ctx, r: r, limiter: limiter}
}

func (l *limitedReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	if n > 0 {
		if waitErr := l.limiter.WaitN(l.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}
