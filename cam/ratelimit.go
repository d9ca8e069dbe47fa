package cam

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited wraps a Client, throttling SendEM calls so a CAM with a
// limited smartcard transaction rate is never overrun by a burst of ECMs
// across many concurrently-decrypting programs.
type RateLimited struct {
	Client
	limiter *rate.Limiter
}

// NewRateLimited wraps client with a token-bucket limiter allowing
// emPerSecond steady-state submissions and up to burst in a single instant.
func NewRateLimited(client Client, emPerSecond float64, burst int) *RateLimited {
	return &RateLimited{
		Client:  client,
		limiter: rate.NewLimiter(rate.Limit(emPerSecond), burst),
	}
}

// SendEM blocks until the rate limiter admits the submission, then delegates
// to the wrapped Client.
func (r *RateLimited) SendEM(handle *StreamHandle, em []byte) error {
	if err := r.limiter.Wait(context.Background()); err != nil {
		return fmt.Errorf("cam: rate limiter: %w", err)
	}
	return r.Client.SendEM(handle, em)
}
