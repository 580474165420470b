package usecase

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	kb = int64(1) << 10
	mb = int64(1) << 20

	// MinChunkSize and MaxChunkSize bound every plan; 5MB is the practical
	// upper bound for a single request body.
	MinChunkSize = 256 * kb
	MaxChunkSize = 5 * mb

	smallFileLimit  = 10 * mb  // size < 10MB -> 1MB base chunks
	mediumFileLimit = 100 * mb // size < 100MB -> 2MB base chunks

	slowLink     = float64(1 * mb)   // below 1MB/s the base is halved
	verySlowLink = float64(100 * kb) // below 100KB/s the base is quartered
)

// CalculateOptimalChunkSize picks a base size by file-size tier, degrades it
// when the observed network speed is poor, and clamps the result to
// [MinChunkSize, MaxChunkSize]. Tier boundaries are half-open: a file of
// exactly 10MB lands in the 2MB tier.
func CalculateOptimalChunkSize(fileSize int64, bytesPerSec float64) int64 {
	var base int64
	switch {
	case fileSize < smallFileLimit:
		base = 1 * mb
	case fileSize < mediumFileLimit:
		base = 2 * mb
	default:
		base = 5 * mb
	}

	if bytesPerSec > 0 {
		switch {
		case bytesPerSec < verySlowLink:
			base /= 4
		case bytesPerSec < slowLink:
			base /= 2
		}
	}

	if base < MinChunkSize {
		return MinChunkSize
	}
	if base > MaxChunkSize {
		return MaxChunkSize
	}
	return base
}

// speedEstimator keeps an exponential moving average of observed throughput
// (0.7 x old + 0.3 x new), accepting at most one sample every 5 seconds. The
// estimate feeds chunk planning for subsequent uploads, not the one currently
// in flight.
type speedEstimator struct {
	mu      sync.Mutex
	ema     float64
	limiter *rate.Limiter
}

func newSpeedEstimator() *speedEstimator {
	return &speedEstimator{
		limiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

func (s *speedEstimator) Observe(bytes int64, elapsed time.Duration) {
	if bytes <= 0 || elapsed <= 0 {
		return
	}
	if !s.limiter.Allow() {
		return
	}
	sample := float64(bytes) / elapsed.Seconds()

	s.mu.Lock()
	if s.ema == 0 {
		s.ema = sample
	} else {
		s.ema = 0.7*s.ema + 0.3*sample
	}
	s.mu.Unlock()
}

func (s *speedEstimator) BytesPerSec() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ema
}
