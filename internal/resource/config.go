package resource

import (
	"log/slog"
	"time"
)

type Config struct {
	MaxCameraStreams int
	MaxObjectURLs    int
	MaxFileBuffers   int
	MaxTotalBytes    int64

	EnforceInterval time.Duration

	// EvictFraction is the share of all entries released per pass when the
	// aggregate byte ceiling is breached. HighPressureEvictFraction replaces
	// it while heap pressure is high.
	EvictFraction             float64
	HighPressureEvictFraction float64

	Logger *slog.Logger

	// OnEviction is invoked after the enforcement pass releases entries of a
	// category. Optional; used for metrics.
	OnEviction func(category Category, count int)
}

func DefaultConfig() Config {
	return Config{
		MaxCameraStreams:          3,
		MaxObjectURLs:             50,
		MaxFileBuffers:            10,
		MaxTotalBytes:             500 << 20,
		EnforceInterval:           30 * time.Second,
		EvictFraction:             0.2,
		HighPressureEvictFraction: 0.4,
	}
}

func (c Config) normalize() Config {
	out := c
	def := DefaultConfig()

	if out.MaxCameraStreams <= 0 {
		out.MaxCameraStreams = def.MaxCameraStreams
	}
	if out.MaxObjectURLs <= 0 {
		out.MaxObjectURLs = def.MaxObjectURLs
	}
	if out.MaxFileBuffers <= 0 {
		out.MaxFileBuffers = def.MaxFileBuffers
	}
	if out.MaxTotalBytes <= 0 {
		out.MaxTotalBytes = def.MaxTotalBytes
	}
	if out.EnforceInterval <= 0 {
		out.EnforceInterval = def.EnforceInterval
	}
	if out.EvictFraction <= 0 || out.EvictFraction > 1 {
		out.EvictFraction = def.EvictFraction
	}
	if out.HighPressureEvictFraction <= 0 || out.HighPressureEvictFraction > 1 {
		out.HighPressureEvictFraction = def.HighPressureEvictFraction
	}
	if out.HighPressureEvictFraction < out.EvictFraction {
		out.HighPressureEvictFraction = out.EvictFraction
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}
