package utils

import (
	"time"

	"github.com/rs/zerolog"
)

// SlowHookThreshold is the duration after which a hook is reported as slow.
// PlatformIO blocks the build on every hook, so anything beyond this is visible.
const SlowHookThreshold = 10 * time.Second

// OperationTimer provides a defer-friendly way to measure operation duration
//
// Usage:
//
//	func (r *Runner) BeforeImage(...) error {
//	    defer utils.OperationTimer("before_image", r.log)()
//	}
func OperationTimer(operation string, log zerolog.Logger) func() time.Duration {
	start := time.Now()

	return func() time.Duration {
		duration := time.Since(start)

		log.Debug().
			Str("operation", operation).
			Dur("duration_ms", duration).
			Msg("Operation completed")

		if duration > SlowHookThreshold {
			log.Warn().
				Str("operation", operation).
				Dur("duration", duration).
				Msg("Slow operation detected")
		}

		return duration
	}
}
