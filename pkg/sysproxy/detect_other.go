//go:build !linux && !windows && !darwin

package sysproxy

import (
	"context"
	"time"
)

// osSettings has no OS-level source on this platform; environment variables
// remain the only system proxy signal.
func osSettings(_ context.Context, _ time.Duration) Settings {
	return Settings{}
}
