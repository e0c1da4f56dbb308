package common

import (
	"context"
	"errors"
	"net"
	"os"
)

// IsTimeoutError reports whether err is a deadline or timeout failure from
// the network stack, a context, or the OS.
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return os.IsTimeout(err)
}
