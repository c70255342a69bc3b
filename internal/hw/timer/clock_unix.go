//go:build linux || darwin || freebsd

package timer

import (
	"time"

	"golang.org/x/sys/unix"
)

func monotonicNanos() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return time.Now().UnixNano()
	}
	return ts.Nano()
}
