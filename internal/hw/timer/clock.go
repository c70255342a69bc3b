package timer

// SysTick is a monotonic millisecond counter starting at zero when created.
// It wraps after about 49 days; compare values with Before.
type SysTick struct {
	base int64
}

// NewSysTick starts a counter at the current monotonic time.
func NewSysTick() *SysTick {
	return &SysTick{base: monotonicNanos()}
}

// Millis returns milliseconds elapsed since NewSysTick.
func (s *SysTick) Millis() uint32 {
	return uint32((monotonicNanos() - s.base) / 1e6)
}

// Before reports whether tick a is earlier than tick b, tolerating wraparound.
func Before(a, b uint32) bool {
	return int32(a-b) < 0
}
