package ledger

// Height is a block height presented by the caller.
type Height uint64

// Clock carries the block height an operation executes at. Engines never read
// wall time; callers advance the clock by presenting a new height.
type Clock struct {
	height Height
}

// NewClock returns a clock positioned at height.
func NewClock(height Height) Clock { return Clock{height: height} }

// Now returns the current height.
func (c Clock) Now() Height { return c.height }

// Elapsed returns the blocks since from, zero when from is in the future.
func (c Clock) Elapsed(from Height) uint64 {
	if c.height <= from {
		return 0
	}
	return uint64(c.height - from)
}

// After reports whether the clock is strictly past deadline.
func (c Clock) After(deadline Height) bool { return c.height > deadline }

// Deadline returns start+duration, saturating on overflow.
func Deadline(start Height, duration uint64) Height {
	end := start + Height(duration)
	if end < start {
		return ^Height(0)
	}
	return end
}
