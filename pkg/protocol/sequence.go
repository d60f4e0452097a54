package protocol

import "sync/atomic"

// SequenceModulo is the wrap point of the 4-bit sequence number.
const SequenceModulo = 16

// SequenceCounter is the 4-bit correlation tag of acknowledgement-requesting commands.
// It is a tag only; the peripheral gives no ordering guarantee.
type SequenceCounter struct {
	v atomic.Uint32
}

// NewSequenceCounter returns a counter starting at 1, the first usable ack tag.
func NewSequenceCounter() *SequenceCounter {
	c := &SequenceCounter{}
	c.v.Store(1)
	return c
}

// Current returns the counter value in [0, 15].
func (c *SequenceCounter) Current() uint8 {
	return uint8(c.v.Load() % SequenceModulo)
}

// ForCommand returns the tag for the next ack-requesting command. A value of 0
// would read as "no ack requested", so a wrapped counter is moved to 1 first.
func (c *SequenceCounter) ForCommand() uint8 {
	if c.Current() == 0 {
		c.v.Store(1)
	}
	return c.Current()
}

// Advance moves to the next value, wrapping to 0 after 15. Call only after a
// successful write of an ack-requesting command.
func (c *SequenceCounter) Advance() uint8 {
	for {
		old := c.v.Load()
		next := (old + 1) % SequenceModulo
		if c.v.CompareAndSwap(old, next) {
			return uint8(next)
		}
	}
}

// Reset restarts the counter at 1.
func (c *SequenceCounter) Reset() {
	c.v.Store(1)
}
