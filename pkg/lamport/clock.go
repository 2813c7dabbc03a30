package lamport

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
)

// ErrInvalid is returned by Parse for values that are not natural numbers
// below MaxValue.
var ErrInvalid = errors.New("lamport: invalid clock value")

// MaxValue is the largest clock value accepted from a peer. The counter
// itself saturates at math.MaxUint64 rather than wrapping.
const MaxValue uint64 = math.MaxInt64

// Clock is a Lamport logical clock.
//
// The zero value is a clock at 0, ready to use. All methods are safe for
// concurrent use; each call is atomic on its own but independent calls are
// not ordered relative to each other.
type Clock struct {
	counter atomic.Uint64
}

// Tick records a local or send event and returns the new value.
func (c *Clock) Tick() uint64 {
	for {
		cur := c.counter.Load()
		next := inc(cur)
		if c.counter.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// Merge records a receive event carrying the sender's timestamp. The clock is
// set to max(current, received) + 1 and the new value is returned.
func (c *Clock) Merge(received uint64) uint64 {
	for {
		cur := c.counter.Load()
		next := inc(max(cur, received))
		if c.counter.CompareAndSwap(cur, next) {
			return next
		}
	}
}

func inc(v uint64) uint64 {
	if v == math.MaxUint64 {
		return v
	}
	return v + 1
}

// Value returns the current counter without modifying it.
func (c *Clock) Value() uint64 {
	return c.counter.Load()
}

// String returns the base 10 representation of the current value.
func (c *Clock) String() string {
	return strconv.FormatUint(c.Value(), 10)
}

// Parse reads a header value such as "42". Surrounding whitespace is ignored.
func Parse(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalid)
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v > MaxValue {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return v, nil
}

// Format renders a clock value for a Lamport-Clock header.
func Format(v uint64) string {
	return strconv.FormatUint(v, 10)
}
