package domain

import (
	"fmt"
	"strings"
)

// Quantities is a signed quantity per leg. Instrument orders have one leg;
// contract and broker orders have one leg per contract id.
type Quantities []int64

// ZeroQuantities returns n zero legs.
func ZeroQuantities(n int) Quantities {
	return make(Quantities, n)
}

// Clone returns an independent copy.
func (q Quantities) Clone() Quantities {
	if q == nil {
		return nil
	}
	out := make(Quantities, len(q))
	copy(out, q)
	return out
}

// Equal reports whether both have the same legs and values.
func (q Quantities) Equal(other Quantities) bool {
	if len(q) != len(other) {
		return false
	}
	for i := range q {
		if q[i] != other[i] {
			return false
		}
	}
	return true
}

// IsZero reports whether every leg is zero.
func (q Quantities) IsZero() bool {
	for _, v := range q {
		if v != 0 {
			return false
		}
	}
	return true
}

// Total is the net quantity across legs. A calendar spread roll nets to zero.
func (q Quantities) Total() int64 {
	var sum int64
	for _, v := range q {
		sum += v
	}
	return sum
}

func (q Quantities) String() string {
	parts := make([]string, len(q))
	for i, v := range q {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// fillWithin reports whether fill stays inside trade on every leg: same sign
// and no larger in absolute size.
func fillWithin(fill, trade Quantities) bool {
	if len(fill) != len(trade) {
		return false
	}
	for i := range fill {
		if fill[i] == 0 {
			continue
		}
		if sign(fill[i]) != sign(trade[i]) || abs(fill[i]) > abs(trade[i]) {
			return false
		}
	}
	return true
}

func sign(v int64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
