// Package coordinate provides fixed-dimension integer vectors and the
// inclusive N-D iteration spaces built from them.
package coordinate

import "fmt"

// Coordinate is a fixed-dimension integer vector.
type Coordinate []int64

// NewCoordinate builds a Coordinate from the given components.
func NewCoordinate(components ...int64) Coordinate {
	c := make(Coordinate, len(components))
	copy(c, components)
	return c
}

// Dim returns the number of components.
func (c Coordinate) Dim() int {
	return len(c)
}

// Clone returns an independent copy.
func (c Coordinate) Clone() Coordinate {
	out := make(Coordinate, len(c))
	copy(out, c)
	return out
}

// Min returns the componentwise minimum of c and other.
func (c Coordinate) Min(other Coordinate) Coordinate {
	out := make(Coordinate, len(c))
	for i := range c {
		if c[i] < other[i] {
			out[i] = c[i]
		} else {
			out[i] = other[i]
		}
	}
	return out
}

// Max returns the componentwise maximum of c and other.
func (c Coordinate) Max(other Coordinate) Coordinate {
	out := make(Coordinate, len(c))
	for i := range c {
		if c[i] > other[i] {
			out[i] = c[i]
		} else {
			out[i] = other[i]
		}
	}
	return out
}

// Add returns the componentwise sum of c and other.
func (c Coordinate) Add(other Coordinate) Coordinate {
	out := make(Coordinate, len(c))
	for i := range c {
		out[i] = c[i] + other[i]
	}
	return out
}

// Sub returns the componentwise difference c - other.
func (c Coordinate) Sub(other Coordinate) Coordinate {
	out := make(Coordinate, len(c))
	for i := range c {
		out[i] = c[i] - other[i]
	}
	return out
}

// Less implements lexicographic comparison: c < other.
func (c Coordinate) Less(other Coordinate) bool {
	for i := range c {
		if c[i] != other[i] {
			return c[i] < other[i]
		}
	}
	return false
}

// GreaterAny reports whether c exceeds other on at least one axis, the
// componentwise emptiness test used by IterationSpace.
func (c Coordinate) GreaterAny(other Coordinate) bool {
	for i := range c {
		if c[i] > other[i] {
			return true
		}
	}
	return false
}

// Equal reports componentwise equality.
func (c Coordinate) Equal(other Coordinate) bool {
	if len(c) != len(other) {
		return false
	}
	for i := range c {
		if c[i] != other[i] {
			return false
		}
	}
	return true
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%v", []int64(c))
}

// IterationSpace is an inclusive N-D box: every coordinate with
// First[i] <= x[i] <= Last[i] for all i belongs to the space.
type IterationSpace struct {
	First Coordinate
	Last  Coordinate
}

// NewIterationSpace builds an IterationSpace from first/last coordinates.
func NewIterationSpace(first, last Coordinate) IterationSpace {
	return IterationSpace{First: first.Clone(), Last: last.Clone()}
}

// Empty reports whether the space contains no coordinates: First > Last on
// any axis, computed purely from explicit First/Last comparisons.
func (s IterationSpace) Empty() bool {
	if len(s.First) == 0 {
		return true
	}
	return s.First.GreaterAny(s.Last)
}

// Size returns the number of coordinates in the space, zero if empty.
func (s IterationSpace) Size() int64 {
	if s.Empty() {
		return 0
	}
	size := int64(1)
	for i := range s.First {
		size *= s.Last[i] - s.First[i] + 1
	}
	return size
}

// Intersect computes the componentwise intersection of s and other. The
// result may be Empty.
func (s IterationSpace) Intersect(other IterationSpace) IterationSpace {
	return IterationSpace{
		First: s.First.Max(other.First),
		Last:  s.Last.Min(other.Last),
	}
}

// Translate shifts the space by delta (added to both First and Last).
func (s IterationSpace) Translate(delta Coordinate) IterationSpace {
	return IterationSpace{
		First: s.First.Add(delta),
		Last:  s.Last.Add(delta),
	}
}

// Pair couples the local iteration space (indices into the owner's buffer,
// origin at domain start) with the global iteration space (absolute
// coordinates across the distributed domain) that describe one halo.
type Pair struct {
	Local  IterationSpace
	Global IterationSpace
}
