package pattern

import (
	"encoding/binary"

	"github.com/ghex-go/ghex/coordinate"
)

// Field is the collaborator contract the communication object packs and
// unpacks against: an element size and a pair of methods that copy the
// field's elements to/from a flat byte cursor for a given iteration
// space. Real applications wrap their own N-dimensional array storage
// and layout map; DenseField is a minimal reference implementation used
// by this module's own tests and examples.
type Field interface {
	DataTypeSize() int
	Get(is coordinate.IterationSpace, dst []byte)
	Set(is coordinate.IterationSpace, src []byte)
}

// DenseField is a reference Field over a flat, row-major int64 array
// sized by dims (the inclusive local buffer extents plus one: an axis of
// size N holds indices [0, N-1]). It exists so this module's own tests
// and examples can exercise Pattern/CommunicationObject without pulling
// in an external N-dimensional array library.
type DenseField struct {
	dims coordinate.Coordinate
	data []int64
}

// NewDenseField allocates a DenseField whose axis i holds dims[i] slots.
func NewDenseField(dims coordinate.Coordinate) *DenseField {
	n := int64(1)
	for _, d := range dims {
		n *= d
	}
	return &DenseField{dims: dims.Clone(), data: make([]int64, n)}
}

// At returns the element stored at the local coordinate c.
func (f *DenseField) At(c coordinate.Coordinate) int64 {
	return f.data[f.index(c)]
}

// SetAt stores v at the local coordinate c.
func (f *DenseField) SetAt(c coordinate.Coordinate, v int64) {
	f.data[f.index(c)] = v
}

func (f *DenseField) index(c coordinate.Coordinate) int64 {
	idx := int64(0)
	stride := int64(1)
	for i := len(f.dims) - 1; i >= 0; i-- {
		idx += c[i] * stride
		stride *= f.dims[i]
	}
	return idx
}

// DataTypeSize reports the byte width of one element (int64: 8 bytes).
func (f *DenseField) DataTypeSize() int {
	return 8
}

// Get copies the elements of is, in row-major (last-axis-fastest) order,
// into dst.
func (f *DenseField) Get(is coordinate.IterationSpace, dst []byte) {
	cursor := 0
	iterateSpace(is, func(c coordinate.Coordinate) {
		binary.LittleEndian.PutUint64(dst[cursor:cursor+8], uint64(f.At(c)))
		cursor += 8
	})
}

// Set scatters src's bytes back into the elements of is, in the same
// order Get used to pack them.
func (f *DenseField) Set(is coordinate.IterationSpace, src []byte) {
	cursor := 0
	iterateSpace(is, func(c coordinate.Coordinate) {
		f.SetAt(c, int64(binary.LittleEndian.Uint64(src[cursor:cursor+8])))
		cursor += 8
	})
}

// iterateSpace walks every coordinate in the inclusive box is, last axis
// fastest, calling visit once per coordinate. It is a plain odometer: the
// last axis increments every step, carrying into the preceding axis on
// overflow.
func iterateSpace(is coordinate.IterationSpace, visit func(coordinate.Coordinate)) {
	if is.Empty() {
		return
	}
	dim := is.First.Dim()
	cur := is.First.Clone()
	for {
		visit(cur)
		axis := dim - 1
		for axis >= 0 {
			cur[axis]++
			if cur[axis] <= is.Last[axis] {
				break
			}
			cur[axis] = is.First[axis]
			axis--
		}
		if axis < 0 {
			return
		}
	}
}
