package pattern

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ghex-go/ghex/coordinate"
)

func TestDenseFieldGetSetRoundTrip(t *testing.T) {
	f := NewDenseField(coordinate.NewCoordinate(4, 4))
	for i := int64(0); i < 4; i++ {
		for j := int64(0); j < 4; j++ {
			f.SetAt(coordinate.NewCoordinate(i, j), i*10+j)
		}
	}

	is := coordinate.NewIterationSpace(coordinate.NewCoordinate(1, 1), coordinate.NewCoordinate(2, 2))
	buf := make([]byte, is.Size()*int64(f.DataTypeSize()))
	f.Get(is, buf)

	want := []int64{11, 12, 21, 22}
	got := make([]int64, 0, 4)
	g := NewDenseField(coordinate.NewCoordinate(4, 4))
	g.Set(is, buf)
	for i := int64(1); i <= 2; i++ {
		for j := int64(1); j <= 2; j++ {
			got = append(got, g.At(coordinate.NewCoordinate(i, j)))
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round-tripped values mismatch (-want +got):\n%s", diff)
	}

	// Untouched cells in g stay zero.
	if v := g.At(coordinate.NewCoordinate(0, 0)); v != 0 {
		t.Fatalf("untouched cell (0,0) = %d, want 0", v)
	}
}

func TestDenseFieldDataTypeSize(t *testing.T) {
	f := NewDenseField(coordinate.NewCoordinate(1))
	if got := f.DataTypeSize(); got != 8 {
		t.Fatalf("DataTypeSize() = %d, want 8", got)
	}
}

func TestIterateSpaceSkipsEmpty(t *testing.T) {
	var visited []coordinate.Coordinate
	empty := coordinate.NewIterationSpace(coordinate.NewCoordinate(5), coordinate.NewCoordinate(0))
	iterateSpace(empty, func(c coordinate.Coordinate) {
		visited = append(visited, c)
	})
	if len(visited) != 0 {
		t.Fatalf("iterateSpace over empty space visited %d coordinates, want 0", len(visited))
	}
}

func TestIterateSpaceLastAxisFastest(t *testing.T) {
	is := coordinate.NewIterationSpace(coordinate.NewCoordinate(0, 0), coordinate.NewCoordinate(1, 2))
	var visited []coordinate.Coordinate
	iterateSpace(is, func(c coordinate.Coordinate) {
		visited = append(visited, c.Clone())
	})
	want := []coordinate.Coordinate{
		coordinate.NewCoordinate(0, 0),
		coordinate.NewCoordinate(0, 1),
		coordinate.NewCoordinate(0, 2),
		coordinate.NewCoordinate(1, 0),
		coordinate.NewCoordinate(1, 1),
		coordinate.NewCoordinate(1, 2),
	}
	if len(visited) != len(want) {
		t.Fatalf("visited %d coordinates, want %d", len(visited), len(want))
	}
	for i := range want {
		if !visited[i].Equal(want[i]) {
			t.Fatalf("visited[%d] = %v, want %v", i, visited[i], want[i])
		}
	}
}
