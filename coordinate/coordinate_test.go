package coordinate

import "testing"

func TestCoordinateMinMax(t *testing.T) {
	a := NewCoordinate(1, 5, 3)
	b := NewCoordinate(4, 2, 3)

	if got, want := a.Min(b), NewCoordinate(1, 2, 3); !got.Equal(want) {
		t.Errorf("Min() = %v, want %v", got, want)
	}
	if got, want := a.Max(b), NewCoordinate(4, 5, 3); !got.Equal(want) {
		t.Errorf("Max() = %v, want %v", got, want)
	}
}

func TestCoordinateLess(t *testing.T) {
	cases := []struct {
		a, b Coordinate
		want bool
	}{
		{NewCoordinate(0, 0), NewCoordinate(1, 0), true},
		{NewCoordinate(1, 0), NewCoordinate(0, 0), false},
		{NewCoordinate(1, 1), NewCoordinate(1, 1), false},
		{NewCoordinate(1, 0), NewCoordinate(1, 1), true},
	}
	for _, tc := range cases {
		if got := tc.a.Less(tc.b); got != tc.want {
			t.Errorf("%v.Less(%v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestCoordinateAddSub(t *testing.T) {
	a := NewCoordinate(1, 2, 3)
	d := NewCoordinate(-1, 0, 2)

	if got, want := a.Add(d), NewCoordinate(0, 2, 5); !got.Equal(want) {
		t.Errorf("Add() = %v, want %v", got, want)
	}
	if got, want := a.Add(d).Sub(d), a; !got.Equal(want) {
		t.Errorf("Sub() did not invert Add(): got %v, want %v", got, want)
	}
}

func TestIterationSpaceSize(t *testing.T) {
	s := NewIterationSpace(NewCoordinate(0, 0), NewCoordinate(3, 1))
	if got, want := s.Size(), int64(8); got != want {
		t.Errorf("Size() = %d, want %d", got, want)
	}
}

func TestIterationSpaceEmpty(t *testing.T) {
	empty := NewIterationSpace(NewCoordinate(3, 0), NewCoordinate(1, 5))
	if !empty.Empty() {
		t.Error("expected space with First > Last on an axis to be Empty")
	}
	if got := empty.Size(); got != 0 {
		t.Errorf("Size() of empty space = %d, want 0", got)
	}

	nonEmpty := NewIterationSpace(NewCoordinate(0, 0), NewCoordinate(0, 0))
	if nonEmpty.Empty() {
		t.Error("single-point space should not be Empty")
	}
}

func TestIterationSpaceIntersect(t *testing.T) {
	a := NewIterationSpace(NewCoordinate(0, 0), NewCoordinate(5, 5))
	b := NewIterationSpace(NewCoordinate(3, -2), NewCoordinate(8, 2))

	got := a.Intersect(b)
	want := NewIterationSpace(NewCoordinate(3, 0), NewCoordinate(5, 2))
	if !got.First.Equal(want.First) || !got.Last.Equal(want.Last) {
		t.Errorf("Intersect() = %+v, want %+v", got, want)
	}

	disjoint := NewIterationSpace(NewCoordinate(10, 10), NewCoordinate(20, 20))
	if inter := a.Intersect(disjoint); !inter.Empty() {
		t.Errorf("Intersect() of disjoint spaces should be Empty, got %+v", inter)
	}
}

func TestIterationSpaceTranslate(t *testing.T) {
	s := NewIterationSpace(NewCoordinate(0, 0), NewCoordinate(2, 2))
	got := s.Translate(NewCoordinate(5, -1))
	want := NewIterationSpace(NewCoordinate(5, -1), NewCoordinate(7, 1))
	if !got.First.Equal(want.First) || !got.Last.Equal(want.Last) {
		t.Errorf("Translate() = %+v, want %+v", got, want)
	}
}

func TestIterationSpaceMutationIsolation(t *testing.T) {
	first := NewCoordinate(0, 0)
	s := NewIterationSpace(first, NewCoordinate(1, 1))
	first[0] = 99
	if s.First[0] == 99 {
		t.Error("NewIterationSpace should clone its inputs")
	}
}
