package pattern

import (
	"testing"

	"github.com/ghex-go/ghex/coordinate"
)

func space1D(first, last int64) coordinate.IterationSpace {
	return coordinate.NewIterationSpace(coordinate.NewCoordinate(first), coordinate.NewCoordinate(last))
}

func TestOrderedRecvHalosSortsBySizeThenDomainID(t *testing.T) {
	p := newPattern(ExtendedDomainID{DomainID: 0, Rank: 0}, nil)
	small := ExtendedDomainID{DomainID: 2, Rank: 1}
	big := ExtendedDomainID{DomainID: 1, Rank: 2}
	tie1 := ExtendedDomainID{DomainID: 5, Rank: 3}
	tie2 := ExtendedDomainID{DomainID: 3, Rank: 4}

	p.RecvHalos[small] = []coordinate.IterationSpace{space1D(0, 0)}   // 1 cell
	p.RecvHalos[big] = []coordinate.IterationSpace{space1D(0, 9)}     // 10 cells
	p.RecvHalos[tie1] = []coordinate.IterationSpace{space1D(0, 4)}    // 5 cells
	p.RecvHalos[tie2] = []coordinate.IterationSpace{space1D(0, 4)}    // 5 cells, tie with tie1

	ordered := p.OrderedRecvHalos(8)
	if len(ordered) != 4 {
		t.Fatalf("len = %d, want 4", len(ordered))
	}
	if ordered[0].Peer != small {
		t.Fatalf("ordered[0].Peer = %+v, want smallest entry %+v", ordered[0].Peer, small)
	}
	if ordered[3].Peer != big {
		t.Fatalf("ordered[3].Peer = %+v, want largest entry %+v", ordered[3].Peer, big)
	}
	// tie1 (domain 5) and tie2 (domain 3) have equal byte size; lower
	// domain id breaks the tie.
	if ordered[1].Peer != tie2 || ordered[2].Peer != tie1 {
		t.Fatalf("tie break order = [%+v, %+v], want [%+v, %+v]", ordered[1].Peer, ordered[2].Peer, tie2, tie1)
	}
}

func TestHaloEntryByteSize(t *testing.T) {
	h := HaloEntry{Spaces: []coordinate.IterationSpace{space1D(0, 9), space1D(0, 1)}}
	if got := h.ByteSize(4); got != 12*4 {
		t.Fatalf("ByteSize() = %d, want %d", got, 12*4)
	}
}

func TestOrderedSendHalosEmptyPattern(t *testing.T) {
	p := newPattern(ExtendedDomainID{}, nil)
	if ordered := p.OrderedSendHalos(8); len(ordered) != 0 {
		t.Fatalf("OrderedSendHalos() on empty pattern = %d entries, want 0", len(ordered))
	}
}
