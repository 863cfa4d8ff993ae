package pattern

import (
	"sort"

	"github.com/ghex-go/ghex/coordinate"
	"github.com/ghex-go/ghex/transport"
)

// Pattern is the fully-resolved send/recv plan for one owned subdomain:
// for every peer it exchanges with, the local iteration spaces of the
// halo cells it sends to or receives from that peer. Patterns are built
// once by Builder.Build and are read-only for the lifetime of every
// exchange that uses them.
type Pattern struct {
	Owner     ExtendedDomainID
	RecvHalos map[ExtendedDomainID][]coordinate.IterationSpace
	SendHalos map[ExtendedDomainID][]coordinate.IterationSpace
	Transport transport.Transport
}

func newPattern(owner ExtendedDomainID, tx transport.Transport) *Pattern {
	return &Pattern{
		Owner:     owner,
		RecvHalos: make(map[ExtendedDomainID][]coordinate.IterationSpace),
		SendHalos: make(map[ExtendedDomainID][]coordinate.IterationSpace),
		Transport: tx,
	}
}

// HaloEntry names one (peer, tag, iteration-space-list) entry of either
// halo table, the unit the communication object sorts and posts.
type HaloEntry struct {
	Peer   ExtendedDomainID
	Spaces []coordinate.IterationSpace
}

// ByteSize returns the total byte count of all of an entry's iteration
// spaces for the given per-element size, the quantity CommunicationObject
// sorts halos by.
func (h HaloEntry) ByteSize(elemSize int) int64 {
	var total int64
	for _, is := range h.Spaces {
		total += is.Size()
	}
	return total * int64(elemSize)
}

// OrderedRecvHalos returns the pattern's recv halos sorted by
// (byte_size, domain_id) for the given per-element size, the ordering
// the communication object requires before posting receives.
func (p *Pattern) OrderedRecvHalos(elemSize int) []HaloEntry {
	return orderedHalos(p.RecvHalos, elemSize)
}

// OrderedSendHalos returns the pattern's send halos sorted the same way.
func (p *Pattern) OrderedSendHalos(elemSize int) []HaloEntry {
	return orderedHalos(p.SendHalos, elemSize)
}

func orderedHalos(m map[ExtendedDomainID][]coordinate.IterationSpace, elemSize int) []HaloEntry {
	entries := make([]HaloEntry, 0, len(m))
	for peer, spaces := range m {
		entries = append(entries, HaloEntry{Peer: peer, Spaces: spaces})
	}
	sort.Slice(entries, func(i, j int) bool {
		bi, bj := entries[i].ByteSize(elemSize), entries[j].ByteSize(elemSize)
		if bi != bj {
			return bi < bj
		}
		return entries[i].Peer.DomainID.Less(entries[j].Peer.DomainID)
	})
	return entries
}
