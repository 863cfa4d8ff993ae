// Package pattern computes and represents the per-subdomain send/recv
// halo-exchange plan: the extended domain ids, tagged iteration-space
// lists, and the five-phase setup algorithm that negotiates them
// collectively over a transport.SetupCommunicator.
package pattern

import (
	"github.com/ghex-go/ghex/coordinate"
	"github.com/ghex-go/ghex/transport"
)

// DomainID is an application-defined identifier uniquely tagging one
// local subdomain within the whole distributed system.
type DomainID int64

// Less implements the ordering the pattern builder relies on when
// assigning deterministic per-peer tags.
func (d DomainID) Less(other DomainID) bool {
	return d < other
}

// Subdomain is the collaborator contract a local subdomain must satisfy:
// a domain id and the global coordinates of its owned box.
type Subdomain interface {
	DomainID() DomainID
	First() coordinate.Coordinate
	Last() coordinate.Coordinate
}

// HaloGenerator produces, for a given subdomain, the local+global
// iteration-space pairs describing the halo cells that subdomain needs
// to receive.
type HaloGenerator interface {
	Generate(d Subdomain) []coordinate.Pair
}

// HaloGeneratorFunc adapts a plain function to HaloGenerator.
type HaloGeneratorFunc func(d Subdomain) []coordinate.Pair

// Generate calls f.
func (f HaloGeneratorFunc) Generate(d Subdomain) []coordinate.Pair {
	return f(d)
}

// ExtendedDomainID augments a domain id with the rank, transport address,
// and disambiguating tag needed to route a message to the subdomain it
// names. It is comparable and used directly as a map key in Pattern's
// halo tables, provided the concrete transport.Address type is itself
// comparable (true for both the loopback rank and the RDMA rdm.Peer).
type ExtendedDomainID struct {
	DomainID DomainID
	Rank     int
	Address  transport.Address
	Tag      transport.Tag
}

// Less orders extended domain ids by (rank, domain id), the canonical
// order the builder walks during tag assignment and send-halo exchange.
func (e ExtendedDomainID) Less(other ExtendedDomainID) bool {
	if e.Rank != other.Rank {
		return e.Rank < other.Rank
	}
	return e.DomainID.Less(other.DomainID)
}
