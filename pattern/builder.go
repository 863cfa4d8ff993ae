package pattern

import (
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/ghex-go/ghex/coordinate"
	"github.com/ghex-go/ghex/transport"
)

// Config holds the ambient dependencies and the address-resolution
// policy a Builder needs beyond the setup communicator and halo
// generator it is given at construction.
type Config struct {
	Logger *zap.Logger
	// AddressResolver maps a rank to the transport.Address used to route
	// messages to it. Defaults to the identity function, matching the
	// loopback transport's convention that address equals rank; an RDMA
	// deployment supplies a resolver backed by its address vector.
	AddressResolver func(rank int) transport.Address
}

// Option adjusts a Config.
type Option func(*Config)

// WithLogger installs a structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithAddressResolver installs the rank-to-address mapping used when
// stamping extended domain ids during setup.
func WithAddressResolver(f func(rank int) transport.Address) Option {
	return func(c *Config) { c.AddressResolver = f }
}

func newConfig(opts ...Option) Config {
	cfg := Config{
		Logger:          zap.NewNop(),
		AddressResolver: func(rank int) transport.Address { return rank },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Builder is the setup-time algorithm that negotiates, collectively over
// a transport.SetupCommunicator, the send/recv patterns for a set of
// local subdomains: local extraction, global discovery, peer resolution,
// tag assignment, and send-halo exchange, in that order.
type Builder struct {
	comm transport.SetupCommunicator
	tx   transport.Transport
	gen  HaloGenerator
	cfg  Config
}

// NewBuilder constructs a Builder. comm is the blocking setup
// communicator every rank calls collectively; tx is the transport handed
// to every resulting Pattern; gen generates each subdomain's receive
// halos.
func NewBuilder(comm transport.SetupCommunicator, tx transport.Transport, gen HaloGenerator, opts ...Option) *Builder {
	return &Builder{comm: comm, tx: tx, gen: gen, cfg: newConfig(opts...)}
}

// subdomainExtent is the wire-level (rank, domain id, global extent)
// tuple all-gathered in phase 2.
type subdomainExtent struct {
	DomainID    DomainID
	Rank        int
	GlobalFirst coordinate.Coordinate
	GlobalLast  coordinate.Coordinate
}

// state is the per-local-subdomain bookkeeping carried between phases,
// before recv_halos has final tags and before send_halos exists.
type state struct {
	owner       ExtendedDomainID // tag always 0 here; this rank's own identity
	globalFirst coordinate.Coordinate
	pattern     *Pattern
	// recvLocal/recvGlobal are keyed by the peer's extended domain id
	// with Tag left at 0 until phase 4 assigns it.
	recvLocal  map[ExtendedDomainID][]coordinate.IterationSpace
	recvGlobal map[ExtendedDomainID][]coordinate.IterationSpace
}

// Build negotiates and returns one Pattern per subdomain, in the same
// order as subdomains. Every rank that shares this builder's
// communicator must call Build with the same number of collective steps
// (the number of subdomains may differ per rank; the generator may
// differ too, as long as every rank executes phases 2-5 the same number
// of times, which Build guarantees internally).
func (b *Builder) Build(subdomains []Subdomain) ([]*Pattern, error) {
	myRank := b.comm.Rank()
	worldSize := b.comm.Size()
	myAddress := b.cfg.AddressResolver(myRank)

	// Phase 1: local extraction.
	states := make([]*state, len(subdomains))
	byDomainID := make(map[DomainID]*state, len(subdomains))
	for i, d := range subdomains {
		owner := ExtendedDomainID{DomainID: d.DomainID(), Rank: myRank, Address: myAddress, Tag: 0}
		st := &state{
			owner:       owner,
			globalFirst: d.First(),
			pattern:     newPattern(owner, b.tx),
			recvLocal:   make(map[ExtendedDomainID][]coordinate.IterationSpace),
			recvGlobal:  make(map[ExtendedDomainID][]coordinate.IterationSpace),
		}
		states[i] = st
		byDomainID[d.DomainID()] = st
	}

	// Phase 2: global discovery. All-gather carries the flattened
	// per-rank subdomain table in one call; the count implicit in each
	// rank's contributed slice length stands in for the separate
	// count-then-table sequence a fixed-size MPI collective requires.
	mine := make([]subdomainExtent, 0, len(subdomains))
	for _, d := range subdomains {
		mine = append(mine, subdomainExtent{
			DomainID:    d.DomainID(),
			Rank:        myRank,
			GlobalFirst: d.First(),
			GlobalLast:  d.Last(),
		})
	}
	gathered, err := b.comm.AllGather(mine)
	if err != nil {
		return nil, fmt.Errorf("pattern: all-gather subdomain table: %w", err)
	}
	var table []subdomainExtent
	for _, v := range gathered {
		list, ok := v.([]subdomainExtent)
		if !ok {
			return nil, fmt.Errorf("pattern: all-gather returned unexpected payload type %T", v)
		}
		table = append(table, list...)
	}

	// Phase 3: peer resolution. Re-run the halo generator (phase 1 only
	// recorded extents; the generated pairs themselves are regenerated
	// here to keep state lean) and intersect each halo's global space
	// against every other subdomain's global extent.
	for i, d := range subdomains {
		st := states[i]
		for _, pair := range b.gen.Generate(d) {
			if pair.Local.Empty() || pair.Global.Empty() {
				continue
			}
			for _, ext := range table {
				if ext.Rank == myRank && ext.DomainID == d.DomainID() {
					continue
				}
				peerExtent := coordinate.NewIterationSpace(ext.GlobalFirst, ext.GlobalLast)
				isect := pair.Global.Intersect(peerExtent)
				if isect.Empty() {
					continue
				}
				peerKey := ExtendedDomainID{
					DomainID: ext.DomainID,
					Rank:     ext.Rank,
					Address:  b.cfg.AddressResolver(ext.Rank),
					Tag:      0,
				}
				localIsect := translateToLocal(isect, st.globalFirst)
				st.recvLocal[peerKey] = append(st.recvLocal[peerKey], localIsect)
				st.recvGlobal[peerKey] = append(st.recvGlobal[peerKey], isect)
			}
		}
	}

	// Phase 4: tag assignment, per pattern, walking recv halo entries in
	// deterministic (peer rank, peer domain id) order with a per-peer-rank
	// counter.
	for _, st := range states {
		type entry struct {
			key    ExtendedDomainID
			local  []coordinate.IterationSpace
			global []coordinate.IterationSpace
		}
		entries := make([]entry, 0, len(st.recvLocal))
		for k, v := range st.recvLocal {
			entries = append(entries, entry{key: k, local: v, global: st.recvGlobal[k]})
		}
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].key.Rank != entries[j].key.Rank {
				return entries[i].key.Rank < entries[j].key.Rank
			}
			return entries[i].key.DomainID.Less(entries[j].key.DomainID)
		})
		counters := make(map[int]transport.Tag)
		finalLocal := make(map[ExtendedDomainID][]coordinate.IterationSpace, len(entries))
		finalGlobal := make(map[ExtendedDomainID][]coordinate.IterationSpace, len(entries))
		for _, e := range entries {
			tag := counters[e.key.Rank]
			counters[e.key.Rank] = tag + 1
			final := e.key
			final.Tag = tag
			finalLocal[final] = e.local
			finalGlobal[final] = e.global
		}
		st.recvLocal = finalLocal
		st.recvGlobal = finalGlobal
		st.pattern.RecvHalos = finalLocal
	}

	// Phase 5: send-halo exchange. Group every recv halo entry by the
	// peer's rank and domain id, stamping each group with my own extended
	// domain id carrying the tag I assigned for that channel (the key the
	// peer will use for its own send_halos entry).
	type ownerShare struct {
		Owner  ExtendedDomainID
		Spaces []coordinate.IterationSpace
	}
	type shareKey struct {
		rank     int
		domainID DomainID
	}
	shares := make(map[shareKey][]ownerShare)
	for _, st := range states {
		for peerKey, globalSpaces := range st.recvGlobal {
			sk := shareKey{rank: peerKey.Rank, domainID: peerKey.DomainID}
			shares[sk] = append(shares[sk], ownerShare{
				Owner:  ExtendedDomainID{DomainID: st.owner.DomainID, Rank: myRank, Address: myAddress, Tag: peerKey.Tag},
				Spaces: globalSpaces,
			})
		}
	}

	// Self-loops: a recv halo whose peer lives on my own rank is merged
	// directly into the owning local pattern's send_halos, no message.
	for sk, items := range shares {
		if sk.rank != myRank {
			continue
		}
		target, ok := byDomainID[sk.domainID]
		if !ok {
			continue
		}
		for _, item := range items {
			local := translateGlobalList(item.Spaces, target.globalFirst)
			target.pattern.SendHalos[item.Owner] = append(target.pattern.SendHalos[item.Owner], local...)
		}
		delete(shares, sk)
	}

	type domainShare struct {
		PeerDomainID DomainID
		Items        []ownerShare
	}
	byDestRank := make(map[int][]domainShare)
	for sk, items := range shares {
		byDestRank[sk.rank] = append(byDestRank[sk.rank], domainShare{PeerDomainID: sk.domainID, Items: items})
	}
	destRanks := make([]int, 0, len(byDestRank))
	for r := range byDestRank {
		destRanks = append(destRanks, r)
	}
	sort.Ints(destRanks)

	var errs *multierror.Error
	for rank := 0; rank < worldSize; rank++ {
		if rank == myRank {
			meta, err := b.comm.Broadcast(destRanks, rank)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("pattern: broadcast send-halo metadata from rank %d: %w", rank, err))
				continue
			}
			_ = meta
			for _, dst := range destRanks {
				if err := b.comm.Send(byDestRank[dst], dst); err != nil {
					errs = multierror.Append(errs, fmt.Errorf("pattern: send send-halo share to rank %d: %w", dst, err))
				}
			}
			continue
		}

		metaAny, err := b.comm.Broadcast(nil, rank)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("pattern: receive send-halo metadata from rank %d: %w", rank, err))
			continue
		}
		peerRanks, ok := metaAny.([]int)
		if !ok {
			errs = multierror.Append(errs, fmt.Errorf("pattern: unexpected broadcast payload type %T from rank %d", metaAny, rank))
			continue
		}
		if !containsRank(peerRanks, myRank) {
			continue
		}
		shareAny, err := b.comm.Recv(rank)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("pattern: receive send-halo share from rank %d: %w", rank, err))
			continue
		}
		shareList, ok := shareAny.([]domainShare)
		if !ok {
			errs = multierror.Append(errs, fmt.Errorf("pattern: unexpected send-halo share payload type %T from rank %d", shareAny, rank))
			continue
		}
		for _, ds := range shareList {
			target, ok := byDomainID[ds.PeerDomainID]
			if !ok {
				errs = multierror.Append(errs, fmt.Errorf("pattern: send-halo share names unknown local domain %v", ds.PeerDomainID))
				continue
			}
			for _, item := range ds.Items {
				local := translateGlobalList(item.Spaces, target.globalFirst)
				target.pattern.SendHalos[item.Owner] = append(target.pattern.SendHalos[item.Owner], local...)
			}
		}
	}

	if err := b.comm.Barrier(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("pattern: setup barrier: %w", err))
	}

	if errs.ErrorOrNil() != nil {
		return nil, errs
	}

	patterns := make([]*Pattern, len(states))
	for i, st := range states {
		patterns[i] = st.pattern
	}
	return patterns, nil
}

func translateToLocal(global coordinate.IterationSpace, origin coordinate.Coordinate) coordinate.IterationSpace {
	return coordinate.IterationSpace{
		First: global.First.Sub(origin),
		Last:  global.Last.Sub(origin),
	}
}

func translateGlobalList(spaces []coordinate.IterationSpace, origin coordinate.Coordinate) []coordinate.IterationSpace {
	out := make([]coordinate.IterationSpace, len(spaces))
	for i, s := range spaces {
		out[i] = translateToLocal(s, origin)
	}
	return out
}

func containsRank(ranks []int, r int) bool {
	for _, x := range ranks {
		if x == r {
			return true
		}
	}
	return false
}
