//go:build integration

// Package integration exercises the module's six end-to-end scenarios
// against a 4-rank loopback world, mirrored against the RDMA transport
// where a provider is available (rdm_scenarios_test.go), following the
// sockets-provider skip convention the module's lower-level fi tests use.
package integration

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ghex-go/ghex/allocator"
	"github.com/ghex-go/ghex/buffer"
	"github.com/ghex-go/ghex/comm"
	"github.com/ghex-go/ghex/coordinate"
	"github.com/ghex-go/ghex/dispatch"
	"github.com/ghex-go/ghex/message"
	"github.com/ghex-go/ghex/pattern"
	"github.com/ghex-go/ghex/transport"
	"github.com/ghex-go/ghex/transport/local"
)

// TestPersistentAllocatorReuse is scenario 1: Allocate/Free/Allocate
// reuses the freed block and the outstanding/cached counts move exactly
// as described.
func TestPersistentAllocatorReuse(t *testing.T) {
	p := allocator.NewPersistent(allocator.Heap{})
	defer p.Close()

	p1 := p.Alloc(4_000_000)
	require.Equal(t, 1, p.Outstanding())
	require.Equal(t, 0, p.Cached())

	p2 := p.Alloc(4_000_000)
	require.Equal(t, 2, p.Outstanding())
	require.Equal(t, 0, p.Cached())

	p.Free(p2)
	require.Equal(t, 1, p.Outstanding())
	require.Equal(t, 1, p.Cached())

	q := p.Alloc(2_000_000)
	require.Equal(t, 2, p.Outstanding())
	require.Equal(t, 0, p.Cached())
	require.Same(t, &p2[:1][0], &q[:1][0], "Alloc(2_000_000) after Free(p2) should reuse p2's backing array")
	_ = p1
}

// TestSendMultiSharedMessageCompletesOnEveryPeer is scenario 2: a shared
// message fanned out to three ranks with a completion callback leaves
// every peer's flag true and the sender's use_count at 1.
func TestSendMultiSharedMessageCompletesOnEveryPeer(t *testing.T) {
	world := local.NewWorld(4)
	alloc := allocator.Heap{}

	senderTx, err := world.Context(0).NewTransport()
	require.NoError(t, err)
	sender := dispatch.New(senderTx)

	var mu sync.Mutex
	flags := map[int]bool{1: false, 2: false, 3: false}
	var wg sync.WaitGroup
	dispatchers := make(map[int]*dispatch.CallbackDispatcher)
	for _, r := range []int{1, 2, 3} {
		tx, err := world.Context(r).NewTransport()
		require.NoError(t, err)
		d := dispatch.New(tx)
		dispatchers[r] = d
		recv := buffer.NewSize(alloc, 4_000_000)
		wg.Add(1)
		go func(rank int, d *dispatch.CallbackDispatcher, buf *buffer.Buffer) {
			defer wg.Done()
			if err := d.Recv(buf, 0, 42, func(transport.Message, transport.Address, transport.Tag) {
				mu.Lock()
				flags[rank] = true
				mu.Unlock()
			}); err != nil {
				t.Errorf("rank %d: Recv: %v", rank, err)
			}
		}(r, d, recv)
	}
	wg.Wait()

	shared := message.New(alloc, 4_000_000, 4_000_000)
	require.NoError(t, sender.SendMulti(&shared, []transport.Address{1, 2, 3}, 42, func(transport.Message, transport.Address, transport.Tag) {}))

	for _, r := range []int{1, 2, 3} {
		dispatchers[r].Progress()
	}

	mu.Lock()
	defer mu.Unlock()
	for r, flag := range flags {
		require.Truef(t, flag, "rank %d never observed completion", r)
	}
	require.EqualValues(t, 1, shared.UseCount())
}

// TestCancelInFlightReceiveWithNoMatchingSend is scenario 3: sends
// posted under one tag and receives posted under a different tag never
// match, so every side's CancelCallbacks succeeds.
func TestCancelInFlightReceiveWithNoMatchingSend(t *testing.T) {
	world := local.NewWorld(4)
	alloc := allocator.Heap{}

	senderTx, err := world.Context(0).NewTransport()
	require.NoError(t, err)
	sender := dispatch.New(senderTx)
	for _, r := range []int{1, 2, 3} {
		send := buffer.NewSize(alloc, 4)
		require.NoError(t, sender.Send(send, r, 84, func(transport.Message, transport.Address, transport.Tag) {
			t.Fatal("send callback must not fire: no receive matches tag 84")
		}))
	}
	require.True(t, sender.CancelCallbacks())

	for _, r := range []int{1, 2, 3} {
		tx, err := world.Context(r).NewTransport()
		require.NoError(t, err)
		d := dispatch.New(tx)
		recv := buffer.NewSize(alloc, 4)
		require.NoError(t, d.Recv(recv, 0, 42, func(transport.Message, transport.Address, transport.Tag) {
			t.Fatal("recv callback must not fire: no send matches tag 42")
		}))
		require.True(t, d.CancelCallbacks())
	}
}

// TestDetachThenCancelNeverFiresCallback is scenario 4.
func TestDetachThenCancelNeverFiresCallback(t *testing.T) {
	world := local.NewWorld(4)
	tx0, err := world.Context(0).NewTransport()
	require.NoError(t, err)
	d0 := dispatch.New(tx0)

	send := buffer.NewSize(allocator.Heap{}, 4)
	require.NoError(t, d0.Send(send, 1, 45, func(transport.Message, transport.Address, transport.Tag) {
		t.Fatal("callback must never fire after Detach + Cancel")
	}))

	future, _, ok := d0.Detach(1, 45)
	require.True(t, ok)
	require.True(t, future.Cancel())
}

// TestRepostingInCallbackConvergesToFinalValue is scenario 5: each
// non-zero rank's receive callback reposts under an incrementing tag
// until the sender's final value (9) is observed.
func TestRepostingInCallbackConvergesToFinalValue(t *testing.T) {
	const rounds = 10
	world := local.NewWorld(4)
	alloc := allocator.Heap{}

	senderTx, err := world.Context(0).NewTransport()
	require.NoError(t, err)
	sender := dispatch.New(senderTx)

	var wg sync.WaitGroup
	for _, r := range []int{1, 2, 3} {
		tx, err := world.Context(r).NewTransport()
		require.NoError(t, err)
		d := dispatch.New(tx)
		last := -1
		// step always reposts, including past the final value, so a
		// trailing receive for a tag no send will ever match stays
		// pending until CancelCallbacks cleans it up.
		var step func(tag transport.Tag)
		step = func(tag transport.Tag) {
			buf := buffer.NewSize(alloc, 8)
			err := d.Recv(buf, 0, tag, func(msg transport.Message, _ transport.Address, _ transport.Tag) {
				last = int(msg.Data()[0])
				step(transport.Tag(42 + last + 1))
			})
			require.NoError(t, err)
		}
		wg.Add(1)
		go func(d *dispatch.CallbackDispatcher) {
			defer wg.Done()
			step(42)
			for last != rounds-1 {
				d.Progress()
			}
			require.Equal(t, rounds-1, last)
			require.True(t, d.CancelCallbacks())
		}(d)
	}

	for i := 0; i < rounds; i++ {
		send := buffer.NewSize(alloc, 8)
		send.Data()[0] = byte(i)
		require.NoError(t, sender.SendMulti(send, []transport.Address{1, 2, 3}, transport.Tag(42+i), func(transport.Message, transport.Address, transport.Tag) {}))
	}
	wg.Wait()
}

// structuredStripe and oneCellHalo mirror examples/halo_1d's subdomain
// and halo generator, scaled down to scenario 6's two-rank, ten-cell
// layout.
type structuredStripe struct {
	id          pattern.DomainID
	first, last int64
}

func (s structuredStripe) DomainID() pattern.DomainID   { return s.id }
func (s structuredStripe) First() coordinate.Coordinate { return coordinate.NewCoordinate(s.first) }
func (s structuredStripe) Last() coordinate.Coordinate  { return coordinate.NewCoordinate(s.last) }

type oneCellHalo struct{ totalCells int64 }

func (g oneCellHalo) Generate(d pattern.Subdomain) []coordinate.Pair {
	first, last := d.First()[0], d.Last()[0]
	var pairs []coordinate.Pair
	if first > 0 {
		pairs = append(pairs, coordinate.Pair{
			Local:  coordinate.NewIterationSpace(coordinate.NewCoordinate(-1), coordinate.NewCoordinate(-1)),
			Global: coordinate.NewIterationSpace(coordinate.NewCoordinate(first-1), coordinate.NewCoordinate(first-1)),
		})
	}
	if last < g.totalCells-1 {
		width := last - first + 1
		pairs = append(pairs, coordinate.Pair{
			Local:  coordinate.NewIterationSpace(coordinate.NewCoordinate(width), coordinate.NewCoordinate(width)),
			Global: coordinate.NewIterationSpace(coordinate.NewCoordinate(last+1), coordinate.NewCoordinate(last+1)),
		})
	}
	return pairs
}

// shiftedDenseField is a pattern.Field shifting local index -1..n to a
// DenseField's 0-indexed storage.
type shiftedDenseField struct{ f *pattern.DenseField }

func (s shiftedDenseField) DataTypeSize() int { return s.f.DataTypeSize() }
func (s shiftedDenseField) Get(is coordinate.IterationSpace, dst []byte) {
	s.f.Get(is.Translate(coordinate.NewCoordinate(1)), dst)
}
func (s shiftedDenseField) Set(is coordinate.IterationSpace, src []byte) {
	s.f.Set(is.Translate(coordinate.NewCoordinate(1)), src)
}

// TestStructuredHaloRoundTrip is scenario 6: two 10-cell stripes on two
// ranks exchange their single boundary ghost cell.
func TestStructuredHaloRoundTrip(t *testing.T) {
	world := local.NewWorld(2)
	stripes := []structuredStripe{{id: 0, first: 0, last: 9}, {id: 1, first: 10, last: 19}}

	var wg sync.WaitGroup
	wg.Add(2)
	for rank := 0; rank < 2; rank++ {
		go func(rank int) {
			defer wg.Done()
			tx, err := world.Context(rank).NewTransport()
			require.NoError(t, err)

			builder := pattern.NewBuilder(world.Communicator(rank), tx, oneCellHalo{totalCells: 20})
			patterns, err := builder.Build([]pattern.Subdomain{stripes[rank]})
			require.NoError(t, err)

			field := pattern.NewDenseField(coordinate.NewCoordinate(12))
			for i := int64(0); i < 10; i++ {
				field.SetAt(coordinate.NewCoordinate(i+1), stripes[rank].first+i)
			}

			co := comm.New(patterns[0], allocator.Heap{})
			handle, err := co.Exchange(shiftedDenseField{field})
			require.NoError(t, err)
			require.NoError(t, handle.Wait())

			if rank == 1 {
				require.Equal(t, int64(9), field.At(coordinate.NewCoordinate(0)))
			} else {
				require.Equal(t, int64(10), field.At(coordinate.NewCoordinate(11)))
			}
		}(rank)
	}
	wg.Wait()
}
