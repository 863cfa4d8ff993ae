package local

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ghex-go/ghex/allocator"
	"github.com/ghex-go/ghex/buffer"
	"github.com/ghex-go/ghex/transport"
)

var errCancelled = errors.New("local: operation cancelled")

// Context creates Transport instances bound to one rank of a World.
type Context struct {
	world *World
	rank  int
}

// Rank returns the bound rank.
func (c *Context) Rank() int {
	return c.rank
}

// Size returns the world's rank count.
func (c *Context) Size() int {
	return c.world.Size()
}

// NewTransport creates a Transport for this context's rank.
func (c *Context) NewTransport(opts ...transport.Option) (transport.Transport, error) {
	cfg := transport.NewConfig(opts...)
	return &Transport{world: c.world, rank: c.rank, cfg: cfg}, nil
}

type matchKey struct {
	peer int
	tag  transport.Tag
}

type record struct {
	msg    transport.Message
	future *future
}

// rankState is one rank's inbox: pending sends and receives not yet
// matched to their counterpart, keyed by (peer rank, tag).
type rankState struct {
	mu          sync.Mutex
	pendingSend map[matchKey][]*record
	pendingRecv map[matchKey][]*record
}

func newRankState() *rankState {
	return &rankState{
		pendingSend: make(map[matchKey][]*record),
		pendingRecv: make(map[matchKey][]*record),
	}
}

// popLive returns the first non-cancelled record for key, compacting out
// any cancelled entries found along the way.
func popLive(m map[matchKey][]*record, key matchKey) *record {
	list := m[key]
	for len(list) > 0 {
		r := list[0]
		list = list[1:]
		if !r.future.isCancelled() {
			m[key] = list
			return r
		}
	}
	delete(m, key)
	return nil
}

// Transport is the in-process, tag-matched loopback implementation of
// transport.Transport. Delivery happens synchronously at post time
// whenever a match is already waiting; otherwise the post is queued in
// the destination rank's inbox until a matching counterpart arrives.
type Transport struct {
	world *World
	rank  int
	cfg   transport.Config

	outstanding int64
}

// Send posts msg to dst under tag.
func (t *Transport) Send(msg transport.Message, dst transport.Address, tag transport.Tag) (transport.Future, error) {
	dstRank := dst.(int)
	key := matchKey{peer: t.rank, tag: tag}
	state := t.world.ranks[dstRank]

	f := newFuture(t.decrementOutstanding)
	atomic.AddInt64(&t.outstanding, 1)

	state.mu.Lock()
	recv := popLive(state.pendingRecv, key)
	if recv == nil {
		state.pendingSend[key] = append(state.pendingSend[key], &record{msg: msg, future: f})
		state.mu.Unlock()
		if t.cfg.Metrics != nil {
			t.cfg.Metrics.SendPosted(nil)
		}
		return f, nil
	}
	state.mu.Unlock()

	deliver(msg, recv.msg)
	recv.future.complete(nil)
	f.complete(nil)
	if t.cfg.Metrics != nil {
		t.cfg.Metrics.SendCompleted(nil)
	}
	return f, nil
}

// Recv posts a receive from src under tag into msg's storage.
func (t *Transport) Recv(msg transport.Message, src transport.Address, tag transport.Tag) (transport.Future, error) {
	srcRank := src.(int)
	key := matchKey{peer: srcRank, tag: tag}
	state := t.world.ranks[t.rank]

	f := newFuture(t.decrementOutstanding)
	atomic.AddInt64(&t.outstanding, 1)

	state.mu.Lock()
	send := popLive(state.pendingSend, key)
	if send == nil {
		state.pendingRecv[key] = append(state.pendingRecv[key], &record{msg: msg, future: f})
		state.mu.Unlock()
		if t.cfg.Metrics != nil {
			t.cfg.Metrics.RecvPosted(nil)
		}
		return f, nil
	}
	state.mu.Unlock()

	err := deliver(send.msg, msg)
	send.future.complete(nil)
	f.complete(err)
	if t.cfg.Metrics != nil {
		if err != nil {
			t.cfg.Metrics.RecvFailed(err, nil)
		} else {
			t.cfg.Metrics.RecvCompleted(nil)
		}
	}
	return f, nil
}

// Progress reports whether this transport has operations it posted that
// have not yet completed or been cancelled.
func (t *Transport) Progress() bool {
	return atomic.LoadInt64(&t.outstanding) > 0
}

// ProgressUnexpected returns true without probing while Progress reports
// outstanding operations. Once none remain, it probes this rank's inbox
// for a queued send that no posted receive has matched. If
// one is waiting, it is received into a freshly allocated buffer and cb
// is invoked with the sender's rank and tag. The return value mirrors
// Progress.
func (t *Transport) ProgressUnexpected(cb transport.UnexpectedFunc) bool {
	if t.Progress() {
		return true
	}
	if cb == nil {
		return false
	}

	state := t.world.ranks[t.rank]
	state.mu.Lock()
	var key matchKey
	var send *record
	for k := range state.pendingSend {
		if s := popLive(state.pendingSend, k); s != nil {
			key, send = k, s
			break
		}
	}
	state.mu.Unlock()
	if send == nil {
		return false
	}

	// The buffer is sized to the sender's payload, so delivery cannot
	// truncate.
	buf := buffer.NewSize(allocator.Heap{}, send.msg.Size())
	_ = deliver(send.msg, buf)
	send.future.complete(nil)
	cb(key.peer, key.tag, buf)
	return false
}

func (t *Transport) decrementOutstanding() {
	atomic.AddInt64(&t.outstanding, -1)
}

// deliver copies src's bytes into dst, returning transport.ErrTruncated
// if src carries more bytes than dst was sized to receive.
func deliver(src, dst transport.Message) error {
	n := copy(dst.Data(), src.Data())
	if n < src.Size() {
		return fmt.Errorf("local: recv of %d bytes truncated to %d: %w", src.Size(), n, transport.ErrTruncated)
	}
	return nil
}

type future struct {
	mu        sync.Mutex
	done      bool
	cancelled bool
	err       error
	ch        chan struct{}
	onResolve func()
}

func newFuture(onResolve func()) *future {
	return &future{ch: make(chan struct{}), onResolve: onResolve}
}

func (f *future) complete(err error) {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return
	}
	f.done = true
	f.err = err
	close(f.ch)
	f.mu.Unlock()
	if f.onResolve != nil {
		f.onResolve()
	}
}

func (f *future) Wait() error {
	<-f.ch
	return f.err
}

func (f *future) Ready() bool {
	select {
	case <-f.ch:
		return true
	default:
		return false
	}
}

func (f *future) Cancel() bool {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return false
	}
	f.done = true
	f.cancelled = true
	f.err = errCancelled
	close(f.ch)
	f.mu.Unlock()
	if f.onResolve != nil {
		f.onResolve()
	}
	return true
}

func (f *future) isCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}
