package rdm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/ghex-go/ghex/allocator"
	"github.com/ghex-go/ghex/buffer"
	"github.com/ghex-go/ghex/dispatch"
	"github.com/ghex-go/ghex/fi"
	"github.com/ghex-go/ghex/transport"
)

// pendingOp is the callback-path counterpart to opFuture: the metadata
// needed to invoke a user callback once Progress observes its
// completion. id is a correlation id, also threaded through the
// associated CompletionContext, so a fired completion can be traced
// back to the post that created it. resolved guards against firing cb
// twice when a Cancel races a real completion landing on the same op.
type pendingOp struct {
	id       string
	msg      transport.Message
	peer     Peer
	tag      transport.Tag
	cb       transport.CallbackFunc
	resolved atomic.Bool
}

// CallbackTransport is the native fast-path implementation of
// transport.CallbackTransport over an rdm.Transport's shared workers: it
// posts through the same send and receive endpoints and fires callbacks
// directly from Progress rather than being layered through the dispatch
// package.
type CallbackTransport struct {
	tx *Transport

	sendMu      sync.Mutex
	sendPending map[string]*pendingOp

	// recvPending is guarded by tx.recvMu, the same lock Progress takes
	// to drain the receive worker; a fired receive callback that
	// reposts sees the reentrant depth counter and proceeds without
	// blocking on itself.
	recvPending map[string]*pendingOp
}

// NewCallbackTransport wraps tx, an already-open Transport, with the
// native callback-driven fast path. tx must not be driven through its
// own Send/Recv/Progress concurrently with this wrapper.
func NewCallbackTransport(tx *Transport) *CallbackTransport {
	return &CallbackTransport{
		tx:          tx,
		sendPending: make(map[string]*pendingOp),
		recvPending: make(map[string]*pendingOp),
	}
}

// Send posts msg to dst under tag and invokes cb on completion.
func (c *CallbackTransport) Send(msg transport.Message, dst transport.Address, tag transport.Tag, cb transport.CallbackFunc) error {
	peer, ok := dst.(Peer)
	if !ok {
		return fmt.Errorf("rdm: destination %v is not a rdm.Peer", dst)
	}
	cctx, err := fi.NewCompletionContext()
	if err != nil {
		return fmt.Errorf("rdm: allocate completion context: %w", err)
	}
	op := &pendingOp{id: uuid.NewString(), msg: msg, peer: peer, tag: tag, cb: cb}
	cctx.SetValue(op)
	if err := c.tx.doSend(msg.Data(), peer, tag, cctx); err != nil {
		cctx.Release()
		return c.tx.failPost(true, err)
	}
	atomic.AddInt64(&c.tx.outstanding, 1)
	c.sendMu.Lock()
	c.sendPending[op.id] = op
	c.sendMu.Unlock()
	if c.tx.txCfg.Metrics != nil {
		c.tx.txCfg.Metrics.SendPosted(nil)
	}
	return nil
}

// Recv posts a receive from src under tag and invokes cb on completion.
func (c *CallbackTransport) Recv(msg transport.Message, src transport.Address, tag transport.Tag, cb transport.CallbackFunc) error {
	peer, ok := src.(Peer)
	if !ok {
		return fmt.Errorf("rdm: source %v is not a rdm.Peer", src)
	}
	cctx, err := fi.NewCompletionContext()
	if err != nil {
		return fmt.Errorf("rdm: allocate completion context: %w", err)
	}
	op := &pendingOp{id: uuid.NewString(), msg: msg, peer: peer, tag: tag, cb: cb}
	cctx.SetValue(op)
	if err := c.tx.doRecv(msg.Data(), peer, tag, cctx); err != nil {
		cctx.Release()
		return c.tx.failPost(false, err)
	}
	atomic.AddInt64(&c.tx.outstanding, 1)
	c.tx.recvMu.Lock()
	c.recvPending[op.id] = op
	c.tx.recvMu.Unlock()
	if c.tx.txCfg.Metrics != nil {
		c.tx.txCfg.Metrics.RecvPosted(nil)
	}
	return nil
}

// shareable mirrors dispatch's fan-out contract: any Message also
// exposing CloneMessage/Release (message.SharedMessage does) gets an
// independent clone per destination in SendMulti.
type shareable interface {
	transport.Message
	CloneMessage() transport.Message
	Release()
}

// SendMulti fans msg out to every destination in dsts under tag.
func (c *CallbackTransport) SendMulti(msg transport.Message, dsts []transport.Address, tag transport.Tag, cb transport.CallbackFunc) error {
	sh, shared := msg.(shareable)
	var errs *multierror.Error
	for _, dst := range dsts {
		m := msg
		wrapped := cb
		if shared {
			clone := sh.CloneMessage()
			m = clone
			wrapped = func(m2 transport.Message, peer transport.Address, tg transport.Tag) {
				cb(m2, peer, tg)
				if cs, ok := m2.(shareable); ok {
					cs.Release()
				}
			}
		}
		if err := c.Send(m, dst, tag, wrapped); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// Progress drains the send worker's completion queue without locking,
// firing each completed send's callback immediately (the send worker is
// unlocked), then locks the shared receive worker to drain its queue
// and fires each completed receive's callback while still holding that
// lock: a callback that reposts a receive reenters lockRecv instead of
// deadlocking, per Transport.recvDepth's documented contract.
func (c *CallbackTransport) Progress() bool {
	for _, comp := range c.tx.drain(c.tx.sendCQ) {
		c.fireSend(comp)
	}

	c.tx.lockRecv()
	for _, comp := range c.tx.drain(c.tx.recvCQ) {
		c.fireRecv(comp)
	}
	c.tx.unlockRecv()

	c.sendMu.Lock()
	n := len(c.sendPending)
	c.sendMu.Unlock()
	c.tx.recvMu.Lock()
	n += len(c.recvPending)
	c.tx.recvMu.Unlock()
	if c.tx.txCfg.Metrics != nil {
		c.tx.txCfg.Metrics.PendingQueueDepth(n, nil)
	}
	return n > 0
}

func (c *CallbackTransport) fireSend(comp completion) {
	op, ok := comp.value.(*pendingOp)
	if !ok || op == nil || !op.resolved.CompareAndSwap(false, true) {
		return
	}
	c.sendMu.Lock()
	delete(c.sendPending, op.id)
	c.sendMu.Unlock()
	if c.tx.txCfg.Metrics != nil {
		if comp.err != nil {
			c.tx.txCfg.Metrics.SendFailed(comp.err, nil)
		} else {
			c.tx.txCfg.Metrics.SendCompleted(nil)
		}
	}
	atomic.AddInt64(&c.tx.outstanding, -1)
	op.cb(op.msg, op.peer, op.tag)
}

// fireRecv is called with tx.recvMu held; op.cb may call back into
// c.Recv, which reenters the same lock via Transport.lockRecv's depth
// counter rather than blocking.
func (c *CallbackTransport) fireRecv(comp completion) {
	op, ok := comp.value.(*pendingOp)
	if !ok || op == nil || !op.resolved.CompareAndSwap(false, true) {
		return
	}
	delete(c.recvPending, op.id)
	if c.tx.txCfg.Metrics != nil {
		if comp.err != nil {
			c.tx.txCfg.Metrics.RecvFailed(comp.err, nil)
		} else {
			c.tx.txCfg.Metrics.RecvCompleted(nil)
		}
	}
	atomic.AddInt64(&c.tx.outstanding, -1)
	op.cb(op.msg, op.peer, op.tag)
}

// probeMarker is the context value carried by an unexpected-message
// peek, distinguishing its completion from registered operations'.
type probeMarker struct{}

// ProgressUnexpected performs a Progress sweep and, once no registered
// operations remain, probes the shared receive worker for a message no
// posted receive matched. If one is waiting, it is received into a
// freshly allocated buffer and cb is invoked with its source rank and
// tag before returning. The return value mirrors Progress.
func (c *CallbackTransport) ProgressUnexpected(cb transport.UnexpectedFunc) bool {
	if c.Progress() {
		return true
	}
	if cb == nil {
		return false
	}

	c.tx.lockRecv()
	defer c.tx.unlockRecv()

	probeCtx, err := fi.NewCompletionContext()
	if err != nil {
		return false
	}
	marker := &probeMarker{}
	probeCtx.SetValue(marker)
	if _, err := c.tx.recvEP.PostTaggedPeek(&fi.TaggedProbeRequest{Ignore: ^uint64(0), Context: probeCtx}); err != nil {
		probeCtx.Release()
		return false
	}

	// The peek resolves through the receive worker's completion queue:
	// success means a message is waiting (the event carries its match
	// key and byte length), an error entry with ErrnoNoMessage means
	// none. Unrelated completions racing the probe are dispatched
	// through their normal paths.
	for {
		evt, err := c.tx.recvCQ.ReadContext()
		if err == nil && evt != nil {
			pctx, rerr := evt.Resolve()
			if rerr != nil {
				continue
			}
			if _, ok := pctx.Value().(*probeMarker); ok {
				tag, rank := transport.DecodeMatchTag(evt.Tag)
				c.receiveUnexpected(Peer{Rank: rank}, tag, int(evt.Len), cb)
				return false
			}
			c.dispatchResolved(completion{value: pctx.Value()})
			continue
		}
		entry, eerr := c.tx.recvCQ.ReadError(0)
		if eerr != nil || entry == nil {
			continue
		}
		pctx, rerr := entry.Resolve()
		if rerr != nil {
			continue
		}
		if _, ok := pctx.Value().(*probeMarker); ok {
			if entry.Err != fi.ErrnoNoMessage && c.tx.txCfg.Logger != nil {
				c.tx.txCfg.Logger.Warn("unexpected-message probe failed", zap.Any("errno", entry.Err))
			}
			return false
		}
		c.dispatchResolved(completion{
			value: pctx.Value(),
			err:   fmt.Errorf("rdm: %w: errno %v", transport.ErrTransportFailed, entry.Err),
		})
	}
}

// receiveUnexpected consumes a peeked message: it posts a full-match
// receive for the probed (rank, tag) key, drives the receive worker's
// queue until that receive lands, and hands the filled buffer to cb.
// Called with tx.recvMu held.
func (c *CallbackTransport) receiveUnexpected(peer Peer, tag transport.Tag, size int, cb transport.UnexpectedFunc) {
	buf := buffer.NewSize(allocator.Heap{}, size)
	cctx, err := fi.NewCompletionContext()
	if err != nil {
		return
	}
	f := newOpFuture(nil)
	cctx.SetValue(f)
	if err := c.tx.doRecv(buf.Data(), peer, tag, cctx); err != nil {
		cctx.Release()
		return
	}
	for !f.Ready() {
		for _, comp := range c.tx.drain(c.tx.recvCQ) {
			c.dispatchResolved(comp)
		}
	}
	cb(peer, tag, buf)
}

// dispatchResolved routes a completion to whichever bookkeeping posted
// it: a callback-path pendingOp or a future-path opFuture.
func (c *CallbackTransport) dispatchResolved(comp completion) {
	switch comp.value.(type) {
	case *pendingOp:
		c.fireRecv(comp)
	case *opFuture:
		c.tx.completeFuture(comp, false)
	}
}

// Detach removes the pending record matching (peer, tag) and returns a
// future resolved either by Wait-ing for the real completion or by a
// later Cancel, plus the message.
func (c *CallbackTransport) Detach(peer transport.Address, tag transport.Tag) (transport.Future, transport.Message, bool) {
	p, ok := peer.(Peer)
	if !ok {
		return nil, nil, false
	}

	c.sendMu.Lock()
	if op := popMatching(c.sendPending, p, tag); op != nil {
		c.sendMu.Unlock()
		return newDetachedFuture(c, op, true), op.msg, true
	}
	c.sendMu.Unlock()

	c.tx.recvMu.Lock()
	defer c.tx.recvMu.Unlock()
	if op := popMatching(c.recvPending, p, tag); op != nil {
		return newDetachedFuture(c, op, false), op.msg, true
	}
	return nil, nil, false
}

func popMatching(pending map[string]*pendingOp, peer Peer, tag transport.Tag) *pendingOp {
	for id, op := range pending {
		if op.peer == peer && op.tag == tag {
			delete(pending, id)
			return op
		}
	}
	return nil
}

// detachedFuture lets a caller Wait on or Cancel an op that was
// registered through Send/Recv's callback path and then Detached. It
// re-registers the op in the same pending map so Progress continues to
// drive it to completion; Cancel races that completion via op.resolved.
type detachedFuture struct {
	c      *CallbackTransport
	op     *pendingOp
	isSend bool
	inner  *opFuture
}

func newDetachedFuture(c *CallbackTransport, op *pendingOp, isSend bool) *detachedFuture {
	d := &detachedFuture{c: c, op: op, isSend: isSend, inner: newOpFuture(nil)}
	op.cb = func(transport.Message, transport.Address, transport.Tag) { d.inner.complete(nil) }
	if isSend {
		c.sendMu.Lock()
		c.sendPending[op.id] = op
		c.sendMu.Unlock()
	} else {
		c.tx.recvMu.Lock()
		c.recvPending[op.id] = op
		c.tx.recvMu.Unlock()
	}
	return d
}

func (d *detachedFuture) Wait() error { return d.inner.Wait() }
func (d *detachedFuture) Ready() bool { return d.inner.Ready() }

// Cancel wins only if it resolves the op before a real completion does;
// the underlying libfabric post cannot itself be revoked.
func (d *detachedFuture) Cancel() bool {
	if !d.op.resolved.CompareAndSwap(false, true) {
		return false
	}
	pending := d.c.sendPending
	mu := &d.c.sendMu
	if !d.isSend {
		pending = d.c.recvPending
		mu = &d.c.tx.recvMu
	}
	mu.Lock()
	delete(pending, d.op.id)
	mu.Unlock()
	atomic.AddInt64(&d.c.tx.outstanding, -1)
	d.inner.Cancel()
	return true
}

// Attach registers an already in-flight future for callback-based
// completion. future must have been produced by this same
// CallbackTransport's Detach; Attach rejects anything else, since a
// plain Transport future carries no (peer, tag) identity to reattach.
func (c *CallbackTransport) Attach(future transport.Future, msg transport.Message, peer transport.Address, tag transport.Tag, cb transport.CallbackFunc) error {
	d, ok := future.(*detachedFuture)
	if !ok {
		return fmt.Errorf("rdm: Attach requires a future returned by this CallbackTransport's Detach")
	}
	p, ok := peer.(Peer)
	if !ok {
		return fmt.Errorf("rdm: peer %v is not a rdm.Peer", peer)
	}

	pending := c.sendPending
	mu := &c.sendMu
	if !d.isSend {
		pending = c.recvPending
		mu = &c.tx.recvMu
	}
	mu.Lock()
	defer mu.Unlock()
	for _, op := range pending {
		if op.peer == p && op.tag == tag {
			return fmt.Errorf("rdm: (%v, %d): %w", peer, tag, dispatch.ErrAlreadyRegistered)
		}
	}
	d.op.peer = p
	d.op.tag = tag
	d.op.msg = msg
	d.op.cb = cb
	pending[d.op.id] = d.op
	return nil
}

// CancelCallbacks attempts to cancel every currently pending record. A
// cancel that loses the race against a real completion already in
// flight through Progress leaves that record's normal callback
// invocation alone rather than firing it twice; such a record counts as
// not cancelled.
func (c *CallbackTransport) CancelCallbacks() bool {
	c.sendMu.Lock()
	sendOps := drainOps(c.sendPending)
	c.sendMu.Unlock()

	c.tx.recvMu.Lock()
	recvOps := drainOps(c.recvPending)
	c.tx.recvMu.Unlock()

	all := true
	for _, op := range append(sendOps, recvOps...) {
		if op.resolved.CompareAndSwap(false, true) {
			atomic.AddInt64(&c.tx.outstanding, -1)
			continue
		}
		all = false
	}
	if c.tx.txCfg.Metrics != nil && all {
		c.tx.txCfg.Metrics.CancelCompleted(nil)
	}
	return all
}

func drainOps(pending map[string]*pendingOp) []*pendingOp {
	ops := make([]*pendingOp, 0, len(pending))
	for id, op := range pending {
		ops = append(ops, op)
		delete(pending, id)
	}
	return ops
}
