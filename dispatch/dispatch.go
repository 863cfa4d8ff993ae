// Package dispatch layers callback-based completion over any
// transport.Transport: it owns the queued pending operations and invokes
// user callbacks from Progress, synchronously from Send/Recv when the
// post has already completed, or from CancelCallbacks for a record whose
// cancellation failed; never from inside the transport's own completion
// path.
package dispatch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/eapache/queue"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/ghex-go/ghex/transport"
)

var (
	// ErrNotRegistered is returned by callers that choose to treat a
	// Detach miss as fatal; Detach itself reports the miss as its bool
	// return, per transport.CallbackTransport.
	ErrNotRegistered = errors.New("dispatch: no pending record for (peer, tag)")
	// ErrAlreadyRegistered indicates Attach was called for a (peer, tag)
	// pair that already has a pending record.
	ErrAlreadyRegistered = errors.New("dispatch: pending record already registered for (peer, tag)")
)

type pendingRecord struct {
	msg    transport.Message
	peer   transport.Address
	tag    transport.Tag
	future transport.Future
	cb     transport.CallbackFunc
}

// CallbackDispatcher adapts a transport.Transport to
// transport.CallbackTransport. It is safe for concurrent use.
type CallbackDispatcher struct {
	mu      sync.Mutex
	tx      transport.Transport
	pending *queue.Queue
	cfg     transport.Config
}

// New builds a CallbackDispatcher over tx.
func New(tx transport.Transport, opts ...transport.Option) *CallbackDispatcher {
	return &CallbackDispatcher{
		tx:      tx,
		pending: queue.New(),
		cfg:     transport.NewConfig(opts...),
	}
}

// Send posts msg to dst under tag and arranges for cb to be invoked on
// completion. An already-complete post fires cb synchronously (the
// early-completion fast path) instead of queuing a record.
func (d *CallbackDispatcher) Send(msg transport.Message, dst transport.Address, tag transport.Tag, cb transport.CallbackFunc) error {
	f, err := d.tx.Send(msg, dst, tag)
	if err != nil {
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.SendFailed(err, nil)
		}
		return fmt.Errorf("dispatch: send to %v tag %d: %w", dst, tag, err)
	}
	return d.register(f, msg, dst, tag, cb, true)
}

// Recv posts a receive from src under tag into msg and arranges for cb
// to be invoked on completion.
func (d *CallbackDispatcher) Recv(msg transport.Message, src transport.Address, tag transport.Tag, cb transport.CallbackFunc) error {
	f, err := d.tx.Recv(msg, src, tag)
	if err != nil {
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.RecvFailed(err, nil)
		}
		return fmt.Errorf("dispatch: recv from %v tag %d: %w", src, tag, err)
	}
	return d.register(f, msg, src, tag, cb, false)
}

func (d *CallbackDispatcher) register(f transport.Future, msg transport.Message, peer transport.Address, tag transport.Tag, cb transport.CallbackFunc, isSend bool) error {
	if f.Ready() {
		if d.cfg.Metrics != nil {
			if isSend {
				d.cfg.Metrics.SendCompleted(nil)
			} else {
				d.cfg.Metrics.RecvCompleted(nil)
			}
		}
		cb(msg, peer, tag)
		return nil
	}
	d.mu.Lock()
	d.pending.Add(&pendingRecord{msg: msg, peer: peer, tag: tag, future: f, cb: cb})
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.PendingQueueDepth(d.pending.Length(), nil)
	}
	d.mu.Unlock()
	return nil
}

// shareable is the optional contract a Message may satisfy to support
// SendMulti's fan-out: each destination gets an independent cloned
// handle, released when that destination's completion fires.
type shareable interface {
	transport.Message
	CloneMessage() transport.Message
	Release()
}

// SendMulti fans msg out to every destination in dsts under tag. If msg
// implements the shareable contract (message.SharedMessage does), each
// destination sends an independent clone, released on completion, so the
// original handle's use count returns to its pre-call value once every
// send finishes.
func (d *CallbackDispatcher) SendMulti(msg transport.Message, dsts []transport.Address, tag transport.Tag, cb transport.CallbackFunc) error {
	sh, shared := msg.(shareable)

	var errs *multierror.Error
	for _, dst := range dsts {
		m := msg
		wrapped := cb
		if shared {
			clone := sh.CloneMessage()
			m = clone
			wrapped = func(m2 transport.Message, peer transport.Address, t transport.Tag) {
				cb(m2, peer, t)
				if cs, ok := m2.(shareable); ok {
					cs.Release()
				}
			}
		}
		if err := d.Send(m, dst, tag, wrapped); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// Progress performs one sweep over pending records: every completed
// record is removed and its callback invoked exactly once, outside any
// lock. It returns true iff any pending records remain afterward.
func (d *CallbackDispatcher) Progress() bool {
	records := d.drainAll()

	remaining := make([]*pendingRecord, 0, len(records))
	var fired []*pendingRecord
	for _, r := range records {
		if r.future.Ready() {
			fired = append(fired, r)
		} else {
			remaining = append(remaining, r)
		}
	}

	d.mu.Lock()
	for _, r := range remaining {
		d.pending.Add(r)
	}
	n := d.pending.Length()
	d.mu.Unlock()

	for _, r := range fired {
		err := r.future.Wait()
		if err != nil && d.cfg.Logger != nil {
			d.cfg.Logger.Warn("dispatch: completion error",
				zap.Any("peer", r.peer), zap.Uint32("tag", uint32(r.tag)))
		}
		r.cb(r.msg, r.peer, r.tag)
	}

	return n > 0
}

// Detach removes the pending record matching (peer, tag) and returns its
// future and message. The third return is false if no such record
// exists; per the module's error taxonomy this is a fatal condition for
// callers that choose to treat it as one (see ErrNotRegistered).
func (d *CallbackDispatcher) Detach(peer transport.Address, tag transport.Tag) (transport.Future, transport.Message, bool) {
	records := d.drainAll()

	var found *pendingRecord
	remaining := make([]*pendingRecord, 0, len(records))
	for _, r := range records {
		if found == nil && r.peer == peer && r.tag == tag {
			found = r
			continue
		}
		remaining = append(remaining, r)
	}

	d.mu.Lock()
	for _, r := range remaining {
		d.pending.Add(r)
	}
	d.mu.Unlock()

	if found == nil {
		return nil, nil, false
	}
	return found.future, found.msg, true
}

// Attach registers an already in-flight future for callback-based
// completion. It fails with ErrAlreadyRegistered if a record for
// (peer, tag) already exists.
func (d *CallbackDispatcher) Attach(future transport.Future, msg transport.Message, peer transport.Address, tag transport.Tag, cb transport.CallbackFunc) error {
	d.mu.Lock()
	for i := 0; i < d.pending.Length(); i++ {
		r := d.pending.Get(i).(*pendingRecord)
		if r.peer == peer && r.tag == tag {
			d.mu.Unlock()
			return ErrAlreadyRegistered
		}
	}
	d.pending.Add(&pendingRecord{msg: msg, peer: peer, tag: tag, future: future, cb: cb})
	d.mu.Unlock()
	return nil
}

// CancelCallbacks attempts to cancel every pending record. A record whose
// cancellation succeeds is dropped without invoking its callback; a
// record that had already completed has its callback invoked instead,
// since the underlying operation did finish. It returns true iff every
// record was successfully cancelled.
func (d *CallbackDispatcher) CancelCallbacks() bool {
	records := d.drainAll()

	allCancelled := true
	for _, r := range records {
		if r.future.Cancel() {
			continue
		}
		allCancelled = false
		r.cb(r.msg, r.peer, r.tag)
	}
	return allCancelled
}

// Close panics if any pending records remain: destroying a dispatcher
// with outstanding operations is a programming error. Drain via Progress
// or CancelCallbacks before calling Close.
func (d *CallbackDispatcher) Close() {
	d.mu.Lock()
	n := d.pending.Length()
	d.mu.Unlock()
	if n > 0 {
		panic(fmt.Sprintf("dispatch: Close called with %d pending operations", n))
	}
}

func (d *CallbackDispatcher) drainAll() []*pendingRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.pending.Length()
	records := make([]*pendingRecord, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, d.pending.Remove().(*pendingRecord))
	}
	return records
}
