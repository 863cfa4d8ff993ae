// Package rdm implements a tag-matched RDMA transport over the module's
// libfabric bindings (fi / internal/capi). Open opens two RDM endpoints
// on one domain: a send worker meant to be driven concurrently from
// many goroutines, and a shared receive worker guarded by a lock,
// generalizing the high-level client's Dial sequence to non-blocking
// posts bound to a dedicated completion queue per worker.
//
// Transport satisfies transport.Transport (future-returning). For
// callback-driven completion, either layer dispatch.New(transport) over
// it, or use CallbackTransport, a native fast path sharing the same
// underlying workers that fires callbacks directly from Progress.
package rdm

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"

	"github.com/ghex-go/ghex/fi"
	"github.com/ghex-go/ghex/transport"
)

// ErrClosed is returned by any operation attempted after Close.
var ErrClosed = errors.New("rdm: transport closed")

// Peer identifies a remote rank reachable through this transport: the
// libfabric address of its receive worker (resolved through the shared
// address vector) and its rank, folded into the 64-bit tagged-match key.
type Peer struct {
	Addr fi.Address
	Rank int
}

// Config mirrors the high-level client's Dial configuration, trimmed to
// the connectionless RDM path this transport exercises.
type Config struct {
	Provider string
}

// Transport implements transport.Transport over a pair of RDM endpoints
// sharing one domain and address vector: a send worker and a shared,
// lock-protected receive worker.
type Transport struct {
	cfg    Config
	txCfg  transport.Config
	rank   int
	fabric *fi.Fabric
	domain *fi.Domain
	av     *fi.AddressVector

	sendEP *fi.Endpoint
	sendCQ *fi.CompletionQueue
	recvEP *fi.Endpoint
	recvCQ *fi.CompletionQueue

	selfAddr fi.Address

	outstanding int64

	// recvMu guards the shared receive worker: posting a receive and
	// draining its completion queue. recvDepth lets CallbackTransport's
	// Progress fire a completion callback while still holding recvMu
	// and have that callback repost a receive without deadlocking,
	// under the single-threaded-cooperative contract documented for one
	// transport instance (see CallbackTransport.Progress); it does not
	// protect against a second goroutine genuinely racing the drain.
	recvMu    sync.Mutex
	recvDepth int

	closed atomic.Bool
}

// Open discovers a provider supporting the RDM endpoint type, opens a
// fabric, domain, address vector, and the send/receive endpoint pair,
// and enables both endpoints. Peer addresses are obtained out of band
// (e.g. a pre-populated static address table) and turned into Peer
// values via RegisterPeerAddress.
func Open(cfg Config, rank int, opts ...transport.Option) (*Transport, error) {
	txCfg := transport.NewConfig(opts...)

	discoverOpts := []fi.DiscoverOption{fi.WithEndpointType(fi.EndpointTypeRDM)}
	if cfg.Provider != "" {
		discoverOpts = append(discoverOpts, fi.WithProvider(cfg.Provider))
	}
	discovery, err := fi.DiscoverDescriptors(discoverOpts...)
	if err != nil {
		return nil, fmt.Errorf("rdm: discover descriptors: %w", err)
	}
	defer discovery.Close()

	descriptors := discovery.Descriptors()
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("rdm: no descriptors support the RDM endpoint type")
	}
	desc := descriptors[0]
	for _, d := range descriptors {
		if d.SupportsTagged() {
			desc = d
			break
		}
	}
	if !desc.SupportsTagged() {
		return nil, fmt.Errorf("rdm: %w", fi.ErrCapabilityUnsupported)
	}

	fabric, err := desc.OpenFabric()
	if err != nil {
		return nil, fmt.Errorf("rdm: open fabric: %w", err)
	}
	domain, err := desc.OpenDomain(fabric)
	if err != nil {
		fabric.Close()
		return nil, fmt.Errorf("rdm: open domain: %w", err)
	}

	t := &Transport{cfg: cfg, txCfg: txCfg, rank: rank, fabric: fabric, domain: domain}

	t.av, err = domain.OpenAddressVector(&fi.AddressVectorAttr{Type: fi.AVTypeMap})
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("rdm: open address vector: %w", err)
	}

	t.sendEP, t.sendCQ, err = t.openWorker(desc, fi.BindSend)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("rdm: open send worker: %w", err)
	}
	t.recvEP, t.recvCQ, err = t.openWorker(desc, fi.BindRecv)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("rdm: open receive worker: %w", err)
	}

	t.selfAddr, err = t.recvEP.RegisterAddress(t.av, 0)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("rdm: register receive worker address: %w", err)
	}

	return t, nil
}

func (t *Transport) openWorker(desc fi.Descriptor, bind fi.BindFlag) (*fi.Endpoint, *fi.CompletionQueue, error) {
	cq, err := t.domain.OpenCompletionQueue(&fi.CompletionQueueAttr{Format: fi.CQFormatTagged})
	if err != nil {
		return nil, nil, fmt.Errorf("open completion queue: %w", err)
	}
	ep, err := desc.OpenEndpoint(t.domain)
	if err != nil {
		cq.Close()
		return nil, nil, fmt.Errorf("open endpoint: %w", err)
	}
	if !ep.SupportsTagged() {
		ep.Close()
		cq.Close()
		return nil, nil, fmt.Errorf("open endpoint: %w", fi.ErrCapabilityUnsupported)
	}
	if err := ep.BindCompletionQueue(cq, bind); err != nil {
		ep.Close()
		cq.Close()
		return nil, nil, fmt.Errorf("bind completion queue: %w", err)
	}
	if err := ep.BindAddressVector(t.av, 0); err != nil {
		ep.Close()
		cq.Close()
		return nil, nil, fmt.Errorf("bind address vector: %w", err)
	}
	if err := ep.Enable(); err != nil {
		ep.Close()
		cq.Close()
		return nil, nil, fmt.Errorf("enable endpoint: %w", err)
	}
	return ep, cq, nil
}

// LocalAddress returns this transport's receive worker address, to be
// shared with peers out of band so it can be inserted into their own
// address vectors (typically via a static address table).
func (t *Transport) LocalAddress() fi.Address {
	return t.selfAddr
}

// LocalAddressBytes returns the receive worker's raw provider address,
// the wire form distributed through a static address table and turned
// back into a usable Peer via a remote transport's RegisterPeerAddress.
func (t *Transport) LocalAddressBytes() ([]byte, error) {
	return t.recvEP.Name()
}

// Rank returns the rank this transport encodes into the 64-bit match
// key, as passed to Open.
func (t *Transport) Rank() int {
	return t.rank
}

// RegisterPeerAddress inserts addr (obtained out of band, typically
// from a static address table) into the shared address vector and
// returns a Peer usable as a transport.Address.
func (t *Transport) RegisterPeerAddress(addr []byte, rank int) (Peer, error) {
	fiAddr, err := t.av.InsertRaw(addr, 0)
	if err != nil {
		return Peer{}, fmt.Errorf("rdm: register peer address: %w", err)
	}
	return Peer{Addr: fiAddr, Rank: rank}, nil
}

// Close releases every resource opened by Open. It is safe to call more
// than once.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs *multierror.Error
	if t.recvEP != nil {
		errs = multierror.Append(errs, t.recvEP.Close())
	}
	if t.recvCQ != nil {
		errs = multierror.Append(errs, t.recvCQ.Close())
	}
	if t.sendEP != nil {
		errs = multierror.Append(errs, t.sendEP.Close())
	}
	if t.sendCQ != nil {
		errs = multierror.Append(errs, t.sendCQ.Close())
	}
	if t.av != nil {
		errs = multierror.Append(errs, t.av.Close())
	}
	if t.domain != nil {
		errs = multierror.Append(errs, t.domain.Close())
	}
	if t.fabric != nil {
		errs = multierror.Append(errs, t.fabric.Close())
	}
	return errs.ErrorOrNil()
}

// lockRecv acquires the shared receive worker's lock, reentrantly: a
// goroutine already holding it (draining the receive worker, possibly
// from within a fired callback) may reacquire it without blocking. See
// the recvDepth field comment for the contract this depends on.
func (t *Transport) lockRecv() {
	if t.recvDepth > 0 {
		t.recvDepth++
		return
	}
	t.recvMu.Lock()
	t.recvDepth = 1
}

func (t *Transport) unlockRecv() {
	t.recvDepth--
	if t.recvDepth == 0 {
		t.recvMu.Unlock()
	}
}

func (t *Transport) doSend(buf []byte, peer Peer, tag transport.Tag, cctx *fi.CompletionContext) error {
	key := transport.EncodeMatchTag(tag, t.rank)
	_, err := t.sendEP.PostTaggedSend(&fi.TaggedSendRequest{Buffer: buf, Dest: peer.Addr, Tag: key, Context: cctx})
	return err
}

func (t *Transport) doRecv(buf []byte, peer Peer, tag transport.Tag, cctx *fi.CompletionContext) error {
	key := transport.EncodeMatchTag(tag, peer.Rank)
	t.lockRecv()
	defer t.unlockRecv()
	_, err := t.recvEP.PostTaggedRecv(&fi.TaggedRecvRequest{Buffer: buf, Source: peer.Addr, Tag: key, Ignore: 0, Context: cctx})
	return err
}

// completion is one resolved libfabric completion: the arbitrary value
// a caller attached via CompletionContext.SetValue before posting, and
// the error carried by a completion queue error entry, if any.
type completion struct {
	value any
	err   error
}

func (t *Transport) drain(cq *fi.CompletionQueue) []completion {
	var out []completion
	for {
		evt, err := cq.ReadContext()
		if err != nil {
			break
		}
		if c, ok := resolveCompletion(evt, nil); ok {
			out = append(out, c)
		}
	}
	for {
		entry, err := cq.ReadError(0)
		if err != nil {
			break
		}
		if c, ok := resolveCompletion(nil, entry); ok {
			out = append(out, c)
		}
	}
	return out
}

func resolveCompletion(evt *fi.CompletionEvent, entry *fi.CompletionError) (completion, bool) {
	var (
		cctx *fi.CompletionContext
		err  error
	)
	switch {
	case evt != nil:
		cctx, err = evt.Resolve()
	case entry != nil:
		cctx, err = entry.Resolve()
	default:
		return completion{}, false
	}
	if err != nil {
		return completion{}, false
	}
	var opErr error
	if entry != nil {
		opErr = fmt.Errorf("rdm: %w: errno %v", transport.ErrTransportFailed, entry.Err)
	}
	return completion{value: cctx.Value(), err: opErr}, true
}

func (t *Transport) failPost(isSend bool, err error) error {
	if t.txCfg.Metrics != nil {
		if isSend {
			t.txCfg.Metrics.SendFailed(err, nil)
		} else {
			t.txCfg.Metrics.RecvFailed(err, nil)
		}
	}
	return fmt.Errorf("rdm: %w", err)
}

// Send posts msg to dst under tag and returns a future for its
// completion.
func (t *Transport) Send(msg transport.Message, dst transport.Address, tag transport.Tag) (transport.Future, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	peer, ok := dst.(Peer)
	if !ok {
		return nil, fmt.Errorf("rdm: destination %v is not a rdm.Peer", dst)
	}
	cctx, err := fi.NewCompletionContext()
	if err != nil {
		return nil, fmt.Errorf("rdm: allocate completion context: %w", err)
	}
	f := newOpFuture(func() { atomic.AddInt64(&t.outstanding, -1) })
	cctx.SetValue(f)
	if err := t.doSend(msg.Data(), peer, tag, cctx); err != nil {
		cctx.Release()
		return nil, t.failPost(true, err)
	}
	atomic.AddInt64(&t.outstanding, 1)
	if t.txCfg.Metrics != nil {
		t.txCfg.Metrics.SendPosted(nil)
	}
	return f, nil
}

// Recv posts a receive from src under tag into msg's storage, returning
// a future for its completion.
func (t *Transport) Recv(msg transport.Message, src transport.Address, tag transport.Tag) (transport.Future, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	peer, ok := src.(Peer)
	if !ok {
		return nil, fmt.Errorf("rdm: source %v is not a rdm.Peer", src)
	}
	cctx, err := fi.NewCompletionContext()
	if err != nil {
		return nil, fmt.Errorf("rdm: allocate completion context: %w", err)
	}
	f := newOpFuture(func() { atomic.AddInt64(&t.outstanding, -1) })
	cctx.SetValue(f)
	if err := t.doRecv(msg.Data(), peer, tag, cctx); err != nil {
		cctx.Release()
		return nil, t.failPost(false, err)
	}
	atomic.AddInt64(&t.outstanding, 1)
	if t.txCfg.Metrics != nil {
		t.txCfg.Metrics.RecvPosted(nil)
	}
	return f, nil
}

// Progress drains the send worker's completion queue without taking the
// receive lock, then briefly locks the shared receive worker to drain
// its own queue, resolving the future attached to every completion.
func (t *Transport) Progress() bool {
	for _, c := range t.drain(t.sendCQ) {
		t.completeFuture(c, true)
	}
	t.lockRecv()
	recvCompletions := t.drain(t.recvCQ)
	t.unlockRecv()
	for _, c := range recvCompletions {
		t.completeFuture(c, false)
	}
	return atomic.LoadInt64(&t.outstanding) > 0
}

func (t *Transport) completeFuture(c completion, isSend bool) {
	f, ok := c.value.(*opFuture)
	if !ok || f == nil {
		return
	}
	f.complete(c.err)
	if t.txCfg.Metrics == nil {
		return
	}
	switch {
	case c.err != nil && isSend:
		t.txCfg.Metrics.SendFailed(c.err, nil)
	case c.err != nil:
		t.txCfg.Metrics.RecvFailed(c.err, nil)
	case isSend:
		t.txCfg.Metrics.SendCompleted(nil)
	default:
		t.txCfg.Metrics.RecvCompleted(nil)
	}
}

var errCancelled = errors.New("rdm: operation cancelled")

// opFuture is transport.Future for one posted tagged operation, mirroring
// the loopback transport's future: a single-fire completion gate with an
// onResolve hook for outstanding-count bookkeeping.
type opFuture struct {
	mu        sync.Mutex
	done      bool
	cancelled bool
	err       error
	ch        chan struct{}
	onResolve func()
}

func newOpFuture(onResolve func()) *opFuture {
	return &opFuture{ch: make(chan struct{}), onResolve: onResolve}
}

func (f *opFuture) complete(err error) {
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

func (f *opFuture) Wait() error {
	<-f.ch
	return f.err
}

func (f *opFuture) Ready() bool {
	select {
	case <-f.ch:
		return true
	default:
		return false
	}
}

// Cancel marks the future cancelled if it has not already completed.
// The underlying libfabric operation, once posted, cannot itself be
// aborted through this trimmed binding surface; Cancel only stops this
// future from blocking callers and lets CallbackTransport drop the
// pending record without firing its callback.
func (f *opFuture) Cancel() bool {
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

func (f *opFuture) isCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}
