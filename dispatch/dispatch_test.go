package dispatch

import (
	"sync"
	"testing"

	"github.com/ghex-go/ghex/allocator"
	"github.com/ghex-go/ghex/buffer"
	"github.com/ghex-go/ghex/message"
	"github.com/ghex-go/ghex/transport"
	"github.com/ghex-go/ghex/transport/local"
)

func newLoopbackPair(t *testing.T) (tx0, tx1 transport.Transport) {
	t.Helper()
	world := local.NewWorld(2)
	var err error
	tx0, err = world.Context(0).NewTransport()
	if err != nil {
		t.Fatalf("NewTransport(0): %v", err)
	}
	tx1, err = world.Context(1).NewTransport()
	if err != nil {
		t.Fatalf("NewTransport(1): %v", err)
	}
	return tx0, tx1
}

func TestSendRecvEarlyCompletionFastPath(t *testing.T) {
	tx0, tx1 := newLoopbackPair(t)
	d0 := New(tx0)
	d1 := New(tx1)

	send := buffer.NewSize(allocator.Heap{}, 4)
	copy(send.Data(), []byte{1, 2, 3, 4})
	recv := buffer.NewSize(allocator.Heap{}, 4)

	recvFired := false
	if err := d1.Recv(recv, 0, 7, func(transport.Message, transport.Address, transport.Tag) {
		recvFired = true
	}); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if recvFired {
		t.Fatal("recv callback fired before any matching send existed")
	}

	sendFired := false
	if err := d0.Send(send, 1, 7, func(transport.Message, transport.Address, transport.Tag) {
		sendFired = true
	}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	// The send matches the already-queued receive at post time, so the
	// sender's own completion fires synchronously through the
	// early-completion fast path: no Progress() call needed on this side.
	if !sendFired {
		t.Fatal("send callback did not fire synchronously on the early-completion path")
	}

	// The receive's own future only turns ready once the matching send
	// lands; the recv side discovers this on its next Progress() sweep.
	if d1.Progress() {
		t.Fatal("d1.Progress() = true, want false: its only record just completed")
	}
	if !recvFired {
		t.Fatal("recv callback never fired after Progress()")
	}
	if got := recv.Data(); string(got) != "\x01\x02\x03\x04" {
		t.Fatalf("received data = %v, want [1 2 3 4]", got)
	}
	if d0.Progress() {
		t.Fatal("d0.Progress() = true, want false (nothing pending on d0)")
	}
}

func TestRecvBeforeSendQueuesThenFiresOnProgress(t *testing.T) {
	tx0, tx1 := newLoopbackPair(t)
	d0 := New(tx0)
	d1 := New(tx1)

	recv := buffer.NewSize(allocator.Heap{}, 4)
	fired := false
	if err := d1.Recv(recv, 0, 9, func(transport.Message, transport.Address, transport.Tag) {
		fired = true
	}); err != nil {
		t.Fatalf("Recv: %v", err)
	}

	// Recv posted before any matching send exists: it must queue, not
	// fire the early-completion fast path, and Progress must report it
	// still pending.
	if fired {
		t.Fatal("callback fired before a matching send was posted")
	}
	if !d1.Progress() {
		t.Fatal("Progress() = false while a recv is still unmatched")
	}

	send := buffer.NewSize(allocator.Heap{}, 4)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := d0.Send(send, 1, 9, func(transport.Message, transport.Address, transport.Tag) {}); err != nil {
			t.Errorf("Send: %v", err)
		}
	}()
	wg.Wait()

	// The matching send completed the recv's transport-level future, but
	// the dispatcher only discovers this on its next Progress() sweep.
	if fired {
		t.Fatal("recv callback fired before Progress() observed the completion")
	}
	if d1.Progress() {
		t.Fatal("d1.Progress() = true, want false: its only record just completed")
	}
	if !fired {
		t.Fatal("recv callback never fired once Progress() observed the completion")
	}
}

func TestSendMultiSharesOneMessageAndReleasesClones(t *testing.T) {
	alloc := allocator.Heap{}
	world := local.NewWorld(4)
	senderTx, err := world.Context(0).NewTransport()
	if err != nil {
		t.Fatalf("NewTransport(0): %v", err)
	}
	sender := New(senderTx)

	var recvDispatchers []*CallbackDispatcher
	var recvBufs []*buffer.Buffer
	var wg sync.WaitGroup
	var mu sync.Mutex
	completions := 0
	for r := 1; r <= 3; r++ {
		tx, err := world.Context(r).NewTransport()
		if err != nil {
			t.Fatalf("NewTransport(%d): %v", r, err)
		}
		d := New(tx)
		recvDispatchers = append(recvDispatchers, d)
		buf := buffer.NewSize(alloc, 4)
		recvBufs = append(recvBufs, buf)
		wg.Add(1)
		go func(d *CallbackDispatcher, buf *buffer.Buffer) {
			defer wg.Done()
			if err := d.Recv(buf, 0, 42, func(transport.Message, transport.Address, transport.Tag) {
				mu.Lock()
				completions++
				mu.Unlock()
			}); err != nil {
				t.Errorf("Recv: %v", err)
			}
		}(d, buf)
	}
	wg.Wait()

	shared := message.New(alloc, 4, 4)
	copy(shared.Data(), []byte{9, 9, 9, 9})
	if shared.UseCount() != 1 {
		t.Fatalf("UseCount() before SendMulti = %d, want 1", shared.UseCount())
	}

	if err := sender.SendMulti(&shared, []transport.Address{1, 2, 3}, 42, func(transport.Message, transport.Address, transport.Tag) {}); err != nil {
		t.Fatalf("SendMulti: %v", err)
	}

	// Each send matched its peer's already-posted receive synchronously,
	// but the receiving dispatchers only discover the completion on
	// their own next Progress() sweep.
	for _, d := range recvDispatchers {
		d.Progress()
	}

	mu.Lock()
	got := completions
	mu.Unlock()
	if got != 3 {
		t.Fatalf("completions = %d, want 3", got)
	}
	if shared.UseCount() != 1 {
		t.Fatalf("UseCount() after SendMulti = %d, want 1 (clones released)", shared.UseCount())
	}
	for i, buf := range recvBufs {
		if string(buf.Data()) != "\x09\x09\x09\x09" {
			t.Fatalf("rank %d received %v, want [9 9 9 9]", i+1, buf.Data())
		}
	}
}

func TestDetachRemovesPendingRecordAndCancelSucceeds(t *testing.T) {
	tx0, _ := newLoopbackPair(t)
	d0 := New(tx0)

	send := buffer.NewSize(allocator.Heap{}, 4)
	if err := d0.Send(send, 1, 45, func(transport.Message, transport.Address, transport.Tag) {
		t.Fatal("callback must never fire after Detach + Cancel")
	}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	future, msg, ok := d0.Detach(1, 45)
	if !ok {
		t.Fatal("Detach() ok = false, want true")
	}
	if msg != send {
		t.Fatal("Detach() returned a different message than was posted")
	}
	if !future.Cancel() {
		t.Fatal("Cancel() = false, want true (operation was still in flight)")
	}

	if _, _, ok := d0.Detach(1, 45); ok {
		t.Fatal("second Detach() found a record that should already be gone")
	}
}

func TestAttachRejectsDuplicateRegistration(t *testing.T) {
	tx0, _ := newLoopbackPair(t)
	d0 := New(tx0)

	send := buffer.NewSize(allocator.Heap{}, 4)
	if err := d0.Send(send, 1, 11, func(transport.Message, transport.Address, transport.Tag) {}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	future, msg, ok := d0.Detach(1, 11)
	if !ok {
		t.Fatal("Detach() ok = false")
	}
	if err := d0.Attach(future, msg, 1, 11, func(transport.Message, transport.Address, transport.Tag) {}); err != nil {
		t.Fatalf("Attach() on a free slot: %v", err)
	}
	if err := d0.Attach(future, msg, 1, 11, func(transport.Message, transport.Address, transport.Tag) {}); err == nil {
		t.Fatal("second Attach() for the same (peer, tag) should fail")
	}
}

func TestCancelCallbacksCancelsEveryPendingRecord(t *testing.T) {
	tx0, _ := newLoopbackPair(t)
	d0 := New(tx0)

	for tag := transport.Tag(0); tag < 3; tag++ {
		send := buffer.NewSize(allocator.Heap{}, 4)
		if err := d0.Send(send, 1, tag, func(transport.Message, transport.Address, transport.Tag) {
			t.Fatal("a successfully cancelled record must not invoke its callback")
		}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	if !d0.CancelCallbacks() {
		t.Fatal("CancelCallbacks() = false, want true (nothing had completed yet)")
	}
	d0.Close() // must not panic: CancelCallbacks drained every record
}

func TestCloseWithPendingRecordsPanics(t *testing.T) {
	tx0, _ := newLoopbackPair(t)
	d0 := New(tx0)

	send := buffer.NewSize(allocator.Heap{}, 4)
	if err := d0.Send(send, 1, 99, func(transport.Message, transport.Address, transport.Tag) {}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("Close() with pending records should panic")
		}
	}()
	d0.Close()
}
