package local

import (
	"errors"
	"sync"
	"testing"

	"github.com/ghex-go/ghex/allocator"
	"github.com/ghex-go/ghex/buffer"
	"github.com/ghex-go/ghex/transport"
)

func TestCommunicatorBarrierAndBroadcast(t *testing.T) {
	world := NewWorld(3)
	var wg sync.WaitGroup
	results := make([]any, 3)

	for r := 0; r < 3; r++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			c := world.Communicator(rank)
			if err := c.Barrier(); err != nil {
				t.Errorf("rank %d Barrier() error: %v", rank, err)
			}
			v, err := c.Broadcast(rank*100, 1)
			if err != nil {
				t.Errorf("rank %d Broadcast() error: %v", rank, err)
			}
			results[rank] = v
		}(r)
	}
	wg.Wait()

	for r, v := range results {
		if v != 100 {
			t.Errorf("rank %d saw broadcast value %v, want 100 (root's value)", r, v)
		}
	}
}

func TestCommunicatorAllGather(t *testing.T) {
	world := NewWorld(4)
	var wg sync.WaitGroup
	gathered := make([][]any, 4)

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			c := world.Communicator(rank)
			vs, err := c.AllGather(rank)
			if err != nil {
				t.Errorf("rank %d AllGather() error: %v", rank, err)
			}
			gathered[rank] = vs
		}(r)
	}
	wg.Wait()

	for r, vs := range gathered {
		for i, v := range vs {
			if v != i {
				t.Errorf("rank %d's gather result[%d] = %v, want %d", r, i, v, i)
			}
		}
	}
}

func TestCommunicatorSendRecv(t *testing.T) {
	world := NewWorld(2)
	var wg sync.WaitGroup
	wg.Add(2)

	var received any
	go func() {
		defer wg.Done()
		world.Communicator(0).Send("hello", 1)
	}()
	go func() {
		defer wg.Done()
		v, err := world.Communicator(1).Recv(0)
		if err != nil {
			t.Errorf("Recv() error: %v", err)
		}
		received = v
	}()
	wg.Wait()

	if received != "hello" {
		t.Fatalf("received %v, want \"hello\"", received)
	}
}

func TestTransportSendBeforeRecv(t *testing.T) {
	world := NewWorld(2)
	tx0, _ := world.Context(0).NewTransport()
	tx1, _ := world.Context(1).NewTransport()

	send := buffer.NewSize(allocator.Heap{}, 4)
	copy(send.Data(), []byte{1, 2, 3, 4})

	sf, err := tx0.Send(send, 1, 7)
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if sf.Ready() {
		t.Fatal("send posted with no matching recv should not be ready yet")
	}

	recv := buffer.NewSize(allocator.Heap{}, 4)
	rf, err := tx1.Recv(recv, 0, 7)
	if err != nil {
		t.Fatalf("Recv() error: %v", err)
	}
	if err := rf.Wait(); err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if err := sf.Wait(); err != nil {
		t.Fatalf("send Wait() error: %v", err)
	}
	if got := recv.Data(); got[0] != 1 || got[3] != 4 {
		t.Fatalf("recv.Data() = %v, want [1 2 3 4]", got)
	}
}

func TestTransportRecvBeforeSend(t *testing.T) {
	world := NewWorld(2)
	tx0, _ := world.Context(0).NewTransport()
	tx1, _ := world.Context(1).NewTransport()

	recv := buffer.NewSize(allocator.Heap{}, 4)
	rf, err := tx1.Recv(recv, 0, 9)
	if err != nil {
		t.Fatalf("Recv() error: %v", err)
	}
	if rf.Ready() {
		t.Fatal("recv posted with no matching send should not be ready yet")
	}

	send := buffer.NewSize(allocator.Heap{}, 4)
	copy(send.Data(), []byte{9, 9, 9, 9})
	sf, err := tx0.Send(send, 1, 9)
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if !sf.Ready() {
		t.Fatal("send matching an already-posted recv should complete synchronously")
	}
	if err := rf.Wait(); err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if recv.Data()[0] != 9 {
		t.Fatalf("recv.Data()[0] = %d, want 9", recv.Data()[0])
	}
}

func TestTransportTruncatedRecv(t *testing.T) {
	world := NewWorld(2)
	tx0, _ := world.Context(0).NewTransport()
	tx1, _ := world.Context(1).NewTransport()

	send := buffer.NewSize(allocator.Heap{}, 8)
	recv := buffer.NewSize(allocator.Heap{}, 4)

	sf, _ := tx0.Send(send, 1, 1)
	rf, _ := tx1.Recv(recv, 0, 1)

	if err := rf.Wait(); err == nil {
		t.Fatal("expected a truncation error")
	} else if !errors.Is(err, transport.ErrTruncated) {
		t.Fatalf("Wait() error = %v, want wrapped transport.ErrTruncated", err)
	}
	if err := sf.Wait(); err != nil {
		t.Fatalf("send Wait() error: %v", err)
	}
}

func TestTransportCancelUnmatchedSend(t *testing.T) {
	world := NewWorld(2)
	tx0, _ := world.Context(0).NewTransport()

	send := buffer.NewSize(allocator.Heap{}, 4)
	sf, err := tx0.Send(send, 1, 84)
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if !sf.Cancel() {
		t.Fatal("Cancel() on an unmatched send should return true")
	}
	if sf.Cancel() {
		t.Fatal("Cancel() called twice should return false the second time")
	}
}

func TestTransportProgressReflectsOutstanding(t *testing.T) {
	world := NewWorld(2)
	tx0, _ := world.Context(0).NewTransport()

	if tx0.Progress() {
		t.Fatal("Progress() should be false with no posted operations")
	}
	send := buffer.NewSize(allocator.Heap{}, 4)
	sf, _ := tx0.Send(send, 1, 1)
	if !tx0.Progress() {
		t.Fatal("Progress() should be true while a send is unmatched")
	}
	sf.Cancel()
	if tx0.Progress() {
		t.Fatal("Progress() should be false after the only op is cancelled")
	}
}


func TestProgressUnexpectedDeliversUnmatchedSend(t *testing.T) {
	world := NewWorld(2)
	tx0, _ := world.Context(0).NewTransport()
	tx1, _ := world.Context(1).NewTransport()

	send := buffer.NewSize(allocator.Heap{}, 4)
	copy(send.Data(), []byte{5, 6, 7, 8})
	sf, err := tx0.Send(send, 1, 99)
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	var gotSrc transport.Address
	var gotTag transport.Tag
	var gotData []byte
	fired := 0
	tx1.(*Transport).ProgressUnexpected(func(src transport.Address, tag transport.Tag, msg transport.Message) {
		fired++
		gotSrc, gotTag = src, tag
		gotData = append([]byte(nil), msg.Data()...)
	})

	if fired != 1 {
		t.Fatalf("unexpected callback fired %d times, want 1", fired)
	}
	if gotSrc != 0 || gotTag != 99 {
		t.Fatalf("unexpected callback got (src %v, tag %d), want (0, 99)", gotSrc, gotTag)
	}
	if string(gotData) != "\x05\x06\x07\x08" {
		t.Fatalf("unexpected callback got payload %v", gotData)
	}
	if !sf.Ready() {
		t.Fatal("sender's future should be ready once the probe consumed its message")
	}

	// A second probe finds nothing and leaves the callback untouched.
	tx1.(*Transport).ProgressUnexpected(func(transport.Address, transport.Tag, transport.Message) {
		t.Fatal("no unexpected message should remain")
	})
}
