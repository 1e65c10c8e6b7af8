package kernel

import (
	"context"
	"testing"
	"time"
)

func mustPop(t *testing.T, k *Kernel, sessionID uint64, caps Capabilities, wait bool) (*Message, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok, err := k.Pop(ctx, sessionID, caps, wait)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	return msg, ok
}

// Scenario 1 (spec §8): basic pop.
func TestBasicPop(t *testing.T) {
	k := New(nil)
	id := k.Enqueue([]byte("a"), Low, nil)

	msg, ok := mustPop(t, k, 1, nil, false)
	if !ok {
		t.Fatal("expected a result")
	}
	if msg.ID != id || string(msg.Payload) != "a" {
		t.Fatalf("got %+v, want id=%s payload=a", msg, id)
	}

	if _, ok := mustPop(t, k, 1, nil, false); ok {
		t.Fatal("expected no result on second pop")
	}
}

// Scenario 2 (spec §8): priority ordering.
func TestPriorityOrdering(t *testing.T) {
	k := New(nil)
	k.Enqueue([]byte("lo"), Low, nil)
	k.Enqueue([]byte("hi"), High, nil)

	msg, ok := mustPop(t, k, 1, nil, false)
	if !ok || string(msg.Payload) != "hi" {
		t.Fatalf("expected hi first, got %+v", msg)
	}
	msg, ok = mustPop(t, k, 1, nil, false)
	if !ok || string(msg.Payload) != "lo" {
		t.Fatalf("expected lo second, got %+v", msg)
	}
}

// Scenario 3 (spec §8): capability routing.
func TestCapabilityRouting(t *testing.T) {
	k := New(nil)
	k.Enqueue([]byte("gpu-job"), High, NewCapabilities("gpu"))

	if _, ok := mustPop(t, k, 1, nil, false); ok {
		t.Fatal("expected no match without gpu capability")
	}
	msg, ok := mustPop(t, k, 1, NewCapabilities("gpu"), false)
	if !ok || string(msg.Payload) != "gpu-job" {
		t.Fatalf("expected gpu-job, got %+v", msg)
	}
}

// Scenario 4 (spec §8): blocking pop wakes on a matching enqueue.
func TestBlockingPopWakes(t *testing.T) {
	k := New(nil)

	type result struct {
		msg *Message
		ok  bool
	}
	resCh := make(chan result, 1)
	go func() {
		msg, ok, err := k.Pop(context.Background(), 1, NewCapabilities("x"), true)
		if err != nil {
			t.Error(err)
			return
		}
		resCh <- result{msg, ok}
	}()

	// Give the waiter time to register before enqueuing.
	time.Sleep(50 * time.Millisecond)
	k.Enqueue([]byte("p"), Low, NewCapabilities("x"))

	select {
	case res := <-resCh:
		if !res.ok || string(res.msg.Payload) != "p" {
			t.Fatalf("expected p, got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocking pop never woke")
	}

	if all := k.GetAll(); len(all) != 0 {
		t.Fatalf("expected no pending messages, got %+v", all)
	}
}

// Scenario 5 (spec §8): acknowledge is required before re-pop, and a
// duplicate acknowledge reports unknown_id.
func TestAckRequired(t *testing.T) {
	k := New(nil)
	id := k.Enqueue([]byte("x"), Low, nil)

	msg, ok := mustPop(t, k, 1, nil, false)
	if !ok || msg.ID != id {
		t.Fatalf("expected to pop %s, got %+v", id, msg)
	}

	if _, ok := mustPop(t, k, 2, nil, false); ok {
		t.Fatal("expected in-flight message to not be re-popped")
	}

	if err := k.Acknowledge(id); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if err := k.Acknowledge(id); err == nil {
		t.Fatal("expected duplicate acknowledge to fail")
	}
}

// Scenario 6 (spec §8): session drop requeues in-flight messages.
func TestSessionDropRequeues(t *testing.T) {
	k := New(nil)
	id := k.Enqueue([]byte("x"), Low, nil)

	msg, ok := mustPop(t, k, 1, nil, false)
	if !ok || msg.ID != id {
		t.Fatalf("expected to pop %s, got %+v", id, msg)
	}

	k.DropSession(1)

	msg, ok = mustPop(t, k, 2, nil, false)
	if !ok || msg.ID != id {
		t.Fatalf("expected requeued message %s, got %+v", id, msg)
	}
}

// P8: get_all orders HIGH before LOW, FIFO within each.
func TestGetAllOrdering(t *testing.T) {
	k := New(nil)
	k.Enqueue([]byte("lo1"), Low, nil)
	k.Enqueue([]byte("hi1"), High, nil)
	k.Enqueue([]byte("lo2"), Low, nil)
	k.Enqueue([]byte("hi2"), High, nil)

	all := k.GetAll()
	want := []string{"hi1", "hi2", "lo1", "lo2"}
	if len(all) != len(want) {
		t.Fatalf("expected %d pending, got %d", len(want), len(all))
	}
	for i, msg := range all {
		if string(msg.Payload) != want[i] {
			t.Fatalf("position %d: got %q want %q", i, msg.Payload, want[i])
		}
	}
}

// Subscribe must deliver at most one unacknowledged message at a time
// (spec P6) and resume after acknowledge.
func TestSubscribeBackpressure(t *testing.T) {
	k := New(nil)
	k.Enqueue([]byte("m1"), Low, nil)
	k.Enqueue([]byte("m2"), Low, nil)

	sub, err := k.Subscribe(1, nil, 2)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	d, ok, err := sub.Next(ctx)
	if err != nil || !ok || string(d.Payload) != "m1" {
		t.Fatalf("expected m1, got %+v ok=%v err=%v", d, ok, err)
	}

	// m2 is still pending; the subscriber shouldn't see it until it acks m1.
	shortCtx, shortCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer shortCancel()
	if _, ok, err := sub.Next(shortCtx); ok || err == nil {
		t.Fatalf("expected Next to block before ack, got ok=%v err=%v", ok, err)
	}

	if err := k.Acknowledge(d.ID); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}

	d, ok, err = sub.Next(ctx)
	if err != nil || !ok || string(d.Payload) != "m2" {
		t.Fatalf("expected m2, got %+v ok=%v err=%v", d, ok, err)
	}

	if err := k.Acknowledge(d.ID); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}

	// remaining exhausted: stream should end.
	if _, ok, err := sub.Next(ctx); ok || err != nil {
		t.Fatalf("expected stream to end cleanly, got ok=%v err=%v", ok, err)
	}
}

// I3: a message never sits pending while a compatible waiter is
// registered, so enqueue dispatches at once. Enqueueing LOW then HIGH
// against one blocked waiter delivers LOW (the first enqueue) and leaves
// HIGH pending; priority only orders messages that are pending together.
func TestEnqueueDispatchesImmediatelyToWaiter(t *testing.T) {
	k := New(nil)

	resCh := make(chan *Message, 1)
	go func() {
		msg, _, _ := k.Pop(context.Background(), 1, nil, true)
		resCh <- msg
	}()
	time.Sleep(50 * time.Millisecond)

	k.Enqueue([]byte("lo"), Low, nil)
	k.Enqueue([]byte("hi"), High, nil)

	select {
	case msg := <-resCh:
		if string(msg.Payload) != "lo" {
			t.Fatalf("expected the already-waiting pop to receive the first enqueue (lo), got %q", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pop never woke")
	}

	// hi should remain pending since the only waiter was already consumed.
	all := k.GetAll()
	if len(all) != 1 || string(all[0].Payload) != "hi" {
		t.Fatalf("expected hi to remain pending, got %+v", all)
	}
}

func TestCapabilitiesSubset(t *testing.T) {
	empty := NewCapabilities()
	gpu := NewCapabilities("gpu")
	gpuAvx := NewCapabilities("gpu", "avx512")

	if !empty.Subset(gpu) {
		t.Error("empty set should be a subset of anything")
	}
	if !gpu.Subset(gpuAvx) {
		t.Error("gpu should be a subset of gpu+avx512")
	}
	if gpuAvx.Subset(gpu) {
		t.Error("gpu+avx512 should not be a subset of gpu")
	}
}

func TestAcknowledgeUnknownID(t *testing.T) {
	k := New(nil)
	if err := k.Acknowledge("does-not-exist"); err != ErrUnknownID {
		t.Fatalf("expected ErrUnknownID, got %v", err)
	}
}
