package pubsub

import (
	"fmt"
	"testing"
)

func TestPublishMatchesGlobPattern(t *testing.T) {
	r := New()
	sub, err := r.Subscribe("service.*.out")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	r.Publish("service.bc.out", "line1")
	r.Publish("service.bc.err", "should not match")
	r.Publish("service.other.out", "line2")

	m, ok := sub.Next()
	if !ok || m.Text != "line1" {
		t.Fatalf("got %+v, %v; want line1", m, ok)
	}
	m, ok = sub.Next()
	if !ok || m.Text != "line2" {
		t.Fatalf("got %+v, %v; want line2", m, ok)
	}
}

func TestUnsubscribeTerminatesStream(t *testing.T) {
	r := New()
	sub, err := r.Subscribe("*")
	if err != nil {
		t.Fatal(err)
	}
	r.Unsubscribe(sub.ID)
	if _, ok := sub.Next(); ok {
		t.Fatal("expected Next to report closed after Unsubscribe")
	}
}

func TestOverflowHalvesOnlyOffendingSubscriber(t *testing.T) {
	r := New()
	slow, err := r.Subscribe("svc.*")
	if err != nil {
		t.Fatal(err)
	}
	defer slow.Unsubscribe()
	slow.maxLen = 10 // small bound so the test doesn't publish thousands of lines

	fast, err := r.Subscribe("svc.*")
	if err != nil {
		t.Fatal(err)
	}
	defer fast.Unsubscribe()

	for i := 0; i < 20; i++ {
		r.Publish("svc.x", fmt.Sprintf("msg%d", i))
	}

	// The slow subscriber's queue was halved at least once and never grew
	// past its bound.
	slow.mu.Lock()
	n := len(slow.buf)
	slow.mu.Unlock()
	if n > slow.maxLen {
		t.Fatalf("slow queue length %d exceeds bound %d", n, slow.maxLen)
	}

	// Drain and count: the fast subscriber, unaffected by slow's overflow,
	// must have received every message.
	got := 0
	for {
		if _, ok := fast.Next(); !ok {
			break
		}
		got++
		if got == 20 {
			break
		}
	}
	if got != 20 {
		t.Fatalf("fast subscriber received %d messages, want 20", got)
	}
}

func TestQueueInfo(t *testing.T) {
	r := New()
	sub, err := r.Subscribe("a.b")
	if err != nil {
		t.Fatal(err)
	}
	pattern, got, ok := r.QueueInfo(sub.ID)
	if !ok || pattern != "a.b" || got != sub {
		t.Fatalf("QueueInfo mismatch: pattern=%q ok=%v", pattern, ok)
	}
	r.Unsubscribe(sub.ID)
	if _, _, ok := r.QueueInfo(sub.ID); ok {
		t.Fatal("expected QueueInfo to report gone after Unsubscribe")
	}
}

func TestCloseAllTerminatesEverySubscription(t *testing.T) {
	r := New()
	a, _ := r.Subscribe("*")
	b, _ := r.Subscribe("*")
	r.CloseAll()
	if _, ok := a.Next(); ok {
		t.Fatal("expected a's stream closed")
	}
	if _, ok := b.Next(); ok {
		t.Fatal("expected b's stream closed")
	}
}
