package contextstore

import (
	"testing"
	"time"
)

func TestSetGet(t *testing.T) {
	m := NewMemory()

	m.Set("k", "v", 0)

	got, ok := m.Get("k")
	if !ok || got != "v" {
		t.Errorf("Get(k) = (%v, %v), want (v, true)", got, ok)
	}

	if _, ok := m.Get("missing"); ok {
		t.Error("expected absent key")
	}
}

func TestTTLExpiry(t *testing.T) {
	m := NewMemory()

	m.Set("k", "v", 10*time.Millisecond)

	if _, ok := m.Get("k"); !ok {
		t.Fatal("value should be present before expiry")
	}

	time.Sleep(20 * time.Millisecond)

	if _, ok := m.Get("k"); ok {
		t.Error("value should have expired")
	}
}

func TestIncrement(t *testing.T) {
	m := NewMemory()

	if got := m.Increment("n", 1); got != 1 {
		t.Errorf("first increment = %d, want 1", got)
	}
	if got := m.Increment("n", 4); got != 5 {
		t.Errorf("second increment = %d, want 5", got)
	}
	if got := m.Increment("n", -2); got != 3 {
		t.Errorf("negative delta = %d, want 3", got)
	}
}

func TestAppendList(t *testing.T) {
	m := NewMemory()

	m.Append("l", "a")
	m.Append("l", "b", "c")

	got := m.List("l")
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("List(l) = %v", got)
	}

	// List returns a copy.
	got[0] = "mutated"
	if m.List("l")[0] != "a" {
		t.Error("List must return a copy")
	}
}

func TestPublishSubscribe(t *testing.T) {
	m := NewMemory()

	sub := m.Subscribe("events", 4)
	m.Publish("events", "hello")

	select {
	case msg := <-sub:
		if msg != "hello" {
			t.Errorf("got %v, want hello", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	m := NewMemory()

	m.Subscribe("events", 1)

	done := make(chan struct{})
	go func() {
		m.Publish("events", 1)
		m.Publish("events", 2)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full subscriber")
	}
}
