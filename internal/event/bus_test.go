package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	b := NewBus(cfg, zap.NewNop())
	t.Cleanup(func() { b.Close() })
	return b
}

func textEvent(t *testing.T, text string) Event {
	t.Helper()
	e, err := New(KindTextInput, "", TextInput{Text: text})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	return e
}

func TestNewRejectsMismatchedPayload(t *testing.T) {
	if _, err := New(KindReply, "", TextInput{Text: "hi"}); err == nil {
		t.Fatal("expected error for mismatched payload")
	}
	e, err := New(KindReply, "", Reply{Text: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.CorrelationID != e.ID {
		t.Errorf("root event should start its own chain, got %q vs %q", e.CorrelationID, e.ID)
	}
}

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	b := newTestBus(t, Config{})
	texts := b.Subscribe("texts", Kinds(KindTextInput))
	replies := b.Subscribe("replies", Kinds(KindReply))

	if err := b.Publish(textEvent(t, "hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, ok := texts.Next(ctx)
	if !ok {
		t.Fatal("text subscriber got nothing")
	}
	if got.Payload.(TextInput).Text != "hello" {
		t.Errorf("got %+v", got.Payload)
	}

	short, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	if _, ok := replies.Next(short); ok {
		t.Error("reply subscriber should not receive input.text")
	}
}

func TestPerProducerOrdering(t *testing.T) {
	b := newTestBus(t, Config{QueueSize: 1000})
	sub := b.Subscribe("ordered", All())

	for i := 0; i < 100; i++ {
		b.Publish(textEvent(t, fmt.Sprint(i)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	i := 0
	for e := range sub.Events(ctx) {
		if want := fmt.Sprint(i); e.Payload.(TextInput).Text != want {
			t.Fatalf("event %d out of order: got %q", i, e.Payload.(TextInput).Text)
		}
		i++
		if i == 100 {
			break
		}
	}
	if i != 100 {
		t.Fatalf("received %d events, want 100", i)
	}
}

func TestEventsIsRestartable(t *testing.T) {
	b := newTestBus(t, Config{})
	sub := b.Subscribe("restart", All())
	for _, s := range []string{"a", "b", "c"} {
		b.Publish(textEvent(t, s))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for e := range sub.Events(ctx) {
		if e.Payload.(TextInput).Text != "a" {
			t.Fatalf("first range got %q", e.Payload.(TextInput).Text)
		}
		break
	}
	var rest []string
	for e := range sub.Events(ctx) {
		rest = append(rest, e.Payload.(TextInput).Text)
		if len(rest) == 2 {
			break
		}
	}
	if len(rest) != 2 || rest[0] != "b" || rest[1] != "c" {
		t.Errorf("second range got %v, want [b c]", rest)
	}
}

func TestDropOldestNeverBlocksProducer(t *testing.T) {
	b := newTestBus(t, Config{QueueSize: 2, Overflow: DropOldest})
	sub := b.Subscribe("slow", All())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(textEvent(t, fmt.Sprint(i)))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("producer blocked on a slow subscriber")
	}

	if sub.Dropped() != 8 {
		t.Errorf("dropped %d, want 8", sub.Dropped())
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e, _ := sub.Next(ctx)
	if e.Payload.(TextInput).Text != "8" {
		t.Errorf("oldest retained event is %q, want 8", e.Payload.(TextInput).Text)
	}
}

func TestBlockPolicyWaitsForRoom(t *testing.T) {
	b := newTestBus(t, Config{QueueSize: 1, Overflow: BlockProducer})
	sub := b.Subscribe("blocking", All())

	b.Publish(textEvent(t, "first"))
	published := make(chan struct{})
	go func() {
		b.Publish(textEvent(t, "second"))
		close(published)
	}()

	select {
	case <-published:
		t.Fatal("producer should wait while the queue is full")
	case <-time.After(50 * time.Millisecond):
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sub.Next(ctx)
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("producer not released after consumer made room")
	}
	e, _ := sub.Next(ctx)
	if e.Payload.(TextInput).Text != "second" {
		t.Errorf("got %q", e.Payload.(TextInput).Text)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := newTestBus(t, Config{})
	sub := b.Subscribe("once", All())
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	if b.Subscribers() != 0 {
		t.Errorf("got %d subscribers, want 0", b.Subscribers())
	}
	if _, ok := sub.Next(context.Background()); ok {
		t.Error("closed subscription yielded an event")
	}
	b.Publish(textEvent(t, "after"))
}

func TestSubscriberErrorIsIsolated(t *testing.T) {
	b := newTestBus(t, Config{})
	errs := b.Subscribe("errors", Kinds(KindSubscriberError))

	var mu sync.Mutex
	var healthy []string
	b.SubscribeFunc("broken", Kinds(KindTextInput), func(ctx context.Context, e Event) error {
		return errors.New("boom")
	})
	b.SubscribeFunc("panicky", Kinds(KindTextInput), func(ctx context.Context, e Event) error {
		panic("kaboom")
	})
	got := make(chan struct{}, 1)
	b.SubscribeFunc("healthy", Kinds(KindTextInput), func(ctx context.Context, e Event) error {
		mu.Lock()
		healthy = append(healthy, e.Payload.(TextInput).Text)
		mu.Unlock()
		got <- struct{}{}
		return nil
	})

	in := textEvent(t, "ping")
	if err := b.Publish(in); err != nil {
		t.Fatalf("publisher saw subscriber failure: %v", err)
	}
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("healthy subscriber starved")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	seen := map[string]bool{}
	for e := range errs.Events(ctx) {
		p := e.Payload.(SubscriberError)
		if p.EventID != in.ID {
			t.Errorf("report references %q, want %q", p.EventID, in.ID)
		}
		seen[p.Subscriber] = true
		if len(seen) == 2 {
			break
		}
	}
	if !seen["broken"] || !seen["panicky"] {
		t.Errorf("missing error reports: %v", seen)
	}
}

func TestPublishAfterClose(t *testing.T) {
	b := NewBus(Config{}, zap.NewNop())
	b.Close()
	if err := b.Publish(textEvent(t, "late")); !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}
}

func TestCodecRoundTripKeepsVariant(t *testing.T) {
	in := Must(KindDegraded, "chain-1", Degraded{Component: "capability:inference", Reason: "no backend"})
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	p, ok := out.Payload.(Degraded)
	if !ok {
		t.Fatalf("payload decoded as %T", out.Payload)
	}
	if p.Component != "capability:inference" || out.CorrelationID != "chain-1" {
		t.Errorf("got %+v / %q", p, out.CorrelationID)
	}
	if _, err := Unmarshal([]byte(`{"kind":"bogus"}`)); err == nil {
		t.Error("expected error for unknown kind")
	}
}
