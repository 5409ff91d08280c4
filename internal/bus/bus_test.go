package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newRunningBus(t *testing.T, opts ...Option) Bus {
	t.Helper()
	b := NewBus(opts...)
	if err := b.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		b.Stop(ctx)
	})
	return b
}

func TestBus_StartStop(t *testing.T) {
	b := NewBus()

	if err := b.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := b.Start(); !errors.Is(err, ErrBusAlreadyRunning) {
		t.Errorf("second Start() = %v, want ErrBusAlreadyRunning", err)
	}

	ctx := context.Background()
	if err := b.Stop(ctx); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if err := b.Stop(ctx); !errors.Is(err, ErrBusNotRunning) {
		t.Errorf("second Stop() = %v, want ErrBusNotRunning", err)
	}
}

func TestBus_PublishDeliversToMatchingSubscribers(t *testing.T) {
	b := newRunningBus(t)

	var exact, wildcard, other atomic.Int32
	done := make(chan struct{}, 2)

	b.Subscribe("recognizer_loop.utterance", func(ctx context.Context, msg *Message) error {
		exact.Add(1)
		done <- struct{}{}
		return nil
	})
	b.Subscribe("recognizer_loop.*", func(ctx context.Context, msg *Message) error {
		wildcard.Add(1)
		done <- struct{}{}
		return nil
	})
	b.Subscribe("speak", func(ctx context.Context, msg *Message) error {
		other.Add(1)
		return nil
	})

	if err := b.Publish(New("recognizer_loop.utterance", map[string]any{"utterances": []string{"hello"}})); err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}

	if exact.Load() != 1 || wildcard.Load() != 1 {
		t.Errorf("exact=%d wildcard=%d, want 1 and 1", exact.Load(), wildcard.Load())
	}
	if other.Load() != 0 {
		t.Errorf("non-matching subscriber invoked %d times", other.Load())
	}
}

func TestBus_NoRetroactiveDelivery(t *testing.T) {
	b := newRunningBus(t)

	if err := b.Publish(New("speak", map[string]any{"utterance": "hi"})); err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}

	var count atomic.Int32
	b.Subscribe("speak", func(ctx context.Context, msg *Message) error {
		count.Add(1)
		return nil
	})

	time.Sleep(100 * time.Millisecond)
	if count.Load() != 0 {
		t.Errorf("subscription added after publish received %d messages, want 0", count.Load())
	}
}

func TestBus_PerSubscriberOrdering(t *testing.T) {
	b := newRunningBus(t)

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	b.Subscribe("enclosure.eyes.level", func(ctx context.Context, msg *Message) error {
		mu.Lock()
		got = append(got, msg.Data["level"].(int))
		if len(got) == 50 {
			close(done)
		}
		mu.Unlock()
		return nil
	})

	for i := 0; i < 50; i++ {
		b.Publish(New("enclosure.eyes.level", map[string]any{"level": i}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("out of order at %d: got %d", i, v)
		}
	}
}

func TestBus_SlowHandlerDoesNotStallOthers(t *testing.T) {
	b := newRunningBus(t)

	release := make(chan struct{})
	fastDone := make(chan struct{}, 1)

	b.Subscribe("speak", func(ctx context.Context, msg *Message) error {
		<-release
		return nil
	})
	b.Subscribe("speak", func(ctx context.Context, msg *Message) error {
		fastDone <- struct{}{}
		return nil
	})

	b.Publish(New("speak", map[string]any{"utterance": "hello"}))

	select {
	case <-fastDone:
	case <-time.After(time.Second):
		t.Fatal("fast subscriber stalled behind blocking subscriber")
	}
	close(release)
}

func TestBus_Unsubscribe(t *testing.T) {
	b := newRunningBus(t)

	var count atomic.Int32
	sub, err := b.Subscribe("speak", func(ctx context.Context, msg *Message) error {
		count.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	if err := b.Unsubscribe(sub); err != nil {
		t.Fatalf("Unsubscribe() failed: %v", err)
	}
	if err := b.Unsubscribe(sub); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("second Unsubscribe() = %v, want ErrSubscriptionNotFound", err)
	}

	b.Publish(New("speak", nil))
	time.Sleep(100 * time.Millisecond)
	if count.Load() != 0 {
		t.Errorf("unsubscribed handler invoked %d times", count.Load())
	}
}

func TestBus_UnsubscribeOwner(t *testing.T) {
	b := newRunningBus(t)

	var skill, other atomic.Int32
	b.Subscribe("speak", func(ctx context.Context, msg *Message) error {
		skill.Add(1)
		return nil
	}, WithOwner("weather-skill"))
	b.Subscribe("mycroft.stop", func(ctx context.Context, msg *Message) error {
		skill.Add(1)
		return nil
	}, WithOwner("weather-skill"))
	b.Subscribe("speak", func(ctx context.Context, msg *Message) error {
		other.Add(1)
		return nil
	}, WithOwner("timer-skill"))

	if n := b.UnsubscribeOwner("weather-skill"); n != 2 {
		t.Errorf("UnsubscribeOwner removed %d subscriptions, want 2", n)
	}

	b.Publish(New("speak", nil))
	b.Publish(New("mycroft.stop", nil))
	time.Sleep(100 * time.Millisecond)

	if skill.Load() != 0 {
		t.Errorf("torn-down owner's handlers invoked %d times", skill.Load())
	}
	if other.Load() != 1 {
		t.Errorf("surviving owner's handler invoked %d times, want 1", other.Load())
	}
}

func TestBus_SubscribeOnce(t *testing.T) {
	b := newRunningBus(t)

	var count atomic.Int32
	b.Subscribe("speak", func(ctx context.Context, msg *Message) error {
		count.Add(1)
		return nil
	}, WithOnce())

	b.Publish(New("speak", nil))
	b.Publish(New("speak", nil))
	time.Sleep(200 * time.Millisecond)

	if count.Load() != 1 {
		t.Errorf("once subscription invoked %d times, want 1", count.Load())
	}
}

func TestBus_RequestResponse(t *testing.T) {
	b := newRunningBus(t)

	b.Subscribe("skill.settings.get", func(ctx context.Context, msg *Message) error {
		return b.Publish(msg.Response(map[string]any{"value": 42}))
	})

	resp, err := b.Request(context.Background(), New("skill.settings.get", map[string]any{"key": "unit"}))
	if err != nil {
		t.Fatalf("Request() failed: %v", err)
	}
	if resp.Type != "skill.settings.get.response" {
		t.Errorf("response type = %q", resp.Type)
	}
	if v, ok := resp.Data["value"].(int); !ok || v != 42 {
		t.Errorf("response value = %v", resp.Data["value"])
	}
}

func TestBus_RequestTimeout(t *testing.T) {
	b := newRunningBus(t, WithRequestTimeout(100*time.Millisecond))

	start := time.Now()
	_, err := b.Request(context.Background(), New("skill.settings.get", nil))
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("Request() = %v, want ErrRequestTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Request took %v, want ~100ms", elapsed)
	}
}

func TestBus_LateResponseDropped(t *testing.T) {
	b := newRunningBus(t, WithRequestTimeout(50*time.Millisecond))

	var ident atomic.Value
	b.Subscribe("skill.settings.get", func(ctx context.Context, msg *Message) error {
		ident.Store(msg.Ident())
		return nil // no timely response
	})

	_, err := b.Request(context.Background(), New("skill.settings.get", nil))
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("Request() = %v, want ErrRequestTimeout", err)
	}

	// The original caller is gone; a late response must not be delivered
	// to it. Publishing it must also not error.
	late := New("skill.settings.get.response", nil).WithIdent(ident.Load().(string))
	if err := b.Publish(late); err != nil {
		t.Fatalf("late Publish() failed: %v", err)
	}
}

func TestBus_RequestExactlyOneResponse(t *testing.T) {
	b := newRunningBus(t)

	// Two responders race; exactly one response must win.
	responder := func(ctx context.Context, msg *Message) error {
		return b.Publish(msg.Response(map[string]any{"from": "responder"}))
	}
	b.Subscribe("skill.settings.get", responder)
	b.Subscribe("skill.settings.get", responder)

	resp, err := b.Request(context.Background(), New("skill.settings.get", nil))
	if err != nil {
		t.Fatalf("Request() failed: %v", err)
	}
	if resp == nil {
		t.Fatal("nil response")
	}
}

func TestBus_HandlerPanicContained(t *testing.T) {
	var panics atomic.Int32
	b := newRunningBus(t, WithPanicHandler(func(msg any, panicValue any, stack []byte) {
		panics.Add(1)
	}))

	done := make(chan struct{}, 1)
	b.Subscribe("speak", func(ctx context.Context, msg *Message) error {
		panic("skill handler exploded")
	})
	b.Subscribe("speak", func(ctx context.Context, msg *Message) error {
		done <- struct{}{}
		return nil
	})

	b.Publish(New("speak", nil))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("panic in one handler stalled another subscriber")
	}

	time.Sleep(50 * time.Millisecond)
	if panics.Load() != 1 {
		t.Errorf("panic handler invoked %d times, want 1", panics.Load())
	}
	if got := b.Stats().HandlerPanics; got != 1 {
		t.Errorf("Stats().HandlerPanics = %d, want 1", got)
	}
}

func TestBus_PublishValidation(t *testing.T) {
	b := newRunningBus(t)

	if err := b.Publish(nil); !errors.Is(err, ErrInvalidType) {
		t.Errorf("Publish(nil) = %v, want ErrInvalidType", err)
	}
	if err := b.Publish(New("", nil)); !errors.Is(err, ErrInvalidType) {
		t.Errorf("Publish(empty type) = %v, want ErrInvalidType", err)
	}
	if _, err := b.Subscribe("speak", nil); !errors.Is(err, ErrNilHandler) {
		t.Errorf("Subscribe(nil handler) = %v, want ErrNilHandler", err)
	}
}

func TestMessage_ReplyCarriesIdentAndDestination(t *testing.T) {
	req := New("skill.settings.get", map[string]any{"key": "unit"})
	req.Context[CtxSource] = "cli"
	ident := req.EnsureIdent()

	resp := req.Response(map[string]any{"value": "celsius"})
	if resp.Ident() != ident {
		t.Errorf("response ident = %q, want %q", resp.Ident(), ident)
	}
	if resp.Destination() != "cli" {
		t.Errorf("response destination = %q, want cli", resp.Destination())
	}
	if resp.Type != "skill.settings.get.response" {
		t.Errorf("response type = %q", resp.Type)
	}
}

func TestMessage_SerializeRoundTrip(t *testing.T) {
	m := New("recognizer_loop.utterance", map[string]any{
		"utterances": []any{"what is the weather"},
		"lang":       "en-us",
	})
	m.Context[CtxSource] = "voice"

	raw, err := m.Serialize()
	if err != nil {
		t.Fatalf("Serialize() failed: %v", err)
	}

	got, err := Deserialize(raw)
	if err != nil {
		t.Fatalf("Deserialize() failed: %v", err)
	}
	if got.Type != m.Type {
		t.Errorf("type = %q, want %q", got.Type, m.Type)
	}
	if got.Source() != "voice" {
		t.Errorf("source = %q, want voice", got.Source())
	}
	if got.Data["lang"] != "en-us" {
		t.Errorf("lang = %v", got.Data["lang"])
	}
}

func TestDeserialize_Malformed(t *testing.T) {
	tests := []string{
		"not json",
		`{"data":{}}`,
		`{"type":""}`,
		`{"type":"a..b"}`,
	}

	for _, raw := range tests {
		if _, err := Deserialize([]byte(raw)); !errors.Is(err, ErrMalformedMessage) {
			t.Errorf("Deserialize(%q) = %v, want ErrMalformedMessage", raw, err)
		}
	}
}
