package bus

import (
	"context"
	"testing"
	"time"

	"github.com/guibros/companion-bridge/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatal(err)
	}
	b := NewMemoryEventBus(log)
	t.Cleanup(b.Close)
	return b
}

func waitEvent(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	b := newTestBus(t)
	got := make(chan *Event, 1)

	_, err := b.Subscribe(SubjectSessionCreated, func(ctx context.Context, e *Event) error {
		got <- e
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	event := NewEvent(SubjectSessionCreated, map[string]interface{}{"session_key": "default"})
	if err := b.Publish(context.Background(), SubjectSessionCreated, event); err != nil {
		t.Fatal(err)
	}

	e := waitEvent(t, got)
	if e.Data["session_key"] != "default" {
		t.Errorf("data = %v", e.Data)
	}
	if e.Source != "companion-bridge" {
		t.Errorf("source = %q", e.Source)
	}
	if e.ID == "" {
		t.Error("event id should be set")
	}
}

func TestMemoryBus_Wildcards(t *testing.T) {
	b := newTestBus(t)
	star := make(chan *Event, 4)
	deep := make(chan *Event, 4)

	if _, err := b.Subscribe("bridge.session.*", func(ctx context.Context, e *Event) error {
		star <- e
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe("bridge.>", func(ctx context.Context, e *Event) error {
		deep <- e
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	_ = b.Publish(ctx, SubjectSessionCreated, NewEvent(SubjectSessionCreated, nil))
	_ = b.Publish(ctx, SubjectContextWarning, NewEvent(SubjectContextWarning, nil))

	if e := waitEvent(t, star); e.Type != SubjectSessionCreated {
		t.Errorf("star subscriber got %q", e.Type)
	}
	select {
	case e := <-star:
		t.Errorf("bridge.session.* must not match %q", e.Type)
	case <-time.After(100 * time.Millisecond):
	}

	types := map[string]bool{}
	types[waitEvent(t, deep).Type] = true
	types[waitEvent(t, deep).Type] = true
	if !types[SubjectSessionCreated] || !types[SubjectContextWarning] {
		t.Errorf("bridge.> should see both events, got %v", types)
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	b := newTestBus(t)
	got := make(chan *Event, 1)

	sub, err := b.Subscribe(SubjectRequestCompleted, func(ctx context.Context, e *Event) error {
		got <- e
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !sub.IsValid() {
		t.Error("fresh subscription should be valid")
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatal(err)
	}
	if sub.IsValid() {
		t.Error("unsubscribed subscription should be invalid")
	}

	_ = b.Publish(context.Background(), SubjectRequestCompleted, NewEvent(SubjectRequestCompleted, nil))
	select {
	case <-got:
		t.Error("unsubscribed handler must not fire")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBus_Closed(t *testing.T) {
	b := newTestBus(t)
	b.Close()

	if b.IsConnected() {
		t.Error("closed bus should not report connected")
	}
	if err := b.Publish(context.Background(), SubjectSessionCreated, NewEvent(SubjectSessionCreated, nil)); err == nil {
		t.Error("publish on a closed bus should fail")
	}
	if _, err := b.Subscribe(SubjectSessionCreated, nil); err == nil {
		t.Error("subscribe on a closed bus should fail")
	}
}
