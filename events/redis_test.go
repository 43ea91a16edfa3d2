package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benediktbwimmer/apphub-sub006/cmn"
	"github.com/benediktbwimmer/apphub-sub006/events"
	"github.com/redis/go-redis/v9"
)

func TestRedisBusRelaysAcrossProcesses(t *testing.T) {
	// Two RedisBus instances sharing one miniredis backend, modeling two
	// separate filestored processes.
	shared, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start shared miniredis: %v", err)
	}
	defer shared.Close()

	clientA := redis.NewClient(&redis.Options{Addr: shared.Addr()})
	clientB := redis.NewClient(&redis.Options{Addr: shared.Addr()})
	defer clientA.Close()
	defer clientB.Close()

	busA := events.NewBus()
	busB := events.NewBus()
	rbA := events.NewRedisBus(busA, events.RedisBusOptions{Client: clientA, Channel: "filestore.events"})
	rbB := events.NewRedisBus(busB, events.RedisBusOptions{Client: clientB, Channel: "filestore.events"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rbB.Start(ctx)
	defer rbB.Stop()

	received := make(chan cmn.Event, 1)
	busB.Subscribe(events.Filter{}, func(evt cmn.Event) { received <- evt })

	evt := nodeEvent(cmn.EvtNodeCreated, "mnt1", "a/b.txt")
	rbA.Publish(ctx, evt)

	select {
	case got := <-received:
		if got.Type != cmn.EvtNodeCreated {
			t.Fatalf("unexpected relayed event type: %v", got.Type)
		}
		payload, ok := got.Data.(cmn.NodePayload)
		if !ok {
			t.Fatalf("expected relayed Data to decode as NodePayload, got %T", got.Data)
		}
		if payload.Path != "a/b.txt" {
			t.Fatalf("unexpected relayed path: %q", payload.Path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cross-process relay")
	}
}

func TestRedisBusSuppressesSelfEcho(t *testing.T) {
	shared, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer shared.Close()

	client := redis.NewClient(&redis.Options{Addr: shared.Addr()})
	defer client.Close()

	bus := events.NewBus()
	rb := events.NewRedisBus(bus, events.RedisBusOptions{Client: client, Channel: "filestore.events"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rb.Start(ctx)
	defer rb.Stop()

	var localDeliveries int
	bus.Subscribe(events.Filter{}, func(cmn.Event) { localDeliveries++ })

	rb.Publish(ctx, nodeEvent(cmn.EvtNodeCreated, "mnt1", "a"))

	// Give the subscription loop a moment to (incorrectly) redeliver if
	// self-echo suppression were broken.
	time.Sleep(200 * time.Millisecond)

	if localDeliveries != 1 {
		t.Fatalf("expected exactly one local delivery (no self-echo), got %d", localDeliveries)
	}
}

func TestRedisBusInlineModeNeverTouchesRedis(t *testing.T) {
	bus := events.NewBus()
	rb := events.NewRedisBus(bus, events.RedisBusOptions{Inline: true})

	var delivered bool
	bus.Subscribe(events.Filter{}, func(cmn.Event) { delivered = true })

	rb.Publish(context.Background(), nodeEvent(cmn.EvtNodeCreated, "mnt1", "a"))

	if !delivered {
		t.Fatal("expected inline RedisBus to still dispatch locally")
	}
}
