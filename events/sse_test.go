package events_test

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/benediktbwimmer/apphub-sub006/cmn"
	"github.com/benediktbwimmer/apphub-sub006/events"
)

func TestSSEServeHTTPStreamsMatchingEvents(t *testing.T) {
	bus := events.NewBus()
	sse := events.NewSSE(bus, events.SSEOptions{RatePerSec: 1000, Burst: 1000})

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sse.ServeHTTP(ctx, w) }()

	// give Subscribe a chance to register before publishing.
	time.Sleep(20 * time.Millisecond)
	bus.Publish(nodeEvent(cmn.EvtNodeCreated, "mnt1", "a/b.txt"))
	time.Sleep(50 * time.Millisecond)

	cancel()
	<-done

	out := buf.String()
	if !strings.Contains(out, "event: node.created") {
		t.Fatalf("expected streamed frame for node.created, got: %q", out)
	}
	if !strings.Contains(out, "a/b.txt") {
		t.Fatalf("expected frame to carry the node path, got: %q", out)
	}
}

func TestSSEOverflowEmitsNotice(t *testing.T) {
	bus := events.NewBus()
	sse := events.NewSSE(bus, events.SSEOptions{RatePerSec: 1000, Burst: 1000, QueueLen: 1})

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sse.ServeHTTP(ctx, w) }()

	time.Sleep(20 * time.Millisecond)
	// Publish faster than the consumer drains; the bounded queue (depth 1)
	// should drop at least one and surface an overflow notice.
	for i := 0; i < 20; i++ {
		bus.Publish(nodeEvent(cmn.EvtNodeCreated, "mnt1", "a"))
	}
	time.Sleep(100 * time.Millisecond)

	cancel()
	<-done

	out := buf.String()
	if !strings.Contains(out, "stream.overflow") {
		t.Fatalf("expected an overflow notice frame, got: %q", out)
	}
}

func TestSSEStopsOnContextCancel(t *testing.T) {
	bus := events.NewBus()
	sse := events.NewSSE(bus, events.SSEOptions{})

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sse.ServeHTTP(ctx, w) }()

	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected ServeHTTP to return a context error on cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("ServeHTTP did not return after context cancellation")
	}
}
