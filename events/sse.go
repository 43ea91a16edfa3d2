package events

import (
	"bufio"
	"context"
	"fmt"
	"time"

	"github.com/benediktbwimmer/apphub-sub006/cmn"
	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"
)

// heartbeatInterval is how often a connection with nothing to send still
// gets a comment line, so intermediaries and clients can tell the stream
// is alive.
const heartbeatInterval = cmn.DefaultSSEHeartbeatInterval

// SSEOptions configures a single Server-Sent Events connection.
type SSEOptions struct {
	Filter     Filter
	RatePerSec float64 // token bucket refill rate, events/sec
	Burst      int     // token bucket burst size
	QueueLen   int     // bounded ring queue depth before events are dropped
}

func (o SSEOptions) withDefaults() SSEOptions {
	if o.RatePerSec <= 0 {
		o.RatePerSec = cmn.DefaultSSETokenBucketPerSec
	}
	if o.Burst <= 0 {
		o.Burst = int(o.RatePerSec) * 2
	}
	if o.QueueLen <= 0 {
		o.QueueLen = cmn.DefaultSSEQueueDepth
	}
	return o
}

// SSE streams Bus events to a single HTTP client as text/event-stream. It
// is rate-limited with a token bucket (so one slow subscriber can't let an
// unbounded backlog build up in this process) and backed by a bounded
// queue; once the queue is full, further events are dropped and a single
// "overflow" notice event is emitted in their place.
type SSE struct {
	bus     *Bus
	opts    SSEOptions
	limiter *rate.Limiter
}

func NewSSE(bus *Bus, opts SSEOptions) *SSE {
	opts = opts.withDefaults()
	return &SSE{
		bus:     bus,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Burst),
	}
}

// ServeHTTP subscribes to the bus for the lifetime of ctx (i.e. the
// connection) and writes each event as an SSE frame to w, applying the
// token bucket before every write and emitting periodic heartbeats when
// idle. It returns once ctx is cancelled (client disconnect) or w returns
// an error.
func (s *SSE) ServeHTTP(ctx context.Context, w *bufio.Writer) error {
	queue := make(chan cmn.Event, s.opts.QueueLen)
	overflowed := false
	limiter := rate.NewLimiter(rate.Limit(s.opts.RatePerSec), s.opts.Burst)

	unsubscribe := s.bus.Subscribe(s.opts.Filter, func(evt cmn.Event) {
		select {
		case queue <- evt:
		default:
			overflowed = true
		}
	})
	defer unsubscribe()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt := <-queue:
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			if err := writeEventFrame(w, evt); err != nil {
				return err
			}
			if overflowed {
				overflowed = false
				if err := writeOverflowFrame(w); err != nil {
					return err
				}
			}
			if err := w.Flush(); err != nil {
				return err
			}

		case <-ticker.C:
			if _, err := w.WriteString(": heartbeat\n\n"); err != nil {
				return err
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}
	}
}

func writeEventFrame(w *bufio.Writer, evt cmn.Event) error {
	payload := cmn.MustMarshal(evt)
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, payload); err != nil {
		return err
	}
	return nil
}

func writeOverflowFrame(w *bufio.Writer) error {
	_, err := w.WriteString("event: stream.overflow\ndata: {\"message\":\"some events were dropped, queue was full\"}\n\n")
	return err
}

// Handler adapts SSE to a fasthttp request handler. It blocks for the
// lifetime of the connection, so callers should invoke it via
// RequestCtx.SetBodyStreamWriter (fasthttp's long-lived streaming hook)
// rather than from the base handler goroutine directly.
func (s *SSE) Handler(ctx *fasthttp.RequestCtx) func(*bufio.Writer) {
	reqCtx, cancel := context.WithCancel(ctx)
	return func(w *bufio.Writer) {
		defer cancel()
		_ = s.ServeHTTP(reqCtx, w)
	}
}
