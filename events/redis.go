package events

import (
	"context"

	"github.com/benediktbwimmer/apphub-sub006/cmn"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// wireEnvelope is the cross-process wire shape (spec.md §6.2): identical
// payload to the in-process cmn.Event, wrapped with an origin token used
// to suppress self-echo.
type wireEnvelope struct {
	Origin string    `json:"origin"`
	Event  cmn.Event `json:"event"`
}

// RedisBus wraps a Bus for cross-process delivery over Redis Pub/Sub
// (spec.md §4.E, §6.2). Publish fans out locally and, unless
// RedisBusOptions.Inline, also PUBLISHes the wire envelope; a background
// subscription loop relays remote messages back into the local Bus,
// dropping anything whose origin matches this process's own (self-echo
// suppression).
type RedisBus struct {
	bus     *Bus
	client  *redis.Client
	channel string
	origin  string
	inline  bool
	log     zerolog.Logger

	cancel context.CancelFunc
}

type RedisBusOptions struct {
	Client  *redis.Client
	Channel string
	Inline  bool // true: never touch Redis, behave as a bare in-process Bus
	Logger  zerolog.Logger
}

func NewRedisBus(bus *Bus, opts RedisBusOptions) *RedisBus {
	return &RedisBus{
		bus:     bus,
		client:  opts.Client,
		channel: opts.Channel,
		origin:  uuid.NewString(),
		inline:  opts.Inline,
		log:     opts.Logger,
	}
}

// Start begins relaying remote Redis messages into the local Bus. No-op
// when Inline is set (spec.md §6.5 APPHUB_ALLOW_INLINE_MODE guard, carried
// as RedisBusOptions.Inline here).
func (r *RedisBus) Start(ctx context.Context) {
	if r.inline || r.client == nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	sub := r.client.Subscribe(ctx, r.channel)
	ch := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				r.handleRemote(msg.Payload)
			}
		}
	}()
}

func (r *RedisBus) handleRemote(payload string) {
	var env wireEnvelope
	if err := cmn.Unmarshal([]byte(payload), &env); err != nil {
		r.log.Warn().Err(err).Msg("discarding malformed event envelope")
		return
	}
	if env.Origin == r.origin {
		return
	}
	r.bus.Publish(env.Event)
}

func (r *RedisBus) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Subscribe proxies to the underlying in-process Bus - subscribers never
// care whether an event originated locally or over Redis.
func (r *RedisBus) Subscribe(filter Filter, handler Handler) func() {
	return r.bus.Subscribe(filter, handler)
}

// Publish dispatches evt to local subscribers immediately, then (unless
// Inline) PUBLISHes the wire envelope so other processes observe it too.
// The PUBLISH runs on the caller's goroutine and Publish returns only after
// Redis has answered; a failed PUBLISH is logged, not returned.
func (r *RedisBus) Publish(ctx context.Context, evt cmn.Event) {
	r.bus.Publish(evt)
	if r.inline || r.client == nil {
		return
	}
	env := wireEnvelope{Origin: r.origin, Event: evt}
	payload := cmn.MustMarshal(env)
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.log.Warn().Err(err).Str("channel", r.channel).Msg("cross-process event publish failed")
	}
}
