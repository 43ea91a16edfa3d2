package main

import (
	"context"

	"github.com/benediktbwimmer/apphub-sub006/cmn"
	"github.com/benediktbwimmer/apphub-sub006/events"
	"github.com/benediktbwimmer/apphub-sub006/orchestrator"
	"github.com/benediktbwimmer/apphub-sub006/reconcile"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

// server is the minimal HTTP boundary the spec calls for: a command
// endpoint over the orchestrator, a reconciliation-request endpoint
// (spec.md §6.4), and an SSE event stream (spec.md §6.2). A full REST
// resource surface (listing, browsing, auth) is explicitly out of scope.
type server struct {
	orc *orchestrator.Orchestrator
	eng *reconcile.Engine
	sse *events.SSE
	log zerolog.Logger
}

func newServer(orc *orchestrator.Orchestrator, eng *reconcile.Engine, bus *events.Bus, log zerolog.Logger) *server {
	return &server{
		orc: orc,
		eng: eng,
		sse: events.NewSSE(bus, events.SSEOptions{}),
		log: log,
	}
}

func (s *server) handle(ctx *fasthttp.RequestCtx) {
	switch {
	case string(ctx.Path()) == "/healthz":
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")

	case string(ctx.Path()) == "/v1/commands" && ctx.IsPost():
		s.handleCommand(ctx)

	case string(ctx.Path()) == "/v1/reconcile" && ctx.IsPost():
		s.handleReconcile(ctx)

	case string(ctx.Path()) == "/v1/events" && ctx.IsGet():
		ctx.SetContentType("text/event-stream")
		ctx.Response.Header.Set("Cache-Control", "no-cache")
		ctx.Response.Header.Set("Connection", "keep-alive")
		ctx.SetBodyStreamWriter(s.sse.Handler(ctx))

	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (s *server) handleCommand(ctx *fasthttp.RequestCtx) {
	var cmdIn cmn.Command
	if err := cmn.Unmarshal(ctx.PostBody(), &cmdIn); err != nil {
		writeError(ctx, cmn.NewError(cmn.ErrInvalidRequest, "malformed command body"))
		return
	}
	res, err := s.orc.RunCommand(context.Background(), cmdIn)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(cmn.MustMarshal(res))
}

func (s *server) handleReconcile(ctx *fasthttp.RequestCtx) {
	var req reconcile.Request
	if err := cmn.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeError(ctx, cmn.NewError(cmn.ErrInvalidRequest, "malformed reconciliation request"))
		return
	}
	job, err := s.eng.Enqueue(req)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusAccepted)
	ctx.SetContentType("application/json")
	ctx.SetBody(cmn.MustMarshal(job))
}

// errorBody is the JSON shape every non-2xx response carries.
type errorBody struct {
	Kind    cmn.ErrKind `json:"kind"`
	Message string      `json:"message"`
}

func writeError(ctx *fasthttp.RequestCtx, err error) {
	status := errStatus(err)
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body := errorBody{Kind: cmn.ErrInternal, Message: err.Error()}
	if e, ok := err.(*cmn.Error); ok {
		body.Kind = e.Kind
		body.Message = e.Message
	}
	ctx.SetBody(cmn.MustMarshal(body))
}

// errStatus maps a cmn.ErrKind to an HTTP status per the classification in
// spec.md §7: user input and not-found/conflict kinds surface directly,
// capability kinds are client errors, everything else is internal.
func errStatus(err error) int {
	e, ok := err.(*cmn.Error)
	if !ok {
		return fasthttp.StatusInternalServerError
	}
	switch e.Kind {
	case cmn.ErrInvalidPath, cmn.ErrInvalidRequest, cmn.ErrInvalidChecksum, cmn.ErrChecksumMismatch:
		return fasthttp.StatusBadRequest
	case cmn.ErrNodeNotFound, cmn.ErrParentNotFound, cmn.ErrBackendNotFound:
		return fasthttp.StatusNotFound
	case cmn.ErrNodeExists, cmn.ErrChildrenExist, cmn.ErrIdempotencyConflct, cmn.ErrNotADirectory, cmn.ErrNotAFile:
		return fasthttp.StatusConflict
	case cmn.ErrMissingScope:
		return fasthttp.StatusForbidden
	case cmn.ErrExecutorNotFound, cmn.ErrNotSupported:
		return fasthttp.StatusUnprocessableEntity
	default:
		return fasthttp.StatusInternalServerError
	}
}
