package main

import (
	"testing"

	"github.com/benediktbwimmer/apphub-sub006/backend"
	"github.com/benediktbwimmer/apphub-sub006/cmn"
	"github.com/benediktbwimmer/apphub-sub006/events"
	"github.com/benediktbwimmer/apphub-sub006/orchestrator"
	"github.com/benediktbwimmer/apphub-sub006/reconcile"
	"github.com/benediktbwimmer/apphub-sub006/rollup"
	"github.com/benediktbwimmer/apphub-sub006/store"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

func newTestServer(t *testing.T) (*server, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Options{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	mnt := &cmn.BackendMount{ID: "mnt1", MountKey: "primary", BackendKind: cmn.BackendLocal, AccessMode: cmn.AccessReadWrite, RootPath: t.TempDir()}
	if err := st.Update(func(tx *store.Tx) error { return tx.InsertBackendMount(mnt) }); err != nil {
		t.Fatalf("insert mount: %v", err)
	}

	registry := backend.NewRegistry()
	registry.Register(backend.NewLocal())
	rollups := rollup.NewManager(st, rollup.DefaultConfig())
	bus := events.NewBus()
	orc := orchestrator.New(st, registry, rollups, bus, zerolog.Nop())
	eng := reconcile.New(st, registry, bus, reconcile.DefaultConfig(), zerolog.Nop())

	return newServer(orc, eng, bus, zerolog.Nop()), st
}

func TestServerHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI("/healthz")
	ctx.Request.Header.SetMethod("GET")
	srv.handle(&ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d", ctx.Response.StatusCode())
	}
}

func TestServerUnknownRouteIs404(t *testing.T) {
	srv, _ := newTestServer(t)

	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI("/nope")
	ctx.Request.Header.SetMethod("GET")
	srv.handle(&ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("expected 404, got %d", ctx.Response.StatusCode())
	}
}

func TestServerReconcileEnqueuesJob(t *testing.T) {
	srv, st := newTestServer(t)

	if err := st.Update(func(tx *store.Tx) error {
		return tx.PutNode(&cmn.Node{ID: "n1", BackendMountID: "mnt1", Path: "a.txt", Name: "a.txt", Kind: cmn.KindFile, State: cmn.StateActive})
	}); err != nil {
		t.Fatalf("seed node: %v", err)
	}

	body := []byte(`{"backendMountId":"mnt1","path":"a.txt","nodeId":"n1","reason":"manual"}`)
	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI("/v1/reconcile")
	ctx.Request.Header.SetMethod("POST")
	ctx.Request.SetBody(body)
	srv.handle(&ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}

	var job cmn.ReconciliationJob
	if err := cmn.Unmarshal(ctx.Response.Body(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.Status != cmn.JobQueued {
		t.Fatalf("expected queued job, got %v", job.Status)
	}
}

func TestServerReconcileRejectsMalformedBody(t *testing.T) {
	srv, _ := newTestServer(t)

	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI("/v1/reconcile")
	ctx.Request.Header.SetMethod("POST")
	ctx.Request.SetBody([]byte(`not json`))
	srv.handle(&ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("expected 400, got %d", ctx.Response.StatusCode())
	}
}

func TestServerCommandSurfacesNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	body := []byte(`{"kind":"deleteNode","backendMountId":"mnt1","path":"does-not-exist.txt"}`)
	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI("/v1/commands")
	ctx.Request.Header.SetMethod("POST")
	ctx.Request.SetBody(body)
	srv.handle(&ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
}

func TestErrStatusMapping(t *testing.T) {
	cases := []struct {
		kind cmn.ErrKind
		want int
	}{
		{cmn.ErrInvalidRequest, fasthttp.StatusBadRequest},
		{cmn.ErrNodeNotFound, fasthttp.StatusNotFound},
		{cmn.ErrNodeExists, fasthttp.StatusConflict},
		{cmn.ErrMissingScope, fasthttp.StatusForbidden},
		{cmn.ErrNotSupported, fasthttp.StatusUnprocessableEntity},
		{cmn.ErrInternal, fasthttp.StatusInternalServerError},
	}
	for _, tc := range cases {
		got := errStatus(cmn.NewError(tc.kind, "boom"))
		if got != tc.want {
			t.Errorf("errStatus(%v) = %d, want %d", tc.kind, got, tc.want)
		}
	}
}
