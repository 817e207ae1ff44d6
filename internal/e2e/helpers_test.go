package e2e

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatbridge/internal/bridge"
	"chatbridge/internal/engine/sim"
	"chatbridge/internal/httpapi"
	"chatbridge/internal/modeltest"
	"chatbridge/internal/registry"
	"chatbridge/pkg/types"
)

// service is the bridge plus a registry listing, as served by the CLI.
type service struct {
	*bridge.Bridge
	dir string
}

func (s *service) ListModels() []types.Model {
	models, _ := registry.LoadDir(s.dir)
	return models
}

type stack struct {
	srv *httptest.Server
	svc *service
	eng *sim.Engine
}

// newStack starts sim engine, bridge and HTTP server over a models directory
// holding one package named "tiny". No model is loaded yet.
func newStack(t *testing.T, opts sim.Options) *stack {
	t.Helper()
	dir := t.TempDir()
	modeltest.Write(t, dir, "tiny", modeltest.ChatConfig())

	if opts.StepInterval == 0 {
		opts.StepInterval = time.Millisecond
	}
	eng := sim.New(opts)
	hub := httpapi.NewHub()
	b := bridge.New(eng)
	require.NoError(t, b.Initialize("cpu", hub.Deliver))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)
	go func() { _ = b.RunBackgroundLoop(ctx); done <- struct{}{} }()
	go func() { _ = b.RunBackgroundStreamBackLoop(ctx); done <- struct{}{} }()

	svc := &service{Bridge: b, dir: dir}
	srv := httptest.NewServer(httpapi.NewMux(svc, hub))
	t.Cleanup(func() {
		srv.Close()
		b.ExitBackgroundLoop()
		cancel()
		<-done
		<-done
	})
	return &stack{srv: srv, svc: svc, eng: eng}
}

func (s *stack) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	return s.postCtx(t, context.Background(), path, body)
}

func (s *stack) postCtx(t *testing.T, ctx context.Context, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (s *stack) load(t *testing.T) {
	t.Helper()
	resp := s.post(t, "/admin/reload", `{"model":"tiny"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

// readEvents reads data payloads until the stream closes.
func readEvents(resp *http.Response) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if line, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}

func sseEvents(t *testing.T, resp *http.Response) []string {
	t.Helper()
	out, err := readEvents(resp)
	require.NoError(t, err)
	return out
}
