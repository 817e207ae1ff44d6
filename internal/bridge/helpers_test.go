package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"chatbridge/internal/engine"
	"chatbridge/internal/modeltest"
	"chatbridge/internal/tokenizer"
	"chatbridge/pkg/types"
)

const testSeed int64 = 1234

// fakeEngine records calls and lets tests push output through the callback.
type fakeEngine struct {
	mu        sync.Mutex
	cb        engine.OutputFunc
	device    string
	added     []engine.Request
	aborted   []string
	addErr    error
	reloadErr error
	// redirect, when set, replaces the model path of the next Reload.
	redirect  string
	resets    int
	unloads   int
	defaults  engine.GenerationConfig
	cfg       engine.Config
	exit      chan struct{}
	exitOnce  sync.Once
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		exit: make(chan struct{}),
		defaults: engine.GenerationConfig{
			N:                 1,
			Temperature:       0.5,
			TopP:              0.9,
			FrequencyPenalty:  0.1,
			PresencePenalty:   0.2,
			RepetitionPenalty: 1.0,
			MaxTokens:         100,
			ResponseFormat:    engine.ResponseFormat{Type: "text"},
		},
	}
}

func (f *fakeEngine) InitEngine(device string, cb engine.OutputFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.device, f.cb = device, cb
	return nil
}

func (f *fakeEngine) Reload(s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reloadErr != nil {
		return f.reloadErr
	}
	cfg, err := engine.ParseConfig(s)
	if err != nil {
		return err
	}
	if f.redirect != "" {
		cfg.Model, f.redirect = f.redirect, ""
	}
	f.cfg = cfg
	return nil
}

func (f *fakeEngine) Unload() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloads++
	return nil
}

func (f *fakeEngine) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeEngine) AddRequest(req engine.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.added = append(f.added, req)
	return nil
}

func (f *fakeEngine) AbortRequest(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, id)
	return errors.New("not running")
}

func (f *fakeEngine) RunBackgroundLoop(ctx context.Context) error { return f.wait(ctx) }

func (f *fakeEngine) RunBackgroundStreamBackLoop(ctx context.Context) error { return f.wait(ctx) }

func (f *fakeEngine) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.exit:
		return nil
	}
}

func (f *fakeEngine) ExitBackgroundLoop() { f.exitOnce.Do(func() { close(f.exit) }) }

func (f *fakeEngine) GetDefaultGenerationConfig() engine.GenerationConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.defaults
}

func (f *fakeEngine) GetCompleteEngineConfig() engine.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

func (f *fakeEngine) emit(batch ...engine.Output) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	cb(batch)
}

func (f *fakeEngine) requests() []engine.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.Request(nil), f.added...)
}

// recorder is a Sink that decodes and keeps every delivered object.
type recorder struct {
	mu       sync.Mutex
	payloads int
	chunks   []types.StreamResponse
}

func (r *recorder) sink(payload string) error {
	var arr []types.StreamResponse
	if err := json.Unmarshal([]byte(payload), &arr); err != nil {
		return err
	}
	r.mu.Lock()
	r.payloads++
	r.chunks = append(r.chunks, arr...)
	r.mu.Unlock()
	return nil
}

func (r *recorder) forID(id string) []types.StreamResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.StreamResponse
	for _, c := range r.chunks {
		if c.ID == id {
			out = append(out, c)
		}
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, id string, n int) []types.StreamResponse {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.forID(id)) >= n }, 2*time.Second, 5*time.Millisecond,
		"waiting for %d chunks for %s", n, id)
	return r.forID(id)
}

// waitForUsage waits until the usage terminator for id has been delivered.
func (r *recorder) waitForUsage(t *testing.T, id string) []types.StreamResponse {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, c := range r.forID(id) {
			if c.Usage != nil {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "waiting for usage for %s", id)
	return r.forID(id)
}

type harness struct {
	b      *Bridge
	eng    *fakeEngine
	rec    *recorder
	events *MemoryPublisher
	tok    *tokenizer.Tokenizer
	path   string
}

// newHarness builds a loaded bridge with its stream-back loop running.
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{eng: newFakeEngine(), rec: &recorder{}, events: NewMemoryPublisher()}
	h.b = New(h.eng,
		WithEventPublisher(h.events),
		WithSeedSource(func() int64 { return testSeed }),
		WithQueueSize(64),
	)
	require.NoError(t, h.b.Initialize("cpu", h.rec.sink))
	h.path = modeltest.Default(t)
	require.NoError(t, h.b.Reload(modeltest.EngineConfig(h.path)))

	tok, err := tokenizer.FromJSON(modeltest.TokenizerJSON())
	require.NoError(t, err)
	h.tok = tok

	done := make(chan error, 1)
	go func() { done <- h.b.RunBackgroundStreamBackLoop(context.Background()) }()
	t.Cleanup(func() {
		h.b.ExitBackgroundLoop()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Errorf("stream-back loop did not stop")
		}
	})
	return h
}

const helloRequest = `{"messages":[{"role":"user","content":"hi"}]}`
