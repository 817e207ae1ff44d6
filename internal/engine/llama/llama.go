//go:build llama

package llama

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"
	"github.com/rs/zerolog"

	"chatbridge/internal/conv"
	"chatbridge/internal/engine"
)

const (
	queueSize = 256
	outBuffer = 256
)

// Engine serializes requests onto one llama.cpp model. The token callback
// of go-llama.cpp is per model, so only one Predict runs at a time.
type Engine struct {
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	cb       engine.OutputFunc
	device   string
	cfg      engine.Config
	model    *llama.LLama
	defaults engine.GenerationConfig
	live     map[string]context.CancelFunc

	jobs     chan job
	out      chan []engine.Output
	quit     chan struct{}
	quitOnce sync.Once
}

type job struct {
	ctx    context.Context
	cancel context.CancelFunc
	req    engine.Request
}

// New returns an engine that still needs InitEngine and Reload.
func New(opts Options) (engine.Engine, error) {
	if opts.Threads <= 0 {
		opts.Threads = runtime.NumCPU()
	}
	return &Engine{
		opts: opts,
		log:  opts.Logger.With().Str("engine", "llama").Logger(),
		live: make(map[string]context.CancelFunc),
		jobs: make(chan job, queueSize),
		out:  make(chan []engine.Output, outBuffer),
		quit: make(chan struct{}),
	}, nil
}

func (e *Engine) InitEngine(device string, cb engine.OutputFunc) error {
	if cb == nil {
		return errors.New("llama: nil output callback")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.device, e.cb = device, cb
	return nil
}

func (e *Engine) Reload(engineConfigJSON string) error {
	cfg, err := engine.ParseConfig(engineConfigJSON)
	if err != nil {
		return err
	}
	mc, err := conv.Load(cfg.Model)
	if err != nil {
		return fmt.Errorf("llama: %w", err)
	}
	weights, err := resolveWeights(cfg)
	if err != nil {
		return err
	}
	ctxSize := e.opts.ContextSize
	if ctxSize <= 0 {
		ctxSize = mc.ContextWindowSize
	}
	mo := []llama.ModelOption{}
	if ctxSize > 0 {
		mo = append(mo, llama.SetContext(ctxSize))
	}
	m, err := llama.New(weights, mo...)
	if err != nil {
		return fmt.Errorf("llama: load %s: %w", weights, err)
	}

	e.mu.Lock()
	old := e.model
	e.model, e.cfg, e.defaults = m, cfg, mc.GenerationDefaults()
	e.mu.Unlock()
	if old != nil {
		old.Free()
	}
	e.log.Info().Str("weights", weights).Int("ctx", ctxSize).Msg("model loaded")
	return nil
}

func (e *Engine) Unload() error {
	e.cancelAll()
	e.mu.Lock()
	m := e.model
	e.model, e.cfg, e.defaults = nil, engine.Config{}, engine.GenerationConfig{}
	e.mu.Unlock()
	if m != nil {
		m.Free()
	}
	return nil
}

func (e *Engine) Reset() error {
	e.cancelAll()
	return nil
}

func (e *Engine) cancelAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, cancel := range e.live {
		cancel()
		delete(e.live, id)
	}
}

func (e *Engine) AddRequest(req engine.Request) error {
	e.mu.Lock()
	if e.model == nil {
		e.mu.Unlock()
		return engine.ErrNotLoaded
	}
	if _, ok := e.live[req.ID]; ok {
		e.mu.Unlock()
		return engine.ErrDuplicateRequest(req.ID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.live[req.ID] = cancel
	e.mu.Unlock()

	select {
	case e.jobs <- job{ctx: ctx, cancel: cancel, req: req}:
		return nil
	default:
		e.forget(req.ID)
		return errors.New("llama: request queue full")
	}
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.live[id]; ok {
		cancel()
		delete(e.live, id)
	}
}

func (e *Engine) AbortRequest(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cancel, ok := e.live[id]
	if !ok {
		return fmt.Errorf("llama: unknown request %q", id)
	}
	cancel()
	delete(e.live, id)
	return nil
}

// RunBackgroundLoop runs queued requests one at a time.
func (e *Engine) RunBackgroundLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.quit:
			return nil
		case j := <-e.jobs:
			if j.ctx.Err() != nil {
				continue
			}
			e.run(ctx, j)
			j.cancel()
			e.mu.Lock()
			delete(e.live, j.req.ID)
			e.mu.Unlock()
		}
	}
}

func (e *Engine) run(ctx context.Context, j job) {
	e.mu.Lock()
	m := e.model
	e.mu.Unlock()
	id := j.req.ID
	cfg := j.req.Config
	if cfg.Debug.SpecialRequest != "" {
		e.emit(ctx, engine.Output{RequestID: id, Deltas: []engine.Delta{{
			Text:         "unsupported special request: " + cfg.Debug.SpecialRequest,
			FinishReason: "error",
		}}}, engine.Output{RequestID: id, Usage: &engine.Usage{}})
		return
	}
	if m == nil {
		e.emit(ctx, engine.Output{RequestID: id, Deltas: []engine.Delta{{Text: "model unloaded", FinishReason: "error"}}},
			engine.Output{RequestID: id, Usage: &engine.Usage{}})
		return
	}

	n := max(cfg.N, 1)
	prompt := j.req.Text()
	completion := 0
	for i := 0; i < n; i++ {
		tokens := 0
		m.SetTokenCallback(func(tok string) bool {
			if j.ctx.Err() != nil || ctx.Err() != nil {
				return false
			}
			tokens++
			e.emit(ctx, engine.Output{RequestID: id, Deltas: choiceDelta(n, i, engine.Delta{Text: tok})})
			return true
		})
		_, err := m.Predict(prompt, predictOptions(cfg, e.opts)...)
		if j.ctx.Err() != nil {
			// aborted: the bridge has already closed the stream
			return
		}
		completion += tokens
		finish := "stop"
		switch {
		case err != nil:
			e.log.Error().Err(err).Str("request_id", id).Msg("predict")
			e.emit(ctx, engine.Output{RequestID: id, Deltas: choiceDelta(n, i, engine.Delta{Text: err.Error(), FinishReason: "error"})})
			continue
		case cfg.MaxTokens > 0 && tokens >= cfg.MaxTokens:
			finish = "length"
		}
		e.emit(ctx, engine.Output{RequestID: id, Deltas: choiceDelta(n, i, engine.Delta{FinishReason: finish})})
	}
	e.emit(ctx, engine.Output{RequestID: id, Usage: &engine.Usage{CompletionTokens: completion}})
}

// choiceDelta places d at position i of an n-wide delta list.
func choiceDelta(n, i int, d engine.Delta) []engine.Delta {
	deltas := make([]engine.Delta, i+1, n)
	deltas[i] = d
	return deltas
}

func predictOptions(cfg engine.GenerationConfig, opts Options) []llama.PredictOption {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llama.DefaultOptions.Tokens
	}
	po := []llama.PredictOption{
		llama.SetTokens(maxTokens),
		llama.SetThreads(opts.Threads),
		llama.SetTopP(float32(cfg.TopP)),
		llama.SetTemperature(float32(cfg.Temperature)),
		llama.SetPenalty(float32(cfg.RepetitionPenalty)),
		llama.SetSeed(int(cfg.Seed)),
	}
	if opts.TopK > 0 {
		po = append(po, llama.SetTopK(opts.TopK))
	}
	if len(cfg.StopStrs) > 0 {
		po = append(po, llama.SetStopWords(cfg.StopStrs...))
	}
	return po
}

func (e *Engine) emit(ctx context.Context, batch ...engine.Output) {
	select {
	case e.out <- batch:
	case <-ctx.Done():
	case <-e.quit:
	}
}

func (e *Engine) RunBackgroundStreamBackLoop(ctx context.Context) error {
	for {
		select {
		case batch := <-e.out:
			e.callback()(batch)
		case <-ctx.Done():
			return ctx.Err()
		case <-e.quit:
			for {
				select {
				case batch := <-e.out:
					e.callback()(batch)
				default:
					return nil
				}
			}
		}
	}
}

func (e *Engine) callback() engine.OutputFunc {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cb == nil {
		return func([]engine.Output) {}
	}
	return e.cb
}

func (e *Engine) ExitBackgroundLoop() {
	e.quitOnce.Do(func() { close(e.quit) })
	e.cancelAll()
}

func (e *Engine) GetDefaultGenerationConfig() engine.GenerationConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.defaults
}

func (e *Engine) GetCompleteEngineConfig() engine.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}
