// Package sim is a deterministic in-process engine. It "generates" by
// replaying each request's prompt tokens (or a fixed reply), one token per
// step per choice, and honors the stopping rules of the generation config.
// It backs the CLI when no native engine is built and drives the tests.
package sim

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"chatbridge/internal/conv"
	"chatbridge/internal/engine"
	"chatbridge/internal/tokenizer"
)

const (
	defaultStepInterval = 5 * time.Millisecond
	outBuffer           = 256

	// DirectiveMetrics asks the engine for a JSON snapshot of its counters.
	DirectiveMetrics = "query_engine_metrics"
)

// Options tune the simulated engine.
type Options struct {
	Logger zerolog.Logger
	// StepInterval is the time between decode steps.
	StepInterval time.Duration
	// Reply, when set, is generated for every request instead of the prompt.
	Reply string
}

// Engine implements engine.Engine.
type Engine struct {
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	cb       engine.OutputFunc
	device   string
	cfg      engine.Config
	tok      *tokenizer.Tokenizer
	defaults engine.GenerationConfig
	pending  []*sequence
	active   []*sequence
	stats    Stats

	out      chan []engine.Output
	quit     chan struct{}
	quitOnce sync.Once
}

// Stats are the counters reported for the metrics directive.
type Stats struct {
	Device          string `json:"device"`
	Model           string `json:"model"`
	Pending         int    `json:"pending_requests"`
	Active          int    `json:"active_requests"`
	Steps           uint64 `json:"steps_total"`
	Admitted        uint64 `json:"admitted_total"`
	Finished        uint64 `json:"finished_total"`
	Aborted         uint64 `json:"aborted_total"`
	PromptTokens    uint64 `json:"prompt_tokens_total"`
	GeneratedTokens uint64 `json:"generated_tokens_total"`
}

// New returns an engine that still needs InitEngine and Reload.
func New(opts Options) *Engine {
	if opts.StepInterval <= 0 {
		opts.StepInterval = defaultStepInterval
	}
	return &Engine{
		opts: opts,
		log:  opts.Logger.With().Str("engine", "sim").Logger(),
		out:  make(chan []engine.Output, outBuffer),
		quit: make(chan struct{}),
	}
}

var _ engine.Engine = (*Engine)(nil)

func (e *Engine) InitEngine(device string, cb engine.OutputFunc) error {
	if cb == nil {
		return errors.New("sim: nil output callback")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.device, e.cb = device, cb
	return nil
}

// Reload loads the model package named by the config. Requests already in
// flight keep running against the tokenizer they were admitted with.
func (e *Engine) Reload(engineConfigJSON string) error {
	cfg, err := engine.ParseConfig(engineConfigJSON)
	if err != nil {
		return err
	}
	mc, err := conv.Load(cfg.Model)
	if err != nil {
		return fmt.Errorf("sim: %w", err)
	}
	tok, err := tokenizer.FromDir(cfg.Model)
	if err != nil {
		return fmt.Errorf("sim: %w", err)
	}
	if cfg.Device == "" {
		cfg.Device = e.device
	}
	e.mu.Lock()
	e.cfg, e.tok, e.defaults = cfg, tok, mc.GenerationDefaults()
	e.mu.Unlock()
	e.log.Info().Str("model", cfg.Model).Int("max_num_sequence", cfg.MaxNumSequence).Msg("model loaded")
	return nil
}

// Unload drops the model. Requests in flight finish with reason "error".
func (e *Engine) Unload() error {
	e.mu.Lock()
	var batch []engine.Output
	for _, s := range append(e.active, e.pending...) {
		batch = append(batch, s.fail("model unloaded")...)
	}
	e.pending, e.active = nil, nil
	e.tok, e.cfg, e.defaults = nil, engine.Config{}, engine.GenerationConfig{}
	e.mu.Unlock()
	if len(batch) > 0 {
		e.deliver(context.Background(), batch)
	}
	return nil
}

// Reset drops every request without output and clears the counters.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending, e.active = nil, nil
	e.stats = Stats{}
	return nil
}

func (e *Engine) AddRequest(req engine.Request) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tok == nil {
		return engine.ErrNotLoaded
	}
	if e.find(req.ID) != nil {
		return engine.ErrDuplicateRequest(req.ID)
	}
	e.pending = append(e.pending, newSequence(req, e.tok, e.opts.Reply))
	e.stats.Admitted++
	return nil
}

func (e *Engine) find(id string) *sequence {
	for _, list := range [][]*sequence{e.active, e.pending} {
		for _, s := range list {
			if s.req.ID == id {
				return s
			}
		}
	}
	return nil
}

// AbortRequest removes the request; nothing more is emitted for it.
func (e *Engine) AbortRequest(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	match := func(s *sequence) bool { return s.req.ID == id }
	n := len(e.active) + len(e.pending)
	e.active = slices.DeleteFunc(e.active, match)
	e.pending = slices.DeleteFunc(e.pending, match)
	if len(e.active)+len(e.pending) == n {
		return fmt.Errorf("sim: unknown request %q", id)
	}
	e.stats.Aborted++
	return nil
}

// RunBackgroundLoop steps all active requests every StepInterval.
func (e *Engine) RunBackgroundLoop(ctx context.Context) error {
	t := time.NewTicker(e.opts.StepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.quit:
			return nil
		case <-t.C:
			if batch := e.step(); len(batch) > 0 {
				e.deliver(ctx, batch)
			}
		}
	}
}

func (e *Engine) deliver(ctx context.Context, batch []engine.Output) {
	select {
	case e.out <- batch:
	case <-e.quit:
	case <-ctx.Done():
	}
}

// RunBackgroundStreamBackLoop hands batches to the callback. On exit it
// flushes what the step loop already produced.
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

func (e *Engine) ExitBackgroundLoop() { e.quitOnce.Do(func() { close(e.quit) }) }

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

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot()
}

func (e *Engine) snapshot() Stats {
	s := e.stats
	s.Device = e.device
	s.Model = e.cfg.Model
	s.Pending = len(e.pending)
	s.Active = len(e.active)
	return s
}

// step admits pending requests up to MaxNumSequence and advances every
// active one by a single token per choice.
func (e *Engine) step() []engine.Output {
	e.mu.Lock()
	defer e.mu.Unlock()
	limit := e.cfg.MaxNumSequence
	if limit <= 0 {
		limit = 1
	}
	for len(e.pending) > 0 && len(e.active) < limit {
		s := e.pending[0]
		e.pending = e.pending[1:]
		e.active = append(e.active, s)
		e.stats.PromptTokens += uint64(s.promptTokens)
	}
	if len(e.active) == 0 {
		return nil
	}
	e.stats.Steps++

	var batch []engine.Output
	kept := e.active[:0]
	for _, s := range e.active {
		var outs []engine.Output
		if s.directive != "" {
			outs = e.control(s)
		} else {
			outs = s.advance()
		}
		batch = append(batch, outs...)
		if s.finished() {
			e.stats.Finished++
			e.stats.GeneratedTokens += uint64(s.completionTokens())
			continue
		}
		kept = append(kept, s)
	}
	clear(e.active[len(kept):])
	e.active = kept
	return batch
}

// control answers a debug directive in one step.
func (e *Engine) control(s *sequence) []engine.Output {
	switch s.directive {
	case DirectiveMetrics:
		b, err := json.Marshal(e.snapshot())
		if err != nil {
			return s.fail(err.Error())
		}
		s.done = true
		return []engine.Output{
			{RequestID: s.req.ID, Deltas: []engine.Delta{{Text: string(b), FinishReason: "stop"}}},
			{RequestID: s.req.ID, Usage: &engine.Usage{}},
		}
	default:
		return s.fail("unsupported special request: " + s.directive)
	}
}

// sequence is one request being generated.
type sequence struct {
	req          engine.Request
	directive    string
	reply        []int32
	limit        int
	promptTokens int
	choices      []choice
	done         bool
}

type choice struct {
	pos    int
	finish string
}

func newSequence(req engine.Request, tok *tokenizer.Tokenizer, reply string) *sequence {
	s := &sequence{req: req, directive: req.Config.Debug.SpecialRequest}
	var text strings.Builder
	for _, in := range req.Inputs {
		switch d := in.(type) {
		case engine.TokenData:
			s.promptTokens += len(d.TokenIDs)
		case engine.TextData:
			ids := tok.Encode(d.Text)
			s.promptTokens += len(ids)
			text.WriteString(d.Text)
		}
	}
	if reply == "" {
		reply = text.String()
	}
	s.reply = tok.Encode(reply)
	s.limit = stopLimit(s.reply, tok, req.Config)
	n := req.Config.N
	if n <= 0 {
		n = 1
	}
	s.choices = make([]choice, n)
	return s
}

// stopLimit is the number of reply tokens that can be emitted before a stop
// token id or a stop string is reached. Tokens that spell part of a stop
// string are never emitted.
func stopLimit(reply []int32, tok *tokenizer.Tokenizer, cfg engine.GenerationConfig) int {
	for i, id := range reply {
		if !cfg.Debug.IgnoreEOS && slices.Contains(cfg.StopTokenIDs, id) {
			return i
		}
		if len(cfg.StopStrs) == 0 {
			continue
		}
		text := tok.Decode(reply[:i+1])
		at := -1
		for _, stop := range cfg.StopStrs {
			if p := strings.Index(text, stop); stop != "" && p >= 0 && (at < 0 || p < at) {
				at = p
			}
		}
		if at < 0 {
			continue
		}
		k := i
		for k > 0 && len(tok.Decode(reply[:k])) > at {
			k--
		}
		return k
	}
	return len(reply)
}

// advance emits one delta per choice, then the usage output once every
// choice has finished.
func (s *sequence) advance() []engine.Output {
	out := engine.Output{RequestID: s.req.ID, Deltas: make([]engine.Delta, len(s.choices))}
	maxTokens := s.req.Config.MaxTokens
	for i := range s.choices {
		c := &s.choices[i]
		if c.finish != "" {
			continue
		}
		var d engine.Delta
		if c.pos < s.limit {
			d.TokenIDs = []int32{s.reply[c.pos]}
			c.pos++
		}
		switch {
		case c.pos >= s.limit:
			c.finish = "stop"
		case maxTokens > 0 && c.pos >= maxTokens:
			c.finish = "length"
		}
		d.FinishReason = c.finish
		out.Deltas[i] = d
	}
	outs := []engine.Output{out}
	if s.allFinished() {
		s.done = true
		outs = append(outs, engine.Output{RequestID: s.req.ID, Usage: &engine.Usage{
			PromptTokens:     s.promptTokens,
			CompletionTokens: s.completionTokens(),
		}})
	}
	return outs
}

// fail ends every choice with reason "error" and closes the stream.
func (s *sequence) fail(msg string) []engine.Output {
	s.done = true
	deltas := make([]engine.Delta, len(s.choices))
	for i := range deltas {
		deltas[i] = engine.Delta{FinishReason: "error"}
	}
	deltas[0].Text = msg
	return []engine.Output{
		{RequestID: s.req.ID, Deltas: deltas},
		{RequestID: s.req.ID, Usage: &engine.Usage{PromptTokens: s.promptTokens, CompletionTokens: s.completionTokens()}},
	}
}

func (s *sequence) allFinished() bool {
	for _, c := range s.choices {
		if c.finish == "" {
			return false
		}
	}
	return true
}

func (s *sequence) finished() bool { return s.done }

func (s *sequence) completionTokens() int {
	n := 0
	for _, c := range s.choices {
		n += c.pos
	}
	return n
}
