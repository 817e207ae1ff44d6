// Package bridge sits between a JSON chat-completion client and an
// asynchronous inference engine. It validates and translates requests,
// tracks per-request stream state, and turns engine output into ordered
// JSON chunks delivered to a sink.
//
// Every request that reaches the sink ends with exactly one object that
// carries usage and no choices.
package bridge

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"chatbridge/internal/conv"
	"chatbridge/internal/engine"
	"chatbridge/internal/tokenizer"
	"chatbridge/pkg/types"
)

// loadedModel is everything Reload builds; it is replaced as a whole.
type loadedModel struct {
	name     string
	path     string
	cfg      conv.ModelConfig
	tok      *tokenizer.Tokenizer
	defaults engine.GenerationConfig
	loadedAt time.Time
}

// Bridge is the request lifecycle controller.
type Bridge struct {
	eng         engine.Engine
	log         zerolog.Logger
	events      EventPublisher
	reg         prometheus.Registerer
	metrics     *metrics
	fingerprint string
	seed        func() int64
	queueSize   int

	mu     sync.RWMutex
	model  *loadedModel
	sink   Sink
	device string

	states   *stateTable
	queue    chan queueItem
	quit     chan struct{}
	quitOnce sync.Once
	started  time.Time

	submitted atomic.Uint64
	rejected  atomic.Uint64
	aborted   atomic.Uint64
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the structured logger.
func WithLogger(l zerolog.Logger) Option { return func(b *Bridge) { b.log = l } }

// WithEventPublisher sets the event publisher.
func WithEventPublisher(p EventPublisher) Option {
	return func(b *Bridge) {
		if p != nil {
			b.events = p
		}
	}
}

// WithRegisterer registers bridge metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option { return func(b *Bridge) { b.reg = reg } }

// WithQueueSize bounds the number of output batches waiting for translation.
func WithQueueSize(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithSeedSource replaces the random source used for requests without a seed.
func WithSeedSource(fn func() int64) Option { return func(b *Bridge) { b.seed = fn } }

// WithSystemFingerprint sets the system_fingerprint echoed in responses.
func WithSystemFingerprint(s string) Option {
	return func(b *Bridge) {
		if s != "" {
			b.fingerprint = s
		}
	}
}

// New creates a bridge in front of eng. Call Initialize and Reload before
// submitting requests.
func New(eng engine.Engine, opts ...Option) *Bridge {
	b := &Bridge{
		eng:         eng,
		log:         zerolog.Nop(),
		events:      noopPublisher{},
		fingerprint: defaultFingerprint,
		seed:        rand.Int64,
		queueSize:   defaultQueueSize,
		states:      newStateTable(),
		quit:        make(chan struct{}),
		started:     time.Now(),
	}
	for _, o := range opts {
		o(b)
	}
	b.queue = make(chan queueItem, b.queueSize)
	b.metrics = newMetrics(b.reg)
	return b
}

// Initialize binds the engine to device and installs the bridge as its only
// output callback. Translated chunks go to sink.
func (b *Bridge) Initialize(device string, sink Sink) error {
	if sink == nil {
		return errors.New("bridge: nil sink")
	}
	b.mu.Lock()
	b.sink = sink
	b.device = device
	b.mu.Unlock()
	if err := b.eng.InitEngine(device, b.onEngineOutput); err != nil {
		return newError(KindEngine, "ENGINE_INIT_FAILED", "init engine", err)
	}
	b.log.Info().Str("device", device).Msg("engine initialized")
	return nil
}

// Submit admits a request. On failure nothing reaches the engine, no state
// is kept, an error stream for requestID is sent through the sink, and the
// error is returned.
func (b *Bridge) Submit(requestJSON, requestID string) error {
	if requestID == "" {
		return validationError("REQUEST_ID_REQUIRED", "request id is required")
	}
	b.mu.RLock()
	lm := b.model
	b.mu.RUnlock()
	if lm == nil {
		return b.reject(requestID, "", newError(KindModelNotLoaded, "MODEL_NOT_LOADED", "model not loaded", nil))
	}

	var req types.ChatCompletionRequest
	if err := json.Unmarshal([]byte(requestJSON), &req); err != nil {
		return b.reject(requestID, lm.name, newError(KindValidation, "INVALID_JSON", "invalid request JSON", err))
	}
	model := req.Model
	if model == "" {
		model = lm.name
	}
	kind := classify(&req)
	if err := validateRequest(&req, kind); err != nil {
		return b.reject(requestID, model, err)
	}
	cfg, err := buildGenerationConfig(&req, lm.defaults, &lm.cfg.ConvTemplate, b.seed)
	if err != nil {
		return b.reject(requestID, model, err)
	}
	if err := validateGenerationConfig(cfg); err != nil {
		return b.reject(requestID, model, err)
	}
	inputs, err := buildInputs(kind, &req, &lm.cfg.ConvTemplate)
	if err != nil {
		return b.reject(requestID, model, err)
	}

	st := &requestState{model: model, streamers: make([]*tokenizer.TextStreamer, cfg.N)}
	for i := range st.streamers {
		st.streamers[i] = lm.tok.NewStreamer()
	}
	st.promptTokens = estimatePromptTokens(lm.tok, inputs)
	if !b.states.insert(requestID, st) {
		// The live stream for this id must not receive an error stream.
		err := validationError("DUPLICATE_REQUEST_ID", "request id already in flight: "+requestID)
		b.rejected.Add(1)
		b.metrics.requests.WithLabelValues("duplicate").Inc()
		return err
	}
	b.metrics.inflight.Inc()

	if err := b.eng.AddRequest(engine.Request{ID: requestID, Inputs: inputs, Config: cfg}); err != nil {
		if _, ok := b.states.remove(requestID); ok {
			b.metrics.inflight.Dec()
		}
		return b.reject(requestID, model, newError(KindEngine, "ENGINE_REJECTED", "engine rejected request", err))
	}

	b.submitted.Add(1)
	b.metrics.requests.WithLabelValues("admitted").Inc()
	fields := map[string]any{"model": model, "n": cfg.N}
	if c, ok := kind.(controlKind); ok {
		fields["special_request"] = c.directive
	}
	b.events.Publish(Event{Name: EventAdmitted, RequestID: requestID, Fields: fields})
	b.log.Debug().Str("request_id", requestID).Str("model", model).Int("n", cfg.N).Msg("request admitted")
	return nil
}

func (b *Bridge) reject(id, model string, err error) error {
	b.rejected.Add(1)
	b.metrics.requests.WithLabelValues("rejected").Inc()
	b.events.Publish(Event{Name: EventRejected, RequestID: id, Fields: map[string]any{"error": err.Error()}})
	b.log.Info().Str("request_id", id).Err(err).Msg("request rejected")
	b.enqueue(queueItem{responses: b.errorStream(id, model, err.Error())})
	return err
}

func estimatePromptTokens(tok *tokenizer.Tokenizer, inputs []engine.Data) int {
	n := 0
	for _, in := range inputs {
		switch d := in.(type) {
		case engine.TokenData:
			n += len(d.TokenIDs)
		case engine.TextData:
			n += len(tok.Encode(d.Text))
		}
	}
	return n
}

// Abort cancels requestID in the engine and forgets its state. If the request
// was still live, the bridge closes its stream with a usage object counting
// what was generated so far. Unknown ids are a no-op. Must not be called
// from the sink.
func (b *Bridge) Abort(requestID string) error {
	if err := b.eng.AbortRequest(requestID); err != nil {
		b.log.Debug().Str("request_id", requestID).Err(err).Msg("engine abort")
	}
	snap, ok := b.states.remove(requestID)
	if !ok {
		return nil
	}
	b.aborted.Add(1)
	b.metrics.inflight.Dec()
	b.metrics.aborts.Inc()
	u := types.Usage{
		PromptTokens:     snap.promptTokens,
		CompletionTokens: snap.completionTokens,
		TotalTokens:      snap.promptTokens + snap.completionTokens,
	}
	b.enqueue(queueItem{responses: []types.StreamResponse{b.usageResponse(requestID, snap.model, u)}})
	b.events.Publish(Event{Name: EventAborted, RequestID: requestID})
	b.log.Debug().Str("request_id", requestID).Msg("request aborted")
	return nil
}

// Reload loads the model package named by the engine config and reloads the
// engine. The new template, model config, tokenizer and defaults replace the
// old ones only if everything succeeds.
func (b *Bridge) Reload(engineConfigJSON string) error {
	ec, err := engine.ParseConfig(engineConfigJSON)
	if err != nil {
		return newError(KindConfigLoad, "ENGINE_CONFIG_INVALID", "reload", err)
	}
	lm, err := loadModel(ec.Model)
	if err != nil {
		return err
	}
	b.mu.RLock()
	prev := b.model
	b.mu.RUnlock()
	prevCfg := b.eng.GetCompleteEngineConfig()
	if err := b.eng.Reload(engineConfigJSON); err != nil {
		return newError(KindEngine, "ENGINE_RELOAD_FAILED", "reload engine", err)
	}
	if p := b.eng.GetCompleteEngineConfig().Model; p != "" && p != ec.Model {
		if lm, err = loadModel(p); err != nil {
			b.restoreEngine(prev != nil, prevCfg)
			return err
		}
	}
	lm.defaults = b.eng.GetDefaultGenerationConfig()
	if lm.defaults.N == 0 {
		lm.defaults = lm.cfg.GenerationDefaults()
	}

	b.mu.Lock()
	b.model = lm
	b.mu.Unlock()
	b.events.Publish(Event{Name: EventReloaded, Fields: map[string]any{"model": lm.name, "path": lm.path}})
	b.log.Info().Str("model", lm.name).Str("path", lm.path).Msg("model reloaded")
	return nil
}

// restoreEngine puts the engine back on the model the bridge still serves,
// or unloads it when there was none.
func (b *Bridge) restoreEngine(loaded bool, cfg engine.Config) {
	if !loaded || cfg.Model == "" {
		if err := b.eng.Unload(); err != nil {
			b.log.Error().Err(err).Msg("unload after failed reload")
		}
		return
	}
	raw, err := json.Marshal(cfg)
	if err == nil {
		err = b.eng.Reload(string(raw))
	}
	if err != nil {
		b.log.Error().Err(err).Str("path", cfg.Model).Msg("restore engine after failed reload")
	}
}

func loadModel(path string) (*loadedModel, error) {
	raw, err := conv.LoadModelConfig(path)
	if err != nil {
		return nil, newError(KindConfigLoad, "CONFIG_LOAD_FAILED", "load model config", err)
	}
	mc, err := conv.ParseModelConfig(raw)
	if err != nil {
		return nil, newError(KindConfigLoad, "CONFIG_INVALID", "parse model config", err)
	}
	tok, err := tokenizer.FromDir(path)
	if err != nil {
		return nil, newError(KindConfigLoad, "TOKENIZER_LOAD_FAILED", "load tokenizer", err)
	}
	return &loadedModel{
		name:     filepath.Base(filepath.Clean(path)),
		path:     path,
		cfg:      mc,
		tok:      tok,
		loadedAt: time.Now(),
	}, nil
}

// Unload unloads the engine model. Requests are rejected until the next
// successful Reload.
func (b *Bridge) Unload() error {
	if err := b.eng.Unload(); err != nil {
		return newError(KindEngine, "ENGINE_UNLOAD_FAILED", "unload engine", err)
	}
	b.mu.Lock()
	b.model = nil
	b.mu.Unlock()
	b.events.Publish(Event{Name: EventUnloaded})
	return nil
}

// Reset resets the engine. Requests the engine dropped are aborted so their
// streams still terminate.
func (b *Bridge) Reset() error {
	if err := b.eng.Reset(); err != nil {
		return newError(KindEngine, "ENGINE_RESET_FAILED", "reset engine", err)
	}
	for _, id := range b.states.ids() {
		_ = b.Abort(id)
	}
	b.events.Publish(Event{Name: EventReset})
	return nil
}

// RunBackgroundLoop runs the engine's execution loop until ctx ends or
// ExitBackgroundLoop is called.
func (b *Bridge) RunBackgroundLoop(ctx context.Context) error {
	return b.eng.RunBackgroundLoop(ctx)
}

// RunBackgroundStreamBackLoop runs the engine's stream-back loop together
// with the bridge goroutine that translates output and calls the sink.
func (b *Bridge) RunBackgroundStreamBackLoop(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	upstream := make(chan struct{})
	g.Go(func() error {
		defer close(upstream)
		return b.eng.RunBackgroundStreamBackLoop(gctx)
	})
	g.Go(func() error {
		return b.streamBackLoop(gctx, upstream)
	})
	return g.Wait()
}

// ExitBackgroundLoop stops the engine loops; the stream-back goroutine
// drains and returns once the engine's stream-back loop has stopped.
func (b *Bridge) ExitBackgroundLoop() {
	b.eng.ExitBackgroundLoop()
	b.quitOnce.Do(func() { close(b.quit) })
}

// Ready reports whether a model is loaded.
func (b *Bridge) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.model != nil
}

// Inflight returns the number of requests with live stream state.
func (b *Bridge) Inflight() int { return b.states.len() }

func (b *Bridge) modelName() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.model == nil {
		return ""
	}
	return b.model.name
}

// Status summarizes the bridge for operators.
func (b *Bridge) Status() types.BridgeStatus {
	b.mu.RLock()
	lm, device := b.model, b.device
	b.mu.RUnlock()
	now := time.Now()
	st := types.BridgeStatus{
		State:          "unloaded",
		Device:         device,
		Inflight:       b.states.len(),
		QueueLen:       len(b.queue),
		QueueCap:       cap(b.queue),
		UptimeSeconds:  int64(now.Sub(b.started).Seconds()),
		ServerTimeUnix: now.Unix(),
		SubmittedTotal: b.submitted.Load(),
		RejectedTotal:  b.rejected.Load(),
		AbortedTotal:   b.aborted.Load(),
	}
	if lm != nil {
		st.State = "ready"
		st.Model = lm.name
		st.ModelPath = lm.path
		st.LoadedAtUnix = lm.loadedAt.Unix()
	}
	return st
}
