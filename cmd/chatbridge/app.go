package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/errgroup"

	"chatbridge/internal/bridge"
	"chatbridge/internal/config"
	"chatbridge/internal/engine"
	"chatbridge/internal/engine/llama"
	"chatbridge/internal/engine/sim"
	"chatbridge/internal/registry"
	"chatbridge/pkg/types"
)

// engineOptions carry engine tuning that only exists as flags.
type engineOptions struct {
	threads     int
	contextSize int
	topK        int
}

// app is the bridge plus the model registry; it is what the HTTP layer serves.
type app struct {
	*bridge.Bridge
	log       zerolog.Logger
	modelsDir string

	mu     sync.Mutex
	models []types.Model
}

func newEngine(cfg config.Config, eo engineOptions, log zerolog.Logger) (engine.Engine, error) {
	elog := log.With().Str("component", "engine").Str("engine", cfg.Engine).Logger()
	switch cfg.Engine {
	case "sim":
		return sim.New(sim.Options{Logger: elog}), nil
	case "llama":
		return llama.New(llama.Options{Logger: elog, Threads: eo.threads, ContextSize: eo.contextSize, TopK: eo.topK})
	}
	return nil, fmt.Errorf("unknown engine %q (want sim or llama)", cfg.Engine)
}

func newApp(cfg config.Config, eo engineOptions, log zerolog.Logger, sink bridge.Sink, reg prometheus.Registerer) (*app, error) {
	eng, err := newEngine(cfg, eo, log)
	if err != nil {
		return nil, err
	}
	b := bridge.New(eng,
		bridge.WithLogger(log.With().Str("component", "bridge").Logger()),
		bridge.WithQueueSize(cfg.QueueSize),
		bridge.WithRegisterer(reg),
	)
	if err := b.Initialize(cfg.Device, sink); err != nil {
		return nil, err
	}
	return &app{Bridge: b, log: log, modelsDir: cfg.ModelsDir}, nil
}

// run drives the engine loops until ctx ends.
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.RunBackgroundLoop(gctx) })
	g.Go(func() error { return a.RunBackgroundStreamBackLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		a.ExitBackgroundLoop()
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ListModels rescans the models directory. On a scan error the last good
// listing is returned.
func (a *app) ListModels() []types.Model {
	models, err := registry.LoadDir(a.modelsDir)
	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.log.Warn().Err(err).Str("dir", a.modelsDir).Msg("scan models")
		return append([]types.Model(nil), a.models...)
	}
	a.models = models
	return append([]types.Model(nil), models...)
}

// engineConfigBase is the engine config every reload starts from.
func engineConfigBase(cfg config.Config) string {
	doc := "{}"
	doc, _ = sjson.Set(doc, "device", cfg.Device)
	if cfg.MaxNumSequence > 0 {
		doc, _ = sjson.Set(doc, "max_num_sequence", cfg.MaxNumSequence)
	}
	return doc
}

// reloadModel loads the package with the given registry id.
func (a *app) reloadModel(cfg config.Config, id string) error {
	m, ok := registry.Find(a.ListModels(), id)
	if !ok {
		return fmt.Errorf("model %q not found in %s", id, a.modelsDir)
	}
	return a.reloadPath(cfg, m.Path)
}

func (a *app) reloadPath(cfg config.Config, path string) error {
	ec, err := sjson.Set(engineConfigBase(cfg), "model", path)
	if err != nil {
		return err
	}
	return a.Reload(ec)
}
