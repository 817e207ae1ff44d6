package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"chatbridge/internal/common/fsutil"
	"chatbridge/internal/config"
	"chatbridge/internal/httpapi"
)

const shutdownGrace = 5 * time.Second

type serveFlags struct {
	addr         string
	modelsDir    string
	defaultModel string
	engine       string
	device       string
	authSecret   string
	corsOrigins  string
	engineOptions
}

func newServeCmd(root *rootOptions) *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Example: "  chatbridge serve --models-dir ~/models/chat --default-model tinyllama-chat\n" +
			"  chatbridge serve -c chatbridge.yaml --engine llama",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			f.apply(cmd, &cfg)
			return serve(cmd, cfg, f.engineOptions)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.addr, "addr", "", "HTTP listen address, e.g. :8080")
	fl.StringVar(&f.modelsDir, "models-dir", "", "Directory of model packages")
	fl.StringVar(&f.defaultModel, "default-model", "", "Model id loaded at startup")
	fl.StringVar(&f.engine, "engine", "", "Inference engine: sim|llama")
	fl.StringVar(&f.device, "device", "", "Engine device, e.g. cpu or cuda:0")
	fl.StringVar(&f.authSecret, "auth-secret", "", "HS256 secret; enables bearer auth on /v1 and /admin")
	fl.StringVar(&f.corsOrigins, "cors-origins", "", "Comma-separated allowed origins; enables CORS")
	fl.IntVar(&f.threads, "threads", 0, "llama: prediction threads (0 = all CPUs)")
	fl.IntVar(&f.contextSize, "ctx-size", 0, "llama: context size (0 = model default)")
	fl.IntVar(&f.topK, "top-k", 0, "llama: top-k sampling (0 = library default)")
	return cmd
}

// apply overrides cfg with the flags that were set explicitly.
func (f *serveFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	set := cmd.Flags().Changed
	if set("addr") {
		cfg.Addr = f.addr
	}
	if set("models-dir") {
		cfg.ModelsDir = f.modelsDir
	}
	if set("default-model") {
		cfg.DefaultModel = f.defaultModel
	}
	if set("engine") {
		cfg.Engine = f.engine
	}
	if set("device") {
		cfg.Device = f.device
	}
	if set("auth-secret") {
		cfg.AuthSecret = f.authSecret
	}
	if set("cors-origins") {
		cfg.CORS.Enabled = true
		cfg.CORS.AllowedOrigins = splitCSV(f.corsOrigins)
	}
}

func configureHTTP(cfg config.Config) {
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetRequestTimeout(cfg.RequestTimeout)
	httpapi.SetRateLimit(cfg.RateLimit, cfg.RateBurst)
	httpapi.SetAuthSecret(cfg.AuthSecret)
	httpapi.SetCORSOptions(cfg.CORS.Enabled, cfg.CORS.AllowedOrigins, cfg.CORS.AllowedMethods, cfg.CORS.AllowedHeaders)
	httpapi.SetEngineConfigBase(engineConfigBase(cfg))
	httpapi.SetDefaultLogLevel(cfg.LogLevel)
}

func serve(cmd *cobra.Command, cfg config.Config, eo engineOptions) error {
	log, closeLog, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpapi.SetLogger(log.With().Str("component", "http").Logger())
	httpapi.SetBaseContext(ctx)
	configureHTTP(cfg)

	hub := httpapi.NewHub()
	a, err := newApp(cfg, eo, log, hub.Deliver, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	if dir, err := fsutil.ExpandHome(cfg.ModelsDir); err != nil || !fsutil.PathExists(dir) {
		log.Warn().Str("dir", cfg.ModelsDir).Msg("models directory does not exist")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.run(gctx) })

	if cfg.DefaultModel != "" {
		if err := a.reloadModel(cfg, cfg.DefaultModel); err != nil {
			log.Error().Err(err).Str("model", cfg.DefaultModel).Msg("default model not loaded")
		}
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(a, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Str("models_dir", cfg.ModelsDir).Str("engine", cfg.Engine).Msg("chatbridge listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown")
		}
		return nil
	})
	err = g.Wait()
	log.Info().Msg("chatbridge stopped")
	return err
}
