package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatbridge/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Submit(requestJSON, requestID string) error
	Abort(requestID string) error
	Reload(engineConfigJSON string) error
	Unload() error
	Reset() error
	Ready() bool
	Status() types.BridgeStatus
	ListModels() []types.Model
}

// NewMux wires the HTTP routes. hub must be the sink the service delivers
// its stream output to.
func NewMux(svc Service, hub *Hub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   orDefault(corsAllowedOrigins, []string{"*"}),
			AllowedMethods:   orDefault(corsAllowedMethods, []string{"GET", "POST", "DELETE", "OPTIONS"}),
			AllowedHeaders:   orDefault(corsAllowedHeaders, []string{"Authorization", "Content-Type", "X-Log-Level"}),
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(requireAuth)
		r.Get("/models", handleModels(svc))
		r.Post("/chat/completions", handleChatCompletions(svc, hub))
		r.Delete("/chat/completions/{id}", handleAbort(svc))
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(requireAuth)
		r.Post("/reload", handleReload(svc))
		r.Post("/unload", handleUnload(svc))
		r.Post("/reset", handleReset(svc))
	})

	r.Get("/status", handleStatus(svc))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}

// handleModels godoc
// @Summary   List model packages
// @Tags      models
// @Produce   json
// @Success   200  {object}  types.ModelsResponse
// @Router    /v1/models [get]
func handleModels(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models := svc.ListModels()
		if models == nil {
			models = []types.Model{}
		}
		writeJSON(w, types.ModelsResponse{Object: "list", Data: models})
	}
}

// handleStatus godoc
// @Summary   Bridge status
// @Tags      status
// @Produce   json
// @Success   200  {object}  types.BridgeStatus
// @Router    /status [get]
func handleStatus(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.Status())
	}
}
