package httpapi

import (
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"chatbridge/internal/registry"
)

var (
	engineBaseMu sync.RWMutex
	engineBase   = "{}"
)

// SetEngineConfigBase sets the engine config JSON that /admin/reload starts
// from when the request names only a model id.
func SetEngineConfigBase(raw string) {
	engineBaseMu.Lock()
	defer engineBaseMu.Unlock()
	if raw == "" || !gjson.Valid(raw) {
		engineBase = "{}"
		return
	}
	engineBase = raw
}

type notFoundError struct{ msg string }

func (e notFoundError) Error() string   { return e.msg }
func (e notFoundError) StatusCode() int { return http.StatusNotFound }

// buildEngineConfig turns a reload body into an engine config JSON string.
// Accepted shapes: {"model":"<id>"}, {"engine_config":{...}} or both, in
// which case the id fills in a missing engine_config.model.
func buildEngineConfig(body []byte, svc Service) (string, error) {
	if len(body) == 0 {
		return "", errors.New("reload body is required")
	}
	if !gjson.ValidBytes(body) {
		return "", errors.New("invalid JSON body")
	}
	res := gjson.GetManyBytes(body, "model", "engine_config")
	id, ec := res[0].String(), res[1]

	cfg := ""
	switch {
	case ec.Exists() && !ec.IsObject():
		return "", errors.New("engine_config must be an object")
	case ec.Exists():
		cfg = ec.Raw
	default:
		engineBaseMu.RLock()
		cfg = engineBase
		engineBaseMu.RUnlock()
	}
	if gjson.Get(cfg, "model").String() != "" {
		return cfg, nil
	}
	if id == "" {
		return "", errors.New("model is required")
	}
	m, ok := registry.Find(svc.ListModels(), id)
	if !ok {
		return "", notFoundError{msg: "model not found: " + id}
	}
	return sjson.Set(cfg, "model", m.Path)
}

// handleReload godoc
// @Summary      Reload the engine
// @Description  Loads a model package. The body names a model id from /v1/models, an engine_config object, or both.
// @Tags         admin
// @Accept       json
// @Produce      json
// @Success      200  {object}  types.BridgeStatus
// @Failure      400  {object}  types.ErrorResponse
// @Failure      404  {object}  types.ErrorResponse
// @Failure      422  {object}  types.ErrorResponse
// @Failure      502  {object}  types.ErrorResponse
// @Router       /admin/reload [post]
func handleReload(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		cfg, err := buildEngineConfig(body, svc)
		if err != nil {
			var he HTTPError
			if errors.As(err, &he) {
				writeJSONError(w, he.StatusCode(), he.Error())
				return
			}
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := svc.Reload(cfg); err != nil {
			zlog.Error().Err(err).Msg("reload failed")
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, svc.Status())
	}
}

// handleUnload godoc
// @Summary  Unload the model
// @Tags     admin
// @Success  204
// @Failure  502  {object}  types.ErrorResponse
// @Router   /admin/unload [post]
func handleUnload(svc Service) http.HandlerFunc {
	return adminAction("unload", svc.Unload)
}

// handleReset godoc
// @Summary  Reset the engine
// @Tags     admin
// @Success  204
// @Failure  502  {object}  types.ErrorResponse
// @Router   /admin/reset [post]
func handleReset(svc Service) http.HandlerFunc {
	return adminAction("reset", svc.Reset)
}

func adminAction(name string, fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(); err != nil {
			zlog.Error().Err(err).Str("action", name).Msg("admin action failed")
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
		zlog.Info().Str("action", name).Msg("admin action")
		w.WriteHeader(http.StatusNoContent)
	}
}
