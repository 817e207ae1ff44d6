// Package llama runs chat requests on llama.cpp through go-llama.cpp. The
// real engine is compiled only with the 'llama' build tag; default builds
// get a stub whose New fails with a dependency-unavailable error.
package llama

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"chatbridge/internal/common/fsutil"
	"chatbridge/internal/engine"
)

// Options configure the llama.cpp engine.
type Options struct {
	Logger zerolog.Logger
	// ContextSize is the llama.cpp context length; 0 uses the model config.
	ContextSize int
	// Threads used for prediction; 0 means runtime.NumCPU.
	Threads int
	// TopK is passed through to the sampler when positive.
	TopK int
}

// weightsExt is the file extension looked for when the engine config names
// no model_lib.
const weightsExt = ".gguf"

// resolveWeights returns the weights file of a model package. model_lib may
// be absolute or relative to the package directory.
func resolveWeights(cfg engine.Config) (string, error) {
	if lib := strings.TrimSpace(cfg.ModelLib); lib != "" {
		if !filepath.IsAbs(lib) {
			lib = filepath.Join(cfg.Model, lib)
		}
		if _, err := os.Stat(lib); err != nil {
			return "", engine.ErrInvalidConfig("model_lib: " + err.Error())
		}
		return lib, nil
	}
	w, err := fsutil.FirstWithExt(cfg.Model, weightsExt)
	if err != nil {
		return "", engine.ErrInvalidConfig("model: " + err.Error())
	}
	if w == "" {
		return "", engine.ErrInvalidConfig("no " + weightsExt + " weights in " + cfg.Model)
	}
	return w, nil
}
