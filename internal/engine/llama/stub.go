//go:build !llama

package llama

import "chatbridge/internal/engine"

// New fails fast: llama.cpp support is not part of this build.
func New(opts Options) (engine.Engine, error) {
	return nil, engine.ErrDependencyUnavailable("llama support not built (missing 'llama' build tag)")
}
