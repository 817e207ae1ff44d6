// Package engine defines the contract between the bridge and an
// asynchronous inference engine, plus the request and output types that
// cross it.
package engine

import (
	"context"
	"strings"

	"github.com/goccy/go-json"
)

// Engine is an asynchronous inference service. AddRequest is fire-and-forget;
// output is delivered later through the OutputFunc bound in InitEngine, on
// the goroutine running RunBackgroundStreamBackLoop.
type Engine interface {
	// InitEngine binds the engine to a device and installs the sole output callback.
	InitEngine(device string, cb OutputFunc) error
	// Reload (re)loads the engine from a JSON engine config.
	Reload(engineConfigJSON string) error
	Unload() error
	// Reset drops all in-flight requests and clears statistics.
	Reset() error
	AddRequest(req Request) error
	// AbortRequest is best-effort; output already produced may still arrive.
	AbortRequest(requestID string) error
	RunBackgroundLoop(ctx context.Context) error
	RunBackgroundStreamBackLoop(ctx context.Context) error
	// ExitBackgroundLoop makes both loops drain and return.
	ExitBackgroundLoop()
	GetDefaultGenerationConfig() GenerationConfig
	GetCompleteEngineConfig() Config
}

// OutputFunc receives one batch of engine output.
type OutputFunc func(batch []Output)

// Data is one prompt input segment: TextData or TokenData.
type Data interface {
	isData()
}

// TextData is raw prompt text that the engine tokenizes itself.
type TextData struct {
	Text string
}

// TokenData is an already tokenized prompt segment.
type TokenData struct {
	TokenIDs []int32
}

func (TextData) isData()  {}
func (TokenData) isData() {}

// Request is the native unit submitted to the engine.
type Request struct {
	ID     string
	Inputs []Data
	Config GenerationConfig
}

// Text concatenates all text segments of the request.
func (r Request) Text() string {
	var sb strings.Builder
	for _, in := range r.Inputs {
		if t, ok := in.(TextData); ok {
			sb.WriteString(t.Text)
		}
	}
	return sb.String()
}

// Delta is the new output of one choice in one step. Engines that detokenize
// internally fill Text; others fill TokenIDs.
type Delta struct {
	TokenIDs     []int32
	Text         string
	FinishReason string
}

// Usage is the engine's token accounting for a finished request.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Output is the engine output for one request in one batch. A non-nil Usage
// marks the end of the request's stream.
type Output struct {
	RequestID string
	Deltas    []Delta
	Usage     *Usage
}

// Config is the complete engine configuration.
type Config struct {
	Model                  string `json:"model"`
	ModelLib               string `json:"model_lib,omitempty"`
	Device                 string `json:"device,omitempty"`
	Mode                   string `json:"mode,omitempty"`
	MaxNumSequence         int    `json:"max_num_sequence,omitempty"`
	MaxTotalSequenceLength int    `json:"max_total_sequence_length,omitempty"`
	PrefillChunkSize       int    `json:"prefill_chunk_size,omitempty"`
}

// Defaults applied by ParseConfig when fields are unset.
const (
	defaultMode           = "interactive"
	defaultMaxNumSequence = 4
)

// ParseConfig decodes an engine config document and applies defaults.
func ParseConfig(s string) (Config, error) {
	var cfg Config
	if strings.TrimSpace(s) == "" {
		return cfg, ErrInvalidConfig("empty engine config")
	}
	if err := json.Unmarshal([]byte(s), &cfg); err != nil {
		return cfg, ErrInvalidConfig("engine config: " + err.Error())
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return cfg, ErrInvalidConfig(`engine config: "model" is required`)
	}
	if cfg.Mode == "" {
		cfg.Mode = defaultMode
	}
	if cfg.MaxNumSequence <= 0 {
		cfg.MaxNumSequence = defaultMaxNumSequence
	}
	return cfg, nil
}

// String renders the config as JSON.
func (c Config) String() string {
	b, err := json.Marshal(c)
	if err != nil {
		return "{}"
	}
	return string(b)
}
