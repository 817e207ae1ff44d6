// Package conv loads model package configuration and renders conversation
// templates into engine prompt inputs.
package conv

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"chatbridge/internal/engine"
)

// ConfigFileName is the model configuration file inside a model package.
const ConfigFileName = "chat-config.json"

// ModelConfig is the parsed chat-config.json. Generation defaults are
// pointers so that absent fields fall back to engine-wide defaults.
type ModelConfig struct {
	ModelType         string   `json:"model_type"`
	ContextWindowSize int      `json:"context_window_size"`
	VocabSize         int      `json:"vocab_size"`
	Temperature       *float64 `json:"temperature"`
	TopP              *float64 `json:"top_p"`
	FrequencyPenalty  *float64 `json:"frequency_penalty"`
	PresencePenalty   *float64 `json:"presence_penalty"`
	RepetitionPenalty *float64 `json:"repetition_penalty"`
	MaxTokens         *int     `json:"max_tokens"`
	ConvTemplate      Template `json:"conv_template"`
}

// LoadModelConfig reads chat-config.json from a model package directory.
func LoadModelConfig(modelPath string) (map[string]any, error) {
	p := filepath.Join(modelPath, ConfigFileName)
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read model config: %w", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%s: expected a JSON object", p)
	}
	return raw, nil
}

// ParseModelConfig validates the structure of a loaded model config and
// decodes it. Errors name the offending field.
func ParseModelConfig(raw map[string]any) (ModelConfig, error) {
	var mc ModelConfig
	b, err := json.Marshal(raw)
	if err != nil {
		return mc, fmt.Errorf("model config: %w", err)
	}
	ct := gjson.GetBytes(b, "conv_template")
	if !ct.Exists() {
		return mc, fmt.Errorf(`model config: missing "conv_template"`)
	}
	if !ct.IsObject() {
		return mc, fmt.Errorf(`model config: "conv_template" must be an object, got %s`, ct.Type)
	}
	roles := ct.Get("roles")
	if !roles.IsObject() {
		return mc, fmt.Errorf(`model config: conv_template.roles must be an object`)
	}
	for _, r := range []string{RoleUser, RoleAssistant} {
		if !roles.Get(r).Exists() {
			return mc, fmt.Errorf(`model config: conv_template.roles: missing %q`, r)
		}
	}
	if seps := ct.Get("seps"); !seps.IsArray() || len(seps.Array()) == 0 {
		return mc, fmt.Errorf(`model config: conv_template.seps must be a non-empty array`)
	}
	if err := json.Unmarshal(b, &mc); err != nil {
		return mc, fmt.Errorf("model config: %w", err)
	}
	return mc, nil
}

// GenerationDefaults resolves the package's generation defaults on top of
// engine.DefaultGenerationConfig.
func (mc ModelConfig) GenerationDefaults() engine.GenerationConfig {
	cfg := engine.DefaultGenerationConfig()
	if mc.Temperature != nil {
		cfg.Temperature = *mc.Temperature
	}
	if mc.TopP != nil {
		cfg.TopP = *mc.TopP
	}
	if mc.FrequencyPenalty != nil {
		cfg.FrequencyPenalty = *mc.FrequencyPenalty
	}
	if mc.PresencePenalty != nil {
		cfg.PresencePenalty = *mc.PresencePenalty
	}
	if mc.RepetitionPenalty != nil {
		cfg.RepetitionPenalty = *mc.RepetitionPenalty
	}
	if mc.MaxTokens != nil && *mc.MaxTokens > 0 {
		cfg.MaxTokens = *mc.MaxTokens
	}
	return cfg
}

// Load reads and parses the model config of a package in one step.
func Load(modelPath string) (ModelConfig, error) {
	raw, err := LoadModelConfig(modelPath)
	if err != nil {
		return ModelConfig{}, err
	}
	return ParseModelConfig(raw)
}
