package engine

// ResponseFormat constrains generated output.
type ResponseFormat struct {
	Type   string `json:"type" validate:"oneof=text json_object"`
	Schema string `json:"schema,omitempty"`
}

// DebugConfig is forwarded to the engine untouched.
type DebugConfig struct {
	SpecialRequest     string `json:"special_request,omitempty"`
	IgnoreEOS          bool   `json:"ignore_eos,omitempty"`
	PinnedSystemPrompt bool   `json:"pinned_system_prompt,omitempty"`
}

// GenerationConfig is the fully resolved sampling and stopping configuration
// of one request. The validate tags express per-field ranges; cross-field
// rules are checked by the bridge.
type GenerationConfig struct {
	N                 int               `json:"n" validate:"gte=1,lte=128"`
	Temperature       float64           `json:"temperature" validate:"gte=0"`
	TopP              float64           `json:"top_p" validate:"gt=0,lte=1"`
	FrequencyPenalty  float64           `json:"frequency_penalty" validate:"gte=-2,lte=2"`
	PresencePenalty   float64           `json:"presence_penalty" validate:"gte=-2,lte=2"`
	RepetitionPenalty float64           `json:"repetition_penalty" validate:"gt=0"`
	Logprobs          bool              `json:"logprobs"`
	TopLogprobs       int               `json:"top_logprobs" validate:"gte=0,lte=20"`
	LogitBias         map[int32]float64 `json:"logit_bias,omitempty" validate:"dive,gte=-100,lte=100"`
	Seed              int64             `json:"seed"`
	// MaxTokens of -1 means unbounded.
	MaxTokens      int            `json:"max_tokens" validate:"eq=-1|gt=0"`
	StopStrs       []string       `json:"stop_strs,omitempty"`
	StopTokenIDs   []int32        `json:"stop_token_ids,omitempty"`
	ResponseFormat ResponseFormat `json:"response_format"`
	Debug          DebugConfig    `json:"debug_config"`
}

// MaxChoices bounds GenerationConfig.N.
const MaxChoices = 128

// DefaultGenerationConfig is used when a model package carries no defaults.
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		N:                 1,
		Temperature:       1.0,
		TopP:              1.0,
		RepetitionPenalty: 1.0,
		MaxTokens:         -1,
		ResponseFormat:    ResponseFormat{Type: "text"},
	}
}
