package types

import (
	"bytes"
	"errors"

	"github.com/goccy/go-json"
)

// ChatMessage is one turn of the conversation sent by the client.
type ChatMessage struct {
	// Author role: system, user or assistant.
	// example: user
	Role string `json:"role" validate:"required" example:"user"`
	// Text content of the message.
	// example: Write a haiku about the ocean.
	Content string `json:"content" example:"Write a haiku about the ocean."`
	// Optional participant name.
	Name string `json:"name,omitempty"`
}

// ResponseFormat constrains the shape of the generated output.
type ResponseFormat struct {
	// Either "text" or "json_object".
	// example: text
	Type string `json:"type" example:"text"`
	// Optional JSON schema; only valid with type "json_object".
	Schema string `json:"schema,omitempty"`
}

// DebugConfig carries engine debugging knobs.
type DebugConfig struct {
	// Control directive handled by the engine itself. Anything other than
	// "none" (or empty) skips prompt construction.
	// example: query_engine_metrics
	SpecialRequest string `json:"special_request,omitempty" example:"query_engine_metrics"`
	// Keep generating after an end-of-sequence token.
	IgnoreEOS bool `json:"ignore_eos,omitempty"`
	// Treat the system prompt as pinned in the prefix cache.
	PinnedSystemPrompt bool `json:"pinned_system_prompt,omitempty"`
}

// StreamOptions mirrors the OpenAI stream_options object.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// StopList accepts either a single string or an array of strings.
type StopList []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *StopList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*s = nil
		return nil
	}
	switch b[0] {
	case '"':
		var one string
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		*s = StopList{one}
		return nil
	case '[':
		var many []string
		if err := json.Unmarshal(b, &many); err != nil {
			return err
		}
		*s = many
		return nil
	}
	return errors.New("stop must be a string or an array of strings")
}

// ChatCompletionRequest is the client request accepted by the bridge.
// Optional numeric fields are pointers so that "absent" and zero differ.
type ChatCompletionRequest struct {
	// Model identifier echoed back in responses. Defaults to the loaded model.
	// example: tinyllama-chat
	Model string `json:"model,omitempty" example:"tinyllama-chat"`
	// Conversation so far. Required unless debug_config.special_request is set.
	Messages []ChatMessage `json:"messages" validate:"dive"`
	// Sampling temperature.
	// example: 0.7
	Temperature *float64 `json:"temperature,omitempty" example:"0.7"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP *float64 `json:"top_p,omitempty" example:"0.9"`
	// example: 0
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty" example:"0"`
	// example: 0
	PresencePenalty *float64 `json:"presence_penalty,omitempty" example:"0"`
	// Multiplicative repetition penalty.
	// example: 1.0
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty" example:"1.0"`
	// Random seed; a fresh one is drawn when omitted.
	// example: 42
	Seed *int64 `json:"seed,omitempty" example:"42"`
	// Maximum number of generated tokens per choice.
	// example: 128
	MaxTokens *int `json:"max_tokens,omitempty" example:"128"`
	// Number of choices to generate.
	// example: 1
	N *int `json:"n,omitempty" example:"1"`
	Logprobs    *bool `json:"logprobs,omitempty"`
	TopLogprobs *int  `json:"top_logprobs,omitempty"`
	// Token id (as a decimal string) to additive bias.
	LogitBias map[string]float64 `json:"logit_bias,omitempty"`
	// Extra stop strings, appended after the template's own.
	Stop           StopList        `json:"stop,omitempty" swaggertype:"array,string"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
	// Stream chunks as server-sent events.
	// example: true
	Stream        bool           `json:"stream,omitempty" example:"true"`
	StreamOptions *StreamOptions `json:"stream_options,omitempty"`
	DebugConfig   *DebugConfig   `json:"debug_config,omitempty"`
}

// SpecialRequest returns the control directive, or "" for ordinary chat requests.
func (r *ChatCompletionRequest) SpecialRequest() string {
	if r.DebugConfig == nil {
		return ""
	}
	if r.DebugConfig.SpecialRequest == "none" {
		return ""
	}
	return r.DebugConfig.SpecialRequest
}

// Delta is the incremental content of one choice.
type Delta struct {
	// example: assistant
	Role string `json:"role,omitempty" example:"assistant"`
	// example: Waves
	Content string `json:"content"`
}

// StreamChoice is one entry of a chunk's choices array.
type StreamChoice struct {
	Index int   `json:"index"`
	Delta Delta `json:"delta"`
	// Set on the last delta of a choice: stop, length or error.
	FinishReason *string `json:"finish_reason,omitempty"`
}

// Usage reports token accounting for a finished request.
type Usage struct {
	// example: 24
	PromptTokens int `json:"prompt_tokens" example:"24"`
	// example: 17
	CompletionTokens int `json:"completion_tokens" example:"17"`
	// example: 41
	TotalTokens int `json:"total_tokens" example:"41"`
}

// StreamResponse is one streamed chunk. A request's stream always ends with
// exactly one chunk carrying Usage and no choices.
type StreamResponse struct {
	// example: chatcmpl-1b4f
	ID string `json:"id" example:"chatcmpl-1b4f"`
	// example: chat.completion.chunk
	Object  string `json:"object,omitempty" example:"chat.completion.chunk"`
	Created int64  `json:"created,omitempty"`
	// example: tinyllama-chat
	Model             string         `json:"model" example:"tinyllama-chat"`
	SystemFingerprint string         `json:"system_fingerprint"`
	Choices           []StreamChoice `json:"choices"`
	Usage             *Usage         `json:"usage,omitempty"`
}

// Choice is a complete (non-streamed) choice.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatCompletionResponse is returned when the client did not ask for streaming.
type ChatCompletionResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	SystemFingerprint string   `json:"system_fingerprint"`
	Choices           []Choice `json:"choices"`
	Usage             Usage    `json:"usage"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}
