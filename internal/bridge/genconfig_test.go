package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbridge/internal/conv"
	"chatbridge/internal/engine"
	"chatbridge/pkg/types"
)

func fixedSeed() int64 { return 7 }

func ptr[T any](v T) *T { return &v }

func TestBuildGenerationConfigKeepsDefaults(t *testing.T) {
	defaults := engine.DefaultGenerationConfig()
	defaults.LogitBias = map[int32]float64{5: 1}
	tmpl := &conv.Template{StopStr: []string{"</s>"}, StopTokenIDs: []int32{2}}

	cfg, err := buildGenerationConfig(&types.ChatCompletionRequest{}, defaults, tmpl, fixedSeed)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.N)
	assert.Equal(t, -1, cfg.MaxTokens)
	assert.Equal(t, int64(7), cfg.Seed)
	assert.Equal(t, map[int32]float64{5: 1}, cfg.LogitBias)
	assert.Equal(t, []string{"</s>"}, cfg.StopStrs)
	assert.Equal(t, []int32{2}, cfg.StopTokenIDs)
	assert.Equal(t, "text", cfg.ResponseFormat.Type)

	// defaults must not be aliased
	cfg.LogitBias[5] = 9
	cfg.StopTokenIDs[0] = 99
	assert.Equal(t, 1.0, defaults.LogitBias[5])
	assert.Equal(t, int32(2), tmpl.StopTokenIDs[0])
}

func TestBuildGenerationConfigExplicitSeed(t *testing.T) {
	cfg, err := buildGenerationConfig(&types.ChatCompletionRequest{Seed: ptr(int64(0))},
		engine.DefaultGenerationConfig(), &conv.Template{}, fixedSeed)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cfg.Seed)
}

func TestBuildGenerationConfigRejectsBadLogitBiasKey(t *testing.T) {
	for _, key := range []string{"abc", "-1", "99999999999"} {
		req := &types.ChatCompletionRequest{LogitBias: map[string]float64{key: 1}}
		_, err := buildGenerationConfig(req, engine.DefaultGenerationConfig(), &conv.Template{}, fixedSeed)
		require.Error(t, err, key)
		assert.True(t, IsValidation(err), key)
	}
}

func TestValidateGenerationConfig(t *testing.T) {
	ok := engine.DefaultGenerationConfig()
	require.NoError(t, validateGenerationConfig(ok))

	cases := []struct {
		name  string
		mut   func(*engine.GenerationConfig)
		field string
	}{
		{"n", func(c *engine.GenerationConfig) { c.N = 0 }, "n"},
		{"n above limit", func(c *engine.GenerationConfig) { c.N = engine.MaxChoices + 1 }, "n must be <= 128"},
		{"top_p zero", func(c *engine.GenerationConfig) { c.TopP = 0 }, "top_p"},
		{"top_p above one", func(c *engine.GenerationConfig) { c.TopP = 1.5 }, "top_p"},
		{"frequency", func(c *engine.GenerationConfig) { c.FrequencyPenalty = 2.5 }, "frequency_penalty"},
		{"presence", func(c *engine.GenerationConfig) { c.PresencePenalty = -3 }, "presence_penalty"},
		{"repetition", func(c *engine.GenerationConfig) { c.RepetitionPenalty = 0 }, "repetition_penalty"},
		{"top_logprobs", func(c *engine.GenerationConfig) { c.Logprobs = true; c.TopLogprobs = 21 }, "top_logprobs"},
		{"max_tokens", func(c *engine.GenerationConfig) { c.MaxTokens = -2 }, "max_tokens"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := engine.DefaultGenerationConfig()
			tc.mut(&cfg)
			err := validateGenerationConfig(cfg)
			require.Error(t, err)
			assert.True(t, IsValidation(err))
			assert.Contains(t, err.Error(), tc.field)
		})
	}
}

func TestValidateGenerationConfigBoundaries(t *testing.T) {
	cfg := engine.DefaultGenerationConfig()
	cfg.Temperature = 0
	cfg.TopP = 1
	cfg.FrequencyPenalty = -2
	cfg.PresencePenalty = 2
	cfg.Logprobs = true
	cfg.TopLogprobs = 20
	cfg.LogitBias = map[int32]float64{1: -100, 2: 100}
	cfg.MaxTokens = 1
	cfg.N = engine.MaxChoices
	cfg.ResponseFormat = engine.ResponseFormat{Type: "json_object", Schema: `{"type":"object"}`}
	assert.NoError(t, validateGenerationConfig(cfg))
}

func TestValidateRequest(t *testing.T) {
	req := &types.ChatCompletionRequest{}
	err := validateRequest(req, chatKind{})
	require.Error(t, err)
	assert.Equal(t, "messages is required", err.Error())

	assert.NoError(t, validateRequest(req, controlKind{directive: "query_engine_metrics"}))

	req.Messages = []types.ChatMessage{{Role: "user"}, {Content: "x"}}
	err = validateRequest(req, chatKind{})
	require.Error(t, err)
	assert.Equal(t, "messages[1].role is required", err.Error())
}

func TestClassify(t *testing.T) {
	assert.Equal(t, chatKind{}, classify(&types.ChatCompletionRequest{}))
	assert.Equal(t, chatKind{}, classify(&types.ChatCompletionRequest{DebugConfig: &types.DebugConfig{SpecialRequest: "none"}}))
	assert.Equal(t, controlKind{directive: "x"}, classify(&types.ChatCompletionRequest{DebugConfig: &types.DebugConfig{SpecialRequest: "x"}}))
}
