package bridge

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"chatbridge/internal/conv"
	"chatbridge/internal/engine"
	"chatbridge/pkg/types"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// buildGenerationConfig resolves req against the engine defaults and the
// active template. It does not validate ranges; see validateGenerationConfig.
func buildGenerationConfig(req *types.ChatCompletionRequest, defaults engine.GenerationConfig, tmpl *conv.Template, seed func() int64) (engine.GenerationConfig, error) {
	cfg := defaults
	cfg.LogitBias = nil
	if req.N != nil {
		cfg.N = *req.N
	}
	if req.Temperature != nil {
		cfg.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		cfg.TopP = *req.TopP
	}
	if req.FrequencyPenalty != nil {
		cfg.FrequencyPenalty = *req.FrequencyPenalty
	}
	if req.PresencePenalty != nil {
		cfg.PresencePenalty = *req.PresencePenalty
	}
	if req.RepetitionPenalty != nil {
		cfg.RepetitionPenalty = *req.RepetitionPenalty
	}
	if req.MaxTokens != nil {
		cfg.MaxTokens = *req.MaxTokens
	}
	if req.Logprobs != nil {
		cfg.Logprobs = *req.Logprobs
	}
	if req.TopLogprobs != nil {
		cfg.TopLogprobs = *req.TopLogprobs
	}
	if len(req.LogitBias) > 0 {
		cfg.LogitBias = make(map[int32]float64, len(req.LogitBias))
		for k, v := range req.LogitBias {
			id, err := strconv.ParseInt(k, 10, 32)
			if err != nil || id < 0 {
				return cfg, validationError("INVALID_LOGIT_BIAS", fmt.Sprintf("logit_bias: token id %q is not a non-negative integer", k))
			}
			cfg.LogitBias[int32(id)] = v
		}
	} else if len(defaults.LogitBias) > 0 {
		cfg.LogitBias = make(map[int32]float64, len(defaults.LogitBias))
		for k, v := range defaults.LogitBias {
			cfg.LogitBias[k] = v
		}
	}

	if req.Seed != nil {
		cfg.Seed = *req.Seed
	} else {
		cfg.Seed = seed()
	}

	cfg.StopStrs = make([]string, 0, len(tmpl.StopStr)+len(req.Stop))
	cfg.StopStrs = append(cfg.StopStrs, tmpl.StopStr...)
	cfg.StopStrs = append(cfg.StopStrs, req.Stop...)
	cfg.StopTokenIDs = append([]int32(nil), tmpl.StopTokenIDs...)

	if req.ResponseFormat != nil {
		cfg.ResponseFormat = engine.ResponseFormat{Type: req.ResponseFormat.Type, Schema: req.ResponseFormat.Schema}
	}
	if cfg.ResponseFormat.Type == "" {
		cfg.ResponseFormat.Type = "text"
	}
	if req.DebugConfig != nil {
		cfg.Debug = engine.DebugConfig{
			SpecialRequest:     req.DebugConfig.SpecialRequest,
			IgnoreEOS:          req.DebugConfig.IgnoreEOS,
			PinnedSystemPrompt: req.DebugConfig.PinnedSystemPrompt,
		}
	}
	return cfg, nil
}

// validateGenerationConfig checks field ranges and the rules that span
// several fields.
func validateGenerationConfig(cfg engine.GenerationConfig) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return validationError("INVALID_PARAMS", describeFieldError(verrs[0]))
		}
		return newError(KindValidation, "INVALID_PARAMS", "invalid generation config", err)
	}
	if cfg.TopLogprobs > 0 && !cfg.Logprobs {
		return validationError("INVALID_PARAMS", "top_logprobs requires logprobs to be true")
	}
	if cfg.ResponseFormat.Schema != "" && cfg.ResponseFormat.Type != "json_object" {
		return validationError("INVALID_PARAMS", `response_format.schema is only allowed with type "json_object"`)
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "GenerationConfig.")
	switch fe.Tag() {
	case "gte":
		return fmt.Sprintf("%s must be >= %s, got %v", field, fe.Param(), fe.Value())
	case "lte":
		return fmt.Sprintf("%s must be <= %s, got %v", field, fe.Param(), fe.Value())
	case "gt":
		return fmt.Sprintf("%s must be > %s, got %v", field, fe.Param(), fe.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", field, fe.Param(), fe.Value())
	case "eq=-1|gt=0":
		return fmt.Sprintf("%s must be -1 or positive, got %v", field, fe.Value())
	}
	return fmt.Sprintf("%s failed %q, got %v", field, fe.Tag(), fe.Value())
}

// validateRequest checks the request fields that are required before any
// translation happens.
func validateRequest(req *types.ChatCompletionRequest, kind requestKind) error {
	if _, ok := kind.(chatKind); ok && len(req.Messages) == 0 {
		return validationError("MESSAGES_REQUIRED", "messages is required")
	}
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return validationError("INVALID_FORMAT", fmt.Sprintf("%s is required", strings.TrimPrefix(fe.Namespace(), "ChatCompletionRequest.")))
		}
		return newError(KindValidation, "INVALID_FORMAT", "invalid request", err)
	}
	return nil
}
