package bridge

import (
	"chatbridge/internal/conv"
	"chatbridge/internal/engine"
	"chatbridge/pkg/types"
)

// requestKind is decided once when a request is parsed.
type requestKind interface {
	isRequestKind()
}

// chatKind is an ordinary chat completion.
type chatKind struct{}

// controlKind carries a debug directive the engine interprets itself.
type controlKind struct {
	directive string
}

func (chatKind) isRequestKind()    {}
func (controlKind) isRequestKind() {}

func classify(req *types.ChatCompletionRequest) requestKind {
	if d := req.SpecialRequest(); d != "" {
		return controlKind{directive: d}
	}
	return chatKind{}
}

// buildInputs produces the engine prompt inputs for a request. Control
// requests have no inputs; template errors are returned unchanged inside a
// translation error.
func buildInputs(kind requestKind, req *types.ChatCompletionRequest, tmpl *conv.Template) ([]engine.Data, error) {
	switch kind.(type) {
	case controlKind:
		return nil, nil
	default:
		inputs, err := tmpl.Prompt(req.Messages)
		if err != nil {
			return nil, newError(KindTranslation, "PROMPT_FAILED", "", err)
		}
		return inputs, nil
	}
}
