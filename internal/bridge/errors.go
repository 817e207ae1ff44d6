package bridge

import "errors"

// Kind classifies bridge errors.
type Kind string

const (
	// KindValidation marks malformed or out-of-range request fields.
	KindValidation Kind = "validation"
	// KindTranslation marks prompt construction failures.
	KindTranslation Kind = "translation"
	// KindConfigLoad marks a malformed model package during Reload.
	KindConfigLoad Kind = "config_load"
	// KindModelNotLoaded marks requests that arrive before a successful Reload.
	KindModelNotLoaded Kind = "model_not_loaded"
	// KindEngine marks errors returned by the engine itself.
	KindEngine Kind = "engine"
)

// Error is the error type returned by the bridge.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Cause.Error()
	}
	return e.Message + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(kind Kind, code, msg string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Cause: cause}
}

func validationError(code, msg string) *Error {
	return newError(KindValidation, code, msg, nil)
}

func kindOf(err error) (Kind, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return "", false
}

// IsValidation reports whether err rejected a request for bad fields.
func IsValidation(err error) bool { k, ok := kindOf(err); return ok && k == KindValidation }

// IsTranslation reports whether err came from prompt construction.
func IsTranslation(err error) bool { k, ok := kindOf(err); return ok && k == KindTranslation }

// IsConfigLoad reports whether err is a Reload failure caused by the model package.
func IsConfigLoad(err error) bool { k, ok := kindOf(err); return ok && k == KindConfigLoad }

// IsModelNotLoaded reports whether err was caused by a missing model.
func IsModelNotLoaded(err error) bool { k, ok := kindOf(err); return ok && k == KindModelNotLoaded }

// IsEngine reports whether err was returned by the engine.
func IsEngine(err error) bool { k, ok := kindOf(err); return ok && k == KindEngine }
