package engine

// invalidConfigError reports a malformed engine config document.
type invalidConfigError struct{ msg string }

func (e invalidConfigError) Error() string { return e.msg }

// ErrInvalidConfig constructs an invalidConfigError.
func ErrInvalidConfig(msg string) error { return invalidConfigError{msg: msg} }

// IsInvalidConfig reports whether err is a malformed engine config.
func IsInvalidConfig(err error) bool {
	_, ok := err.(invalidConfigError)
	return ok
}

// notLoadedError is returned when a request arrives before Reload succeeded.
type notLoadedError struct{}

func (notLoadedError) Error() string { return "engine: no model loaded" }

// ErrNotLoaded is returned by engines asked to work without a model.
var ErrNotLoaded error = notLoadedError{}

// IsNotLoaded reports whether err indicates that no model is loaded.
func IsNotLoaded(err error) bool {
	_, ok := err.(notLoadedError)
	return ok
}

// duplicateRequestError signals an id that is already in flight.
type duplicateRequestError struct{ id string }

func (e duplicateRequestError) Error() string { return "engine: duplicate request id: " + e.id }

// ErrDuplicateRequest constructs a duplicateRequestError.
func ErrDuplicateRequest(id string) error { return duplicateRequestError{id: id} }

// IsDuplicateRequest reports whether err is a duplicate request id.
func IsDuplicateRequest(err error) bool {
	_, ok := err.(duplicateRequestError)
	return ok
}

// dependencyUnavailableError signals a backend that was not compiled in
// (e.g., llama.cpp without the build tag).
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing runtime dependency.
func IsDependencyUnavailable(err error) bool {
	_, ok := err.(dependencyUnavailableError)
	return ok
}
