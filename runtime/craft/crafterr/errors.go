// Package crafterr defines the error taxonomy shared by the craft pipeline.
// Every kind propagates unmodified from the stage that raised it up to the
// caller of the executor, so callers classify failures with errors.As or the
// Is* helpers below rather than by inspecting messages.
package crafterr

import (
	"errors"
	"fmt"
)

type (
	// UpstreamError reports a transport or timeout failure talking to the text
	// generator. The wrapped error is usually a *model.ProviderError.
	UpstreamError struct {
		// Op names the generator operation that failed ("generate_text",
		// "generate_structured").
		Op string
		// Err is the underlying failure.
		Err error
	}

	// ValidationError reports a structured response that still failed to
	// parse or validate after the retry budget was exhausted.
	ValidationError struct {
		// Schema is the name of the schema the response was checked against.
		Schema string
		// Attempts is the number of upstream calls that were made.
		Attempts int
		// Raw is the last raw text returned by the generator.
		Raw string
		// Err is the last parse or validation failure.
		Err error
	}

	// SchemaError reports an update that references an unknown RunState field
	// or carries a value of the wrong type. It is a programming error.
	SchemaError struct {
		Field  string
		Reason string
	}

	// PreconditionError reports a stage that needed a RunState field which is
	// absent.
	PreconditionError struct {
		Stage string
		Field string
	}

	// ConfigError reports a request that cannot start because its
	// configuration is invalid, such as an unknown model name.
	ConfigError struct {
		Key    string
		Reason string
	}
)

// Error implements error.
func (e *UpstreamError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("upstream: %v", e.Err)
	}
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *UpstreamError) Unwrap() error { return e.Err }

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation of %s failed after %d attempt(s): %v", e.Schema, e.Attempts, e.Err)
}

// Unwrap returns the last parse or validation failure.
func (e *ValidationError) Unwrap() error { return e.Err }

// Error implements error.
func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema: field %q: %s", e.Field, e.Reason)
}

// Error implements error.
func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition: stage %q requires field %q", e.Stage, e.Field)
}

// Error implements error.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Key, e.Reason)
}

// IsUpstream reports whether err wraps an UpstreamError.
func IsUpstream(err error) bool {
	var target *UpstreamError
	return errors.As(err, &target)
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsSchema reports whether err wraps a SchemaError.
func IsSchema(err error) bool {
	var target *SchemaError
	return errors.As(err, &target)
}

// IsPrecondition reports whether err wraps a PreconditionError.
func IsPrecondition(err error) bool {
	var target *PreconditionError
	return errors.As(err, &target)
}

// IsConfig reports whether err wraps a ConfigError.
func IsConfig(err error) bool {
	var target *ConfigError
	return errors.As(err, &target)
}

// Kind returns a short label for err suitable for logs, metrics and the
// error frame sent to stream consumers.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		return "validation"
	case IsUpstream(err):
		return "upstream"
	case IsSchema(err):
		return "schema"
	case IsPrecondition(err):
		return "precondition"
	case IsConfig(err):
		return "config"
	default:
		return "internal"
	}
}
