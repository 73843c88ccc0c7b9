package crafterr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindClassifiesWrappedErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"upstream", fmt.Errorf("stage outline: %w", &UpstreamError{Op: "generate_text", Err: context.DeadlineExceeded}), "upstream"},
		{"validation", &ValidationError{Schema: "review", Attempts: 2, Err: errors.New("bad")}, "validation"},
		{"schema", &SchemaError{Field: "bogus", Reason: "unknown field"}, "schema"},
		{"precondition", &PreconditionError{Stage: "finalize", Field: "final"}, "precondition"},
		{"config", fmt.Errorf("resolve: %w", &ConfigError{Key: "model", Reason: "unknown model \"x\""}), "config"},
		{"other", errors.New("boom"), "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Kind(tc.err))
		})
	}
}

func TestUpstreamErrorUnwraps(t *testing.T) {
	err := &UpstreamError{Op: "generate_text", Err: context.Canceled}
	require.ErrorIs(t, err, context.Canceled)
	require.Contains(t, err.Error(), "generate_text")
}

func TestValidationErrorMessage(t *testing.T) {
	cause := errors.New("missing property 'advice'")
	err := &ValidationError{Schema: "review", Attempts: 2, Raw: "{}", Err: cause}
	require.ErrorIs(t, err, cause)
	require.Equal(t, "validation of review failed after 2 attempt(s): missing property 'advice'", err.Error())
}
