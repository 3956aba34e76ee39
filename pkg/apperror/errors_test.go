package apperror

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "plain graph error",
			err:      NewGraphError("rec_graph", "missing required field: nodes"),
			expected: "[GraphError] missing required field: nodes",
		},
		{
			name:     "node error includes nickname",
			err:      NewNodeError("rec_graph", "amplifier", "duplicate nickname"),
			expected: "[NodeError] duplicate nickname (node: amplifier)",
		},
		{
			name:     "booter error includes machine",
			err:      NewBooterError("rig1", "rec_graph", "node crashed", CodeNodeError),
			expected: "[BooterError] node crashed (machine: rig1)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewRedisError("could not reach store").Wrap(cause)

	assert.Equal(t, cause, errors.Unwrap(err))
	assert.True(t, errors.Is(err, cause))
}

func TestNewBooterError_CarriesSourceCode(t *testing.T) {
	err := NewBooterError("rig1", "rec_graph", "make failed", CodeCommandError)

	assert.Equal(t, CodeBooterError, err.Code)
	assert.Equal(t, CodeCommandError, err.Details["source_code"])
}

func TestNewDerivativeError_CarriesOutput(t *testing.T) {
	err := NewDerivativeError("exportNWB", "rec_graph", "export failed", "stdout text", "stderr text")

	require.Equal(t, CodeDerivativeError, err.Code)
	assert.Equal(t, "stdout text", err.Details["stdout"])
	assert.Equal(t, "stderr text", err.Details["stderr"])
}

func TestIs(t *testing.T) {
	err := NewGraphError("rec_graph", "bad graph")
	assert.True(t, Is(err, CodeGraphError))
	assert.False(t, Is(err, CodeNodeError))
	assert.False(t, Is(errors.New("plain"), CodeGraphError))
}

func TestCode_DefaultsToUnhandled(t *testing.T) {
	assert.Equal(t, CodeUnhandled, Code(errors.New("plain")))
	assert.Equal(t, CodeRedisError, Code(NewRedisError("down")))
}

func TestClassify(t *testing.T) {
	t.Run("nil passes through", func(t *testing.T) {
		assert.Nil(t, Classify(nil))
	})

	t.Run("already classified is returned as-is", func(t *testing.T) {
		src := NewCommandError("make", "exit 1", "stderr output")
		got := Classify(src)
		assert.Same(t, src, got)
	})

	t.Run("plain error becomes Unhandled", func(t *testing.T) {
		got := Classify(errors.New("boom"))
		assert.Equal(t, CodeUnhandled, got.Code)
		assert.Equal(t, "boom", got.Message)
	})
}

func TestSeverity_String(t *testing.T) {
	assert.Equal(t, "warning", SeverityWarning.String())
	assert.Equal(t, "error", SeverityError.String())
	assert.Equal(t, "critical", SeverityCritical.String())
}

func TestError_WithSeverityAndDetail(t *testing.T) {
	err := NewGraphError("rec_graph", "hash mismatch").
		WithSeverity(SeverityWarning).
		WithDetail("expected", "abc123").
		WithDetail("actual", "def456")

	assert.Equal(t, SeverityWarning, err.Severity)
	assert.True(t, IsWarning(err))
	assert.Equal(t, "abc123", err.Details["expected"])
}

func TestValidationErrors(t *testing.T) {
	v := NewValidationErrors()
	assert.True(t, v.IsValid())

	v.Add(NewGraphError("g", "bad field"))
	v.Add(NewNodeError("g", "n1", "dup").WithSeverity(SeverityWarning))

	assert.True(t, v.HasErrors())
	assert.True(t, v.HasWarnings())
	assert.False(t, v.IsValid())
	assert.Len(t, v.ErrorMessages(), 1)
	assert.Len(t, v.WarningMessages(), 1)

	other := NewValidationErrors()
	other.Add(NewRedisError("down"))
	v.Merge(other)
	assert.Len(t, v.Errors, 2)
}
