package processor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kiranshivaraju/taskrunner/internal/processor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry_Types(t *testing.T) {
	r := processor.NewDefaultRegistry()
	assert.Equal(t, []string{"countdown", "sum"}, r.Types())
	assert.True(t, r.Has("sum"))
	assert.False(t, r.Has("multiply"))
}

func TestResolve_Unknown(t *testing.T) {
	r := processor.NewDefaultRegistry()

	h, err := r.Resolve("multiply")
	require.Error(t, err)
	assert.Nil(t, h)
	assert.True(t, errors.Is(err, processor.ErrUnknownType))
	assert.Contains(t, err.Error(), "multiply")
}

func TestRegister_NewTypeIsResolvable(t *testing.T) {
	r := processor.NewRegistry()
	r.Register("echo", func(_ context.Context, input map[string]any) (map[string]any, error) {
		return input, nil
	})

	h, err := r.Resolve("echo")
	require.NoError(t, err)

	out, err := h(context.Background(), map[string]any{"a": "b"})
	require.NoError(t, err)
	assert.Equal(t, "b", out["a"])
	assert.Equal(t, []string{"echo"}, r.Types())
}

func TestSum(t *testing.T) {
	out, err := processor.Sum(context.Background(), map[string]any{
		"values": []any{float64(1), float64(2), float64(3)},
	})
	require.NoError(t, err)
	assert.Equal(t, float64(6), out["result"])
	assert.Equal(t, "Sum of numbers 1,2,3 is 6", out["message"])
}

func TestSum_Fractions(t *testing.T) {
	out, err := processor.Sum(context.Background(), map[string]any{
		"values": []any{1.5, 2, 0.25},
	})
	require.NoError(t, err)
	assert.Equal(t, 3.75, out["result"])
}

func TestSum_EmptyList(t *testing.T) {
	out, err := processor.Sum(context.Background(), map[string]any{"values": []any{}})
	require.NoError(t, err)
	assert.Equal(t, float64(0), out["result"])
}

func TestSum_InvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		input  map[string]any
		reason string
	}{
		{"missing values", map[string]any{}, "values is required"},
		{"not a list", map[string]any{"values": "1,2,3"}, "must be a list"},
		{"non-numeric element", map[string]any{"values": []any{1.0, "two"}}, "values[1]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := processor.Sum(context.Background(), tt.input)
			require.Error(t, err)

			var ve *processor.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, "sum", ve.Type)
			assert.Contains(t, err.Error(), tt.reason)
		})
	}
}

func TestCountdown_Zero(t *testing.T) {
	out, err := processor.Countdown(context.Background(), map[string]any{"seconds": float64(0)})
	require.NoError(t, err)
	assert.Equal(t, "Countdown finished", out["message"])
}

func TestCountdown_NumericString(t *testing.T) {
	_, err := processor.Countdown(context.Background(), map[string]any{"seconds": "0"})
	require.NoError(t, err)
}

func TestCountdown_Negative(t *testing.T) {
	_, err := processor.Countdown(context.Background(), map[string]any{"seconds": float64(-1)})
	require.Error(t, err)

	var ve *processor.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Contains(t, err.Error(), "positive")
}

func TestCountdown_HugeValuesRejected(t *testing.T) {
	tests := []struct {
		name    string
		seconds any
		reason  string
	}{
		{"beyond duration range", float64(1e10), "at most"},
		{"beyond int64 range", float64(1e20), "must be an integer"},
		{"below int64 range", float64(-1e20), "must be an integer"},
		{"numeric string", "99999999999", "at most"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
			defer cancel()

			out, err := processor.Countdown(ctx, map[string]any{"seconds": tt.seconds})
			require.Error(t, err)
			assert.Nil(t, out)

			var ve *processor.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Contains(t, err.Error(), tt.reason)
			assert.NotContains(t, err.Error(), "positive")
		})
	}
}

func TestCountdown_Missing(t *testing.T) {
	_, err := processor.Countdown(context.Background(), map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seconds is required")
}

func TestCountdown_NotANumber(t *testing.T) {
	_, err := processor.Countdown(context.Background(), map[string]any{"seconds": "soon"})
	require.Error(t, err)

	var ve *processor.ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestCountdown_StopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := processor.Countdown(ctx, map[string]any{"seconds": float64(3600)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
