package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	TypeSum       = "sum"
	TypeCountdown = "countdown"
)

// Sum adds input["values"], a list of numbers.
func Sum(_ context.Context, input map[string]any) (map[string]any, error) {
	raw, ok := input["values"]
	if !ok {
		return nil, &ValidationError{Type: TypeSum, Reason: "values is required"}
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, &ValidationError{Type: TypeSum, Reason: "values must be a list of numbers"}
	}

	var total float64
	parts := make([]string, 0, len(list))
	for i, v := range list {
		n, ok := toFloat(v)
		if !ok {
			return nil, &ValidationError{
				Type:   TypeSum,
				Reason: fmt.Sprintf("values[%d] is not a number: %v", i, v),
			}
		}
		total += n
		parts = append(parts, formatNumber(n))
	}

	return map[string]any{
		"result":  total,
		"message": fmt.Sprintf("Sum of numbers %s is %s", strings.Join(parts, ","), formatNumber(total)),
	}, nil
}

// Countdown blocks for input["seconds"] seconds, or until ctx is done.
func Countdown(ctx context.Context, input map[string]any) (map[string]any, error) {
	raw, ok := input["seconds"]
	if !ok {
		return nil, &ValidationError{Type: TypeCountdown, Reason: "seconds is required"}
	}
	seconds, ok := toInt(raw)
	if !ok {
		return nil, &ValidationError{Type: TypeCountdown, Reason: fmt.Sprintf("seconds must be an integer, got %v", raw)}
	}
	if seconds < 0 {
		return nil, &ValidationError{Type: TypeCountdown, Reason: "seconds must be positive"}
	}
	if seconds > maxCountdownSeconds {
		return nil, &ValidationError{Type: TypeCountdown,
			Reason: fmt.Sprintf("seconds must be at most %d", maxCountdownSeconds)}
	}

	timer := time.NewTimer(time.Duration(seconds) * time.Second)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, fmt.Errorf("countdown interrupted: %w", ctx.Err())
	}

	return map[string]any{"message": "Countdown finished"}, nil
}

// toFloat accepts the numeric types JSON decoding can produce.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// maxCountdownSeconds is the largest wait a time.Duration can hold.
const maxCountdownSeconds = math.MaxInt64 / int64(time.Second)

// toInt truncates numbers and parses numeric strings. Floats outside the
// int64 range are rejected rather than converted.
func toInt(v any) (int64, bool) {
	if s, ok := v.(string); ok {
		i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		return i, err == nil
	}
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) || f < math.MinInt64 || f >= -math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
