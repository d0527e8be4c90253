// Package progress turns the calibration progress payloads of different SDK
// builds into one fraction.
package progress

import (
	"bytes"
	"encoding/json"
	"math"
)

// fieldOrder is probed in order on structured payloads.
var fieldOrder = []string{"progress", "ratio", "value"}

// Reporter is implemented by typed payloads that know their own progress.
type Reporter interface {
	Progress() float64
}

// Normalize extracts a progress fraction from raw.
//
// Numbers are returned as-is (Clamp01 is applied at display time). Objects
// are probed for "progress", "ratio" and "value", first numeric match wins.
// Everything else, including NaN and infinities, is 0.
func Normalize(raw any) float64 {
	if f, ok := number(raw); ok {
		return f
	}

	switch val := raw.(type) {
	case Reporter:
		return finite(val.Progress())
	case map[string]any:
		for _, key := range fieldOrder {
			if f, ok := number(val[key]); ok {
				return f
			}
		}
	case map[string]float64:
		for _, key := range fieldOrder {
			if f, ok := val[key]; ok {
				return finite(f)
			}
		}
	case json.RawMessage:
		return normalizeJSON(val)
	case []byte:
		return normalizeJSON(val)
	}
	return 0
}

func normalizeJSON(data []byte) float64 {
	var decoded any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return 0
	}
	return Normalize(decoded)
}

// number reports v as a float64 when it is a Go numeric kind.
func number(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, true
	}
	return f, true
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// Clamp01 limits f to [0,1].
func Clamp01(f float64) float64 {
	if f < 0 || math.IsNaN(f) {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Percent converts a fraction to a rounded, clamped display percentage.
func Percent(f float64) int {
	return int(math.Round(Clamp01(f) * 100))
}
