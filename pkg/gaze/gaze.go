// Package gaze defines the per-frame tracking types shared by the harness.
package gaze

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TrackingState is the adapter-reported availability of a gaze estimate.
type TrackingState int

const (
	Unknown TrackingState = iota
	Success
	FaceMissing
	LowConfidence
)

// Vendor integer codes as delivered by the SDK's gaze callback.
const (
	vendorSuccess       = 0
	vendorLowConfidence = 1
	vendorUnsupported   = 2
	vendorFaceMissing   = 3
)

var stateNames = map[TrackingState]string{
	Unknown:       "UNKNOWN",
	Success:       "SUCCESS",
	FaceMissing:   "FACE_MISSING",
	LowConfidence: "LOW_CONFIDENCE",
}

// String returns the enum name.
func (s TrackingState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// MarshalJSON encodes the state as its name.
func (s TrackingState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts either the name or a vendor integer code.
func (s *TrackingState) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("gaze: tracking state: %w", err)
	}
	*s = ParseTrackingState(raw)
	return nil
}

// ParseTrackingState maps a vendor code or name to a TrackingState.
// Anything unrecognised is Unknown.
func ParseTrackingState(v any) TrackingState {
	switch val := v.(type) {
	case TrackingState:
		return val
	case int:
		return fromVendorCode(val)
	case int64:
		return fromVendorCode(int(val))
	case float64:
		if val == float64(int(val)) {
			return fromVendorCode(int(val))
		}
	case string:
		switch strings.ToUpper(strings.TrimSpace(val)) {
		case "SUCCESS":
			return Success
		case "FACE_MISSING":
			return FaceMissing
		case "LOW_CONFIDENCE":
			return LowConfidence
		}
	}
	return Unknown
}

func fromVendorCode(code int) TrackingState {
	switch code {
	case vendorSuccess:
		return Success
	case vendorLowConfidence:
		return LowConfidence
	case vendorFaceMissing:
		return FaceMissing
	case vendorUnsupported:
		return Unknown
	}
	return Unknown
}

// Point is a screen position in CSS pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Sample is one gaze event. Only the latest sample is ever retained.
type Sample struct {
	X     float64       `json:"x"`
	Y     float64       `json:"y"`
	State TrackingState `json:"state"`
	At    time.Time     `json:"at"`
}

// Point returns the sample position.
func (s Sample) Point() Point {
	return Point{X: s.X, Y: s.Y}
}
