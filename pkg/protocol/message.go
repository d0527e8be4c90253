// Package protocol defines the WebSocket messages exchanged with the SDK page
// (/ws/sdk) and the dashboard (/ws/ui). Every message is a {type, ts, data}
// envelope.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Harness → page messages
	TypeCommand MessageType = "command" // SDK or camera command

	// Page → harness messages
	TypeHello  MessageType = "hello"  // Page loaded, vendor SDK version
	TypeResult MessageType = "result" // Reply to a command
	TypeEvent  MessageType = "event"  // Vendor callback fired
	TypeFrame  MessageType = "frame"  // Camera preview frame

	// Harness → dashboard messages
	TypeStatus   MessageType = "status"   // Status line text
	TypePill     MessageType = "pill"     // Status pill update
	TypeTarget   MessageType = "target"   // Calibration target dot
	TypeGaze     MessageType = "gaze"     // Gaze dot
	TypeSnapshot MessageType = "snapshot" // Session heartbeat
	TypeLog      MessageType = "log"      // Diagnostics record

	// Dashboard → harness messages
	TypePainted MessageType = "painted" // A display frame has been presented

	// Bidirectional
	TypePing MessageType = "ping" // Health check
	TypePong MessageType = "pong" // Health check response
)

// Message is the base wrapper for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("failed to parse message: missing type")
	}
	return &msg, nil
}

// =============================================================================
// Harness ↔ Page Message Types
// =============================================================================

// Camera commands understood by the page besides the SDK commands.
const (
	CommandAcquireCamera = "acquire_camera"
	CommandReleaseCamera = "release_camera"
)

// CommandData asks the page to run a vendor SDK or camera command
type CommandData struct {
	ID   string            `json:"id"`   // Correlates the result
	Name string            `json:"name"` // e.g. "start_calibration"
	Args []json.RawMessage `json:"args,omitempty"`
}

// ResultData answers a CommandData
type ResultData struct {
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Code  int             `json:"code,omitempty"`  // Vendor error code (initialize)
	Value json.RawMessage `json:"value,omitempty"` // Command return value
	Error string          `json:"error,omitempty"` // Exception message when the vendor threw
	Name  string          `json:"name,omitempty"`  // Exception name, e.g. "NotAllowedError"
}

// HelloData is sent by the page once it has loaded the vendor SDK
type HelloData struct {
	SDKVersion string `json:"sdk_version,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	Origin     string `json:"origin,omitempty"`
}

// Event kinds carried by EventData.
const (
	EventGaze      = "gaze"
	EventNextPoint = "next_point"
	EventProgress  = "progress"
	EventFinish    = "finish"
	EventDebug     = "debug"
)

// EventData is one vendor callback invocation
type EventData struct {
	Kind          string          `json:"kind"`
	X             float64         `json:"x,omitempty"`
	Y             float64         `json:"y,omitempty"`
	Timestamp     int64           `json:"timestamp,omitempty"`
	TrackingState json.RawMessage `json:"trackingState,omitempty"` // Vendor code or enum name
	Value         json.RawMessage `json:"value,omitempty"`         // Progress, finish or debug payload
}

// FrameData contains a camera preview frame
type FrameData struct {
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Format  string `json:"format"` // "jpeg"
	Data    string `json:"data"`   // base64 encoded
	FrameID uint64 `json:"frame_id,omitempty"`
}

// CameraSettings are the actual capture settings reported by the page
type CameraSettings struct {
	StreamID  string  `json:"stream_id"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	FrameRate float64 `json:"frame_rate"`
	Facing    string  `json:"facing,omitempty"`
	Label     string  `json:"label,omitempty"`
}

// =============================================================================
// Harness ↔ Dashboard Message Types
// =============================================================================

// StatusData is the status line
type StatusData struct {
	Text string `json:"text"`
}

// PillData updates one status pill
type PillData struct {
	Name  string `json:"name"`  // "sdk", "perm", "track", "cal"
	Value string `json:"value"` // e.g. "running 42%"
}

// DotData positions the target or gaze dot in viewport coordinates
type DotData struct {
	Visible bool    `json:"visible"`
	X       float64 `json:"x,omitempty"`
	Y       float64 `json:"y,omitempty"`
	Seq     uint64  `json:"seq,omitempty"` // Target changes only; echoed by PaintedData.Frame
}

// PaintedData acknowledges that a display frame was presented
type PaintedData struct {
	Frame uint64 `json:"frame"`
}

// =============================================================================
// Bidirectional Message Types
// =============================================================================

// PingData contains ping information
type PingData struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
}

// PongData contains pong response
type PongData struct {
	ID        string `json:"id"`
	PingTS    int64  `json:"ping_ts"`
	PongTS    int64  `json:"pong_ts"`
	LatencyMs int64  `json:"latency_ms"`
}
