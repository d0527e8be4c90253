package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// =============================================================================
// Helper functions for creating messages
// =============================================================================

// NewCommandMessage creates a command message, JSON-encoding each argument
func NewCommandMessage(id, name string, args ...any) (*Message, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("command %s: arg %d: %w", name, i, err)
		}
		raw = append(raw, b)
	}
	return NewMessage(TypeCommand, CommandData{ID: id, Name: name, Args: raw})
}

// NewResultMessage creates a result message
func NewResultMessage(id string, ok bool, value any) (*Message, error) {
	res := ResultData{ID: id, OK: ok}
	if value != nil {
		b, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("result %s: %w", id, err)
		}
		res.Value = b
	}
	return NewMessage(TypeResult, res)
}

// NewFrameMessage creates a frame message from raw JPEG data
func NewFrameMessage(width, height int, jpegData []byte, frameID uint64) (*Message, error) {
	return NewMessage(TypeFrame, FrameData{
		Width:   width,
		Height:  height,
		Format:  "jpeg",
		Data:    base64.StdEncoding.EncodeToString(jpegData),
		FrameID: frameID,
	})
}

// NewStatusMessage creates a status line message
func NewStatusMessage(text string) (*Message, error) {
	return NewMessage(TypeStatus, StatusData{Text: text})
}

// NewPillMessage creates a pill update message
func NewPillMessage(name, value string) (*Message, error) {
	return NewMessage(TypePill, PillData{Name: name, Value: value})
}

// NewDotMessage creates a target or gaze dot message.
func NewDotMessage(t MessageType, x, y float64, visible bool) (*Message, error) {
	if t != TypeTarget && t != TypeGaze {
		return nil, fmt.Errorf("dot message: unexpected type %q", t)
	}
	d := DotData{Visible: visible}
	if visible {
		d.X, d.Y = x, y
	}
	return NewMessage(t, d)
}

// NewPingMessage creates a ping message
func NewPingMessage(id string) (*Message, error) {
	return NewMessage(TypePing, PingData{
		ID:        id,
		Timestamp: 0, // Will be set by NewMessage
	})
}

// NewPongMessage creates a pong response message
func NewPongMessage(id string, pingTS, pongTS int64) (*Message, error) {
	return NewMessage(TypePong, PongData{
		ID:        id,
		PingTS:    pingTS,
		PongTS:    pongTS,
		LatencyMs: pongTS - pingTS,
	})
}

// =============================================================================
// Helper functions for parsing messages
// =============================================================================

// GetCommandData extracts command data from a message
func (m *Message) GetCommandData() (*CommandData, error) {
	var data CommandData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetResultData extracts result data from a message
func (m *Message) GetResultData() (*ResultData, error) {
	var data ResultData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	if data.ID == "" {
		return nil, fmt.Errorf("result without id")
	}
	return &data, nil
}

// GetEventData extracts event data from a message
func (m *Message) GetEventData() (*EventData, error) {
	var data EventData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetHelloData extracts hello data from a message
func (m *Message) GetHelloData() (*HelloData, error) {
	var data HelloData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetFrameData extracts frame data from a message
func (m *Message) GetFrameData() (*FrameData, error) {
	var data FrameData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// DecodeFrameData decodes the base64 image data
func (f *FrameData) DecodeFrameData() ([]byte, error) {
	return base64.StdEncoding.DecodeString(f.Data)
}

// GetPaintedData extracts a painted acknowledgement from a message
func (m *Message) GetPaintedData() (*PaintedData, error) {
	var data PaintedData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPingData extracts ping data from a message
func (m *Message) GetPingData() (*PingData, error) {
	var data PingData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// DecodeValue unmarshals a result value into v. An absent value leaves v unchanged.
func (r *ResultData) DecodeValue(v any) error {
	if len(r.Value) == 0 {
		return nil
	}
	return json.Unmarshal(r.Value, v)
}

// AnyValue returns the result value decoded into Go's generic JSON types.
func (r *ResultData) AnyValue() any {
	if len(r.Value) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(r.Value, &v); err != nil {
		return nil
	}
	return v
}

// GetPongData extracts pong data from a message
func (m *Message) GetPongData() (*PongData, error) {
	var data PongData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}
