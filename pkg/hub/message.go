// Package hub fans websocket traffic out to every connected dashboard.
// A hub owns its client set on one goroutine; clients may also talk back,
// and their text frames reach the hub's inbound handler.
package hub

import "github.com/gofiber/websocket/v2"

// MessageType is the websocket frame kind of a Message.
type MessageType int

const (
	JSONMessage   MessageType = iota // text frame carrying JSON
	BinaryMessage                    // binary frame, camera JPEGs
)

func (t MessageType) frame() int {
	if t == BinaryMessage {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

// Message is one queued frame.
type Message struct {
	Type MessageType
	Data []byte
}

// NewJSONMessage wraps pre-encoded JSON.
func NewJSONMessage(data []byte) Message {
	return Message{Type: JSONMessage, Data: data}
}

// NewBinaryMessage wraps raw bytes.
func NewBinaryMessage(data []byte) Message {
	return Message{Type: BinaryMessage, Data: data}
}
