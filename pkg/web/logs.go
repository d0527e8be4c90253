package web

import (
	"github.com/teslashibe/go-gazecal/pkg/diagnostics"
	"github.com/teslashibe/go-gazecal/pkg/hub"
	"github.com/teslashibe/go-gazecal/pkg/protocol"
)

// replayBacklog is how many buffered records a new log client receives.
const replayBacklog = 200

// Record keeps r in the log buffer and streams it to /ws/logs clients.
// It implements diagnostics.Sink.
func (s *Server) Record(r diagnostics.Record) {
	s.buffer.Record(r)
	msg, err := protocol.NewMessage(protocol.TypeLog, r)
	if err != nil {
		return
	}
	data, err := msg.Bytes()
	if err != nil {
		return
	}
	s.logHub.Broadcast(hub.NewJSONMessage(data))
}

// Buffer returns the log buffer.
func (s *Server) Buffer() *diagnostics.Buffer {
	return s.buffer
}

// replayLogs sends recent records to a new log client
func (s *Server) replayLogs(c *hub.Client) {
	records := s.buffer.Records()
	if len(records) > replayBacklog {
		records = records[len(records)-replayBacklog:]
	}
	for _, r := range records {
		msg, err := protocol.NewMessage(protocol.TypeLog, r)
		if err != nil {
			continue
		}
		data, err := msg.Bytes()
		if err != nil {
			continue
		}
		if !c.Send(hub.NewJSONMessage(data)) {
			return
		}
	}
}

var _ diagnostics.Sink = (*Server)(nil)
