// Package diagnostics carries structured log records from the harness to
// the places a human reads them: the in-page log panel, the terminal tail,
// and an optional SQLite archive.
//
// Sinks must never break the caller. Every delivery goes through Deliver,
// which swallows panics raised by a misbehaving sink.
package diagnostics

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Record is one structured diagnostic log entry.
type Record struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"` // DEBUG, INFO, WARN, ERROR
	Tag       string         `json:"tag"`   // cal, track, sdk, perm, hb, gaze ...
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// Line renders the record in the log panel format:
//
//	[15:04:05.000] INFO  cal        progress changed {"progress":0.4}
func (r Record) Line() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %-5s %-10s %s", r.Timestamp.Format("15:04:05.000"), r.Level, r.Tag, r.Message)
	if len(r.Data) > 0 {
		data, err := json.Marshal(r.Data)
		if err != nil {
			data = []byte(fmt.Sprintf("%q", fmt.Sprint(r.Data)))
		}
		b.WriteByte(' ')
		b.Write(data)
	}
	return b.String()
}

// Sink receives diagnostic records.
type Sink interface {
	Record(r Record)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(r Record)

// Record calls f(r).
func (f SinkFunc) Record(r Record) {
	f(r)
}

// Deliver hands r to s, swallowing any panic raised by the sink.
// It reports whether the sink accepted the record without panicking.
func Deliver(s Sink, r Record) (ok bool) {
	if s == nil {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	s.Record(r)
	return true
}
