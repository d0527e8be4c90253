package diagnostics

import (
	"context"
	"log/slog"
	"sync"
)

// TagKey is the slog attribute that names a record's tag.
// Records without it fall back to the "component" attribute.
const TagKey = "tag"

// sinkSet is shared by a Handler and every handler derived from it.
type sinkSet struct {
	mu    sync.RWMutex
	sinks []Sink
}

func (s *sinkSet) add(sink Sink) {
	s.mu.Lock()
	s.sinks = append(s.sinks, sink)
	s.mu.Unlock()
}

func (s *sinkSet) snapshot() []Sink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Sink(nil), s.sinks...)
}

// Handler is a slog.Handler that forwards to a wrapped handler and fans
// every record out to diagnostic sinks.
type Handler struct {
	next   slog.Handler
	sinks  *sinkSet
	attrs  []groupedAttr
	groups []string
}

// groupedAttr remembers the group path that was open when an attr was bound.
type groupedAttr struct {
	groups []string
	attr   slog.Attr
}

// NewHandler wraps next. next may be nil, in which case records only reach sinks
// and every level is enabled.
func NewHandler(next slog.Handler, sinks ...Sink) *Handler {
	set := &sinkSet{}
	for _, s := range sinks {
		set.add(s)
	}
	return &Handler{next: next, sinks: set}
}

// AddSink attaches another sink. It applies to handlers derived via With too.
func (h *Handler) AddSink(s Sink) {
	h.sinks.add(s)
}

// Enabled reports whether the wrapped handler handles level.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.next == nil {
		return true
	}
	return h.next.Enabled(ctx, level)
}

// Handle forwards r and delivers a Record to each sink.
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if h.next != nil {
		err = h.next.Handle(ctx, r)
	}

	sinks := h.sinks.snapshot()
	if len(sinks) == 0 {
		return err
	}

	rec := Record{
		Timestamp: r.Time,
		Level:     r.Level.String(),
		Message:   r.Message,
	}
	component := ""
	data := map[string]any{}
	collect := func(groups []string, a slog.Attr) {
		switch a.Key {
		case TagKey:
			rec.Tag = a.Value.String()
		case "component":
			component = a.Value.String()
		default:
			putAttr(data, groups, a)
		}
	}
	for _, ga := range h.attrs {
		collect(ga.groups, ga.attr)
	}
	r.Attrs(func(a slog.Attr) bool {
		collect(h.groups, a)
		return true
	})
	if rec.Tag == "" {
		rec.Tag = component
	}
	if len(data) > 0 {
		rec.Data = data
	}

	for _, s := range sinks {
		Deliver(s, rec)
	}
	return err
}

// WithAttrs returns a handler carrying attrs.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append([]groupedAttr(nil), h.attrs...)
	for _, a := range attrs {
		clone.attrs = append(clone.attrs, groupedAttr{groups: h.groups, attr: a})
	}
	if h.next != nil {
		clone.next = h.next.WithAttrs(attrs)
	}
	return &clone
}

// WithGroup returns a handler that nests following attributes under name.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(append([]string(nil), h.groups...), name)
	if h.next != nil {
		clone.next = h.next.WithGroup(name)
	}
	return &clone
}

func putAttr(dst map[string]any, groups []string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	for _, g := range groups {
		sub, ok := dst[g].(map[string]any)
		if !ok {
			sub = map[string]any{}
			dst[g] = sub
		}
		dst = sub
	}

	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		sub := map[string]any{}
		for _, ga := range v.Group() {
			putAttr(sub, nil, ga)
		}
		if a.Key == "" {
			for k, val := range sub {
				dst[k] = val
			}
			return
		}
		dst[a.Key] = sub
		return
	}

	switch val := v.Any().(type) {
	case error:
		dst[a.Key] = val.Error()
	default:
		dst[a.Key] = val
	}
}
