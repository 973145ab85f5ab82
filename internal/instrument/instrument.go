// Package instrument records timed spans and business events for requests,
// choice resolution and saves.
package instrument

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type ctxKey int

const (
	traceIDKey ctxKey = iota
	parentSpanIDKey
	instrumenterKey
	userIDKey
)

type Instrumenter interface {
	StartSpan(ctx context.Context, source, component, action string) (context.Context, Span)
	EmitBusinessEvent(ctx context.Context, action, entity, recordID string, metadata map[string]any)
}

// Span is a timed operation. End is idempotent.
type Span interface {
	End()
	SetStatus(status string)
	SetMetadata(key string, value any)
	SetEntity(entity, recordID string)
	TraceID() string
	SpanID() string
}

// Event is a finished span ("system") or a business event ("business").
type Event struct {
	TraceID      string         `json:"trace_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID string         `json:"parent_span_id,omitempty"`
	EventType    string         `json:"event_type"`
	Source       string         `json:"source"`
	Component    string         `json:"component"`
	Action       string         `json:"action"`
	Entity       string         `json:"entity,omitempty"`
	RecordID     string         `json:"record_id,omitempty"`
	UserID       string         `json:"user_id,omitempty"`
	DurationMs   float64        `json:"duration_ms"`
	Status       string         `json:"status,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Sink receives every finished event.
type Sink func(Event)

// LogSink prints one line per event, metadata sorted by key.
func LogSink(e Event) {
	pairs := make([]string, 0, len(e.Metadata))
	for k, v := range e.Metadata {
		pairs = append(pairs, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(pairs)
	log.Printf("%s %s.%s.%s entity=%s status=%s %.2fms trace=%s %s",
		e.EventType, e.Source, e.Component, e.Action, e.Entity, e.Status, e.DurationMs, e.TraceID, strings.Join(pairs, " "))
}

// Recorder is a Sink that keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func stringValue(ctx context.Context, key ctxKey) string {
	s, _ := ctx.Value(key).(string)
	return s
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func GetTraceID(ctx context.Context) string { return stringValue(ctx, traceIDKey) }

// WithUserID tags spans started from ctx with the caller's id.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func WithInstrumenter(ctx context.Context, inst Instrumenter) context.Context {
	return context.WithValue(ctx, instrumenterKey, inst)
}

// GetInstrumenter returns the Instrumenter stored in ctx, or one that
// discards everything.
func GetInstrumenter(ctx context.Context) Instrumenter {
	if inst, ok := ctx.Value(instrumenterKey).(Instrumenter); ok {
		return inst
	}
	return &NoopInstrumenter{}
}

// Tracer is the Instrumenter used by the server; finished events go to its
// Sink.
type Tracer struct {
	sink Sink
}

// NewInstrumenter returns a Tracer writing to sink, LogSink when nil.
func NewInstrumenter(sink Sink) *Tracer {
	if sink == nil {
		sink = LogSink
	}
	return &Tracer{sink: sink}
}

func (t *Tracer) event(ctx context.Context, kind, source, component, action string) Event {
	return Event{
		TraceID:      GetTraceID(ctx),
		SpanID:       uuid.NewString(),
		ParentSpanID: stringValue(ctx, parentSpanIDKey),
		EventType:    kind,
		Source:       source,
		Component:    component,
		Action:       action,
		UserID:       stringValue(ctx, userIDKey),
		CreatedAt:    time.Now(),
	}
}

// StartSpan opens a span; spans started from the returned context are its
// children.
func (t *Tracer) StartSpan(ctx context.Context, source, component, action string) (context.Context, Span) {
	s := &span{event: t.event(ctx, "system", source, component, action), sink: t.sink}
	s.event.Metadata = map[string]any{}
	return context.WithValue(ctx, parentSpanIDKey, s.event.SpanID), s
}

// EmitBusinessEvent sends a one-shot event with no duration.
func (t *Tracer) EmitBusinessEvent(ctx context.Context, action, entity, recordID string, metadata map[string]any) {
	e := t.event(ctx, "business", "business", "admin", action)
	e.Entity, e.RecordID, e.Metadata = entity, recordID, metadata
	t.sink(e)
}

type span struct {
	mu    sync.Mutex
	event Event
	sink  Sink
	done  bool
}

func (s *span) TraceID() string { return s.event.TraceID }
func (s *span) SpanID() string  { return s.event.SpanID }

func (s *span) update(fn func(e *Event)) {
	s.mu.Lock()
	fn(&s.event)
	s.mu.Unlock()
}

func (s *span) SetStatus(status string) { s.update(func(e *Event) { e.Status = status }) }

func (s *span) SetMetadata(key string, value any) {
	s.update(func(e *Event) { e.Metadata[key] = value })
}

func (s *span) SetEntity(entity, recordID string) {
	s.update(func(e *Event) { e.Entity, e.RecordID = entity, recordID })
}

func (s *span) End() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.event.DurationMs = float64(time.Since(s.event.CreatedAt).Microseconds()) / 1000
	e := s.event
	s.mu.Unlock()
	s.sink(e)
}
