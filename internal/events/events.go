// Package events carries the structured lifecycle events emitted by the pool
// and the query gate. Rendering and delivery belong to the Emitter.
package events

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

type Name string

const (
	PoolInitialized  Name = "pool-initialized"
	PoolExhausted    Name = "pool-exhausted"
	ConnectionError  Name = "connection-error"
	QueryExecuted    Name = "query-executed"
	QueryFailed      Name = "query-failed"
	HealthChecked    Name = "health-check"
	ShutdownComplete Name = "shutdown-complete"
)

// Event never carries credentials or bound parameter values.
type Event struct {
	Name   Name           `json:"event"`
	Target string         `json:"target"`
	Time   time.Time      `json:"time"`
	Fields map[string]any `json:"fields,omitempty"`
	Err    string         `json:"error,omitempty"`
}

// New stamps the event with the current time.
func New(name Name, target string) Event {
	return Event{Name: name, Target: target, Time: time.Now().UTC()}
}

// With returns a copy of ev with key set.
func (ev Event) With(key string, value any) Event {
	fields := make(map[string]any, len(ev.Fields)+1)
	for k, v := range ev.Fields {
		fields[k] = v
	}
	fields[key] = value
	ev.Fields = fields
	return ev
}

// WithErr records err's message.
func (ev Event) WithErr(err error) Event {
	if err != nil {
		ev.Err = err.Error()
	}
	return ev
}

type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

type HealthStatus struct {
	OK      bool
	Details string
}

// Sink is an Emitter backed by an external connection.
type Sink interface {
	Emitter
	Connect() error
	Close() error
	Health() HealthStatus
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// Multi fans an event out to every emitter in order.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, ev Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(ctx, ev)
		}
	}
}

// LogEmitter renders events as slog records.
type LogEmitter struct {
	logger *slog.Logger
}

func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{logger: logger}
}

func (e *LogEmitter) Emit(ctx context.Context, ev Event) {
	attrs := []slog.Attr{
		slog.String("event", string(ev.Name)),
		slog.String("target", ev.Target),
	}
	keys := make([]string, 0, len(ev.Fields))
	for k := range ev.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, ev.Fields[k]))
	}
	if ev.Err != "" {
		attrs = append(attrs, slog.String("error", ev.Err))
	}
	e.logger.LogAttrs(ctx, levelFor(ev.Name), string(ev.Name), attrs...)
}

func levelFor(name Name) slog.Level {
	switch name {
	case ConnectionError, QueryFailed:
		return slog.LevelError
	case PoolExhausted:
		return slog.LevelWarn
	case QueryExecuted, HealthChecked:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
