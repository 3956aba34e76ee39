// Package audit provides components for capturing and storing a
// lifecycle-action audit trail for the coordinator and booter daemons.
// It defines the structure of an audit entry, the lifecycle actions, and
// the interfaces for the stdout/file logging backends.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Action represents a lifecycle action the coordinator or a booter
// performed against a graph.
type Action string

const (
	// ActionGraphLoad records a loadGraph command.
	ActionGraphLoad Action = "GRAPH_LOAD"
	// ActionGraphStart records a startGraph command.
	ActionGraphStart Action = "GRAPH_START"
	// ActionGraphStop records a stopGraph command.
	ActionGraphStop Action = "GRAPH_STOP"
	// ActionParameterUpdate records an updateParameters command.
	ActionParameterUpdate Action = "PARAMETER_UPDATE"
	// ActionSnapshot records a saveRdb or flushDb command.
	ActionSnapshot Action = "SNAPSHOT"
	// ActionDerivativeRun records a saveNwb derivative execution.
	ActionDerivativeRun Action = "DERIVATIVE_RUN"
)

// Outcome represents the result of an audited action.
type Outcome string

const (
	// OutcomeSuccess indicates the action completed successfully.
	OutcomeSuccess Outcome = "SUCCESS"
	// OutcomeFailure indicates the action failed due to an error.
	OutcomeFailure Outcome = "FAILURE"
	// OutcomeDenied indicates the action was rejected (e.g. a graph
	// already running, an unrecognized parameter key).
	OutcomeDenied Outcome = "DENIED"
)

// Entry is a single audit log record.
type Entry struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Component    string         `json:"component"`            // "supervisor" or "booter"
	Machine      string         `json:"machine,omitempty"`    // booter machine name, if applicable
	Action       Action         `json:"action"`
	Outcome      Outcome        `json:"outcome"`
	Graph        string         `json:"graph,omitempty"`
	Node         string         `json:"node,omitempty"`
	DurationMs   int64          `json:"duration_ms"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Changes      *ChangeSet     `json:"changes,omitempty"`
}

// ChangeSet describes parameter changes applied by updateParameters.
type ChangeSet struct {
	Before map[string]json.RawMessage `json:"before,omitempty"`
	After  map[string]json.RawMessage `json:"after,omitempty"`
	Fields []string                   `json:"fields,omitempty"`
}

// Logger is the interface audit backends must implement.
type Logger interface {
	Log(ctx context.Context, entry *Entry) error
	Query(ctx context.Context, filter *QueryFilter) ([]*Entry, error)
	Close() error
}

// QueryFilter narrows a Query call. Only StdoutLogger/FileLogger's
// limited support matters here; neither implements it today.
type QueryFilter struct {
	StartTime *time.Time
	EndTime   *time.Time
	Component string
	Action    Action
	Outcome   Outcome
	Graph     string
	Limit     int
	Offset    int
}

// Config holds configuration for the audit logger.
type Config struct {
	Enabled     bool          `koanf:"enabled"`
	Backend     string        `koanf:"backend"` // "stdout" or "file"
	FilePath    string        `koanf:"file_path"`
	BufferSize  int           `koanf:"buffer_size"`
	FlushPeriod time.Duration `koanf:"flush_period"`
}

// DefaultConfig returns sensible audit defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:     true,
		Backend:     "stdout",
		BufferSize:  1000,
		FlushPeriod: 5 * time.Second,
	}
}

// Builder provides a fluent API for constructing an Entry.
type Builder struct {
	entry *Entry
}

// NewEntry starts a Builder stamped with the current time.
func NewEntry() *Builder {
	return &Builder{entry: &Entry{Timestamp: time.Now(), Metadata: make(map[string]any)}}
}

// Component sets the emitting component ("supervisor" or "booter").
func (b *Builder) Component(c string) *Builder {
	b.entry.Component = c
	return b
}

// Machine sets the booter machine name.
func (b *Builder) Machine(m string) *Builder {
	b.entry.Machine = m
	return b
}

// ForAction sets the lifecycle action.
func (b *Builder) ForAction(a Action) *Builder {
	b.entry.Action = a
	return b
}

// WithOutcome sets the outcome.
func (b *Builder) WithOutcome(o Outcome) *Builder {
	b.entry.Outcome = o
	return b
}

// Graph sets the graph name.
func (b *Builder) Graph(name string) *Builder {
	b.entry.Graph = name
	return b
}

// Node sets the node nickname, for node-scoped entries.
func (b *Builder) Node(nickname string) *Builder {
	b.entry.Node = nickname
	return b
}

// Duration sets the elapsed time of the operation.
func (b *Builder) Duration(d time.Duration) *Builder {
	b.entry.DurationMs = d.Milliseconds()
	return b
}

// Error sets the error code and message for a FAILURE outcome.
func (b *Builder) Error(code, message string) *Builder {
	b.entry.ErrorCode = code
	b.entry.ErrorMessage = message
	return b
}

// Meta attaches an arbitrary metadata key/value pair.
func (b *Builder) Meta(key string, value any) *Builder {
	b.entry.Metadata[key] = value
	return b
}

// Changes attaches a parameter ChangeSet, for PARAMETER_UPDATE entries.
func (b *Builder) Changes(changes *ChangeSet) *Builder {
	b.entry.Changes = changes
	return b
}

// Build finalizes the Entry, generating an ID if one isn't set.
func (b *Builder) Build() *Entry {
	if b.entry.ID == "" {
		b.entry.ID = uuid.NewString()
	}
	return b.entry
}
