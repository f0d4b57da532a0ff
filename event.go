// Package ioengine is an embedded I/O isolation engine: it stands between a
// latency-sensitive producer (a render or main loop that must never block)
// and a heterogeneous set of I/O workloads, classifying, queueing,
// dispatching, executing, retrying and reporting on that work from
// dedicated worker goroutines so the producer's call site always returns
// promptly.
package ioengine

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/ioengine/internal/interfaces"
)

// Re-export the event taxonomy at the package root; internal packages only
// see interfaces.EventType etc. to avoid an import cycle back into this
// package, but callers of ioengine should never need to import
// internal/interfaces directly.
type (
	EventType        = interfaces.EventType
	Priority         = interfaces.Priority
	CancelToken      = interfaces.CancelToken
	IOEvent          = interfaces.IOEvent
	Outcome          = interfaces.Outcome
	OperationContext = interfaces.OperationContext
	EventProcessor   = interfaces.EventProcessor
	Logger           = interfaces.Logger
	Observer         = interfaces.Observer
	Validation       = interfaces.Validation
	PathValidator    = interfaces.PathValidator
)

const (
	FileRead        = interfaces.EventFileRead
	FileWrite       = interfaces.EventFileWrite
	AudioInput      = interfaces.EventAudioInput
	AudioOutput     = interfaces.EventAudioOutput
	MidiInput       = interfaces.EventMidiInput
	MidiOutput      = interfaces.EventMidiOutput
	NetworkIO       = interfaces.EventNetworkIO
	UserInput       = interfaces.EventUserInput
	CacheUpdate     = interfaces.EventCacheUpdate
	MetadataUpdate  = interfaces.EventMetadataUpdate
	SpoutData       = interfaces.EventSpoutData
	PriorityLow     = interfaces.PriorityLow
	PriorityMedium  = interfaces.PriorityMedium
	PriorityHigh    = interfaces.PriorityHigh
	PriorityCritical = interfaces.PriorityCritical
)

// AllEventTypes enumerates the closed set in a stable order.
var AllEventTypes = interfaces.AllEventTypes

// NewEvent builds an IOEvent with a generated ID, a fresh cancel token and a
// submission timestamp, leaving Type/Priority/Data/FilePath/Metadata to the
// caller. Producers that already track their own IDs may set event.ID after
// construction (or build an IOEvent literal directly); id uniqueness within
// one engine lifetime is the caller's invariant to uphold either way.
func NewEvent(eventType EventType, priority Priority) IOEvent {
	return IOEvent{
		ID:          uuid.NewString(),
		Type:        eventType,
		Priority:    priority,
		Metadata:    make(map[string]string),
		SubmittedAt: time.Now(),
		Cancel:      NewCancelToken(),
	}
}
