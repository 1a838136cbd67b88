package capture

import (
	"image"
	"log/slog"
	"sync"
)

// State is the capture state machine position.
type State int

const (
	Preparing State = iota
	Ready
	Starting
	Capturing
	Processing
	Failed
)

func (s State) String() string {
	switch s {
	case Preparing:
		return "preparing"
	case Ready:
		return "ready"
	case Starting:
		return "starting"
	case Capturing:
		return "capturing"
	case Processing:
		return "processing"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON status payloads.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Failure classifies why a run ended in Failed.
type Failure int

const (
	FailureNone Failure = iota
	FailureResourceExhausted
	FailureInitFailed
	FailureDevice
)

func (f Failure) String() string {
	switch f {
	case FailureNone:
		return ""
	case FailureResourceExhausted:
		return "resource exhausted"
	case FailureInitFailed:
		return "stacking init failed"
	case FailureDevice:
		return "device failure"
	default:
		return "unknown"
	}
}

func (f Failure) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

// Status is a snapshot of the orchestrator as seen by presentation.
type Status struct {
	State            State   `json:"state"`
	ProjectID        string  `json:"project_id,omitempty"`
	Captured         int     `json:"captured"`
	Fused            int     `json:"fused"`
	Failed           int     `json:"failed"`
	Busy             bool    `json:"busy"`
	Failure          Failure `json:"failure,omitempty"`
	Preview          bool    `json:"preview"`
	TimelapseDropped int     `json:"timelapse_dropped"` // frames the timelapse could not append
}

// EventKind says which part of the status an event reports.
type EventKind string

const (
	EventState     EventKind = "state"
	EventCounters  EventKind = "counters"
	EventPreview   EventKind = "preview"
	EventBusy      EventKind = "busy"
	EventFailure   EventKind = "failure"
	EventTimelapse EventKind = "timelapse" // dropped timelapse frame, never fatal
)

// Event is published to subscribers on every observable change.
type Event struct {
	Kind    EventKind   `json:"kind"`
	Status  Status      `json:"status"`
	Failure Failure     `json:"failure,omitempty"`
	Preview image.Image `json:"-"`
}

// Hub fans events out to subscribers. A subscriber that falls behind misses
// events rather than stalling the publisher.
type Hub struct {
	log *slog.Logger

	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func newHub(logger *slog.Logger) *Hub {
	return &Hub{log: logger, subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and an unsubscribe function.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Event, 16)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	unsub := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			close(c)
			delete(h.subs, id)
		}
		h.mu.Unlock()
	}
	return ch, unsub
}

func (h *Hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.log.Warn("status channel full", "subscriber", id, "event", ev.Kind)
		}
	}
}

func (h *Hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}
