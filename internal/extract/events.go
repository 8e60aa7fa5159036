package extract

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/avrora-labs/opskb/internal/model"
)

// EventKind identifies a progress event type.
type EventKind string

const (
	EventPhaseStart    EventKind = "phase_start"
	EventPromptIssued  EventKind = "prompt_issued"
	EventToken         EventKind = "token"
	EventItemExtracted EventKind = "item_extracted"
	EventPhaseComplete EventKind = "phase_complete"
	EventIdle          EventKind = "idle"
	EventError         EventKind = "error"
	EventFatalError    EventKind = "fatal_error"
	EventComplete      EventKind = "complete"
)

// Terminal reports whether this kind ends the stream.
func (k EventKind) Terminal() bool {
	return k == EventComplete || k == EventError || k == EventFatalError
}

// Event is one typed progress update from an extraction run.
type Event struct {
	Kind       EventKind         `json:"kind"`
	DocumentID string            `json:"document_id"`
	Phase      model.Phase       `json:"phase,omitempty"`
	Item       *model.StagedItem `json:"item,omitempty"`
	Token      string            `json:"token,omitempty"`
	Message    string            `json:"message,omitempty"`

	// Replayed marks events re-emitted from storage in resume mode.
	Replayed bool `json:"replayed,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// streamBuffer is the event channel capacity. A consumer further behind than
// this loses events; the run itself never blocks on it.
const streamBuffer = 256

// Stream delivers a run's progress events to at most one consumer. The
// producer side is best-effort: a slow or vanished consumer drops events and
// never stalls extraction.
type Stream struct {
	ch    chan Event
	docID string

	mu     sync.Mutex // guards closed; emit is called from run and heartbeat goroutines
	closed bool
}

func newStream(docID string) *Stream {
	return &Stream{
		ch:    make(chan Event, streamBuffer),
		docID: docID,
	}
}

// Events returns the receive side of the stream. The channel closes after
// exactly one terminal event (complete, error, or fatal_error).
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// emit delivers an event without blocking. Dropped events are logged at
// debug and otherwise swallowed. The last buffer slot is reserved for the
// terminal event, so a lagging consumer still sees the stream end with
// complete/error/fatal_error rather than a bare close.
func (s *Stream) emit(kind EventKind, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	ev.Kind = kind
	ev.DocumentID = s.docID
	ev.Timestamp = time.Now().UTC()

	if kind.Terminal() {
		// Never blocks: ordinary sends keep this slot free, and emit is the
		// only sender.
		s.ch <- ev
		s.closed = true
		close(s.ch)
		return
	}

	if len(s.ch) >= cap(s.ch)-1 {
		zap.L().Debug("extract: event dropped, consumer behind",
			zap.String("document_id", s.docID),
			zap.String("kind", string(kind)),
		)
		return
	}
	s.ch <- ev
}
