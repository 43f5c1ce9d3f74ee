package stream

import (
	"sync"
	"sync/atomic"

	"audit-platform/internal/session"
)

// EventType mirrors the engine chunk variants on the consumer side.
type EventType string

const (
	EventContent  EventType = "content"
	EventCredits  EventType = "credits"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is what an attached consumer receives. Content events carry
// report text in order; exactly one complete or error event ends the
// stream before the channel closes.
type Event struct {
	Type EventType `json:"type"`

	Content     string `json:"content,omitempty"`
	CreditsUsed int64  `json:"credits_used,omitempty"`

	// Terminal fields.
	Status        session.Status `json:"status,omitempty"`
	ErrorReason   string         `json:"error,omitempty"`
	CostActual    *int64         `json:"cost_actual,omitempty"`
	SecurityScore int            `json:"security_score,omitempty"`
	SummaryJSON   string         `json:"summary,omitempty"`
}

// Attachment is one consumer's bounded view of a session stream.
//
// Ordering guarantee: the events read from Events() are a prefix-exact
// replay of the stored report followed by live chunks, no gaps and no
// duplicates. There is no ordering guarantee across attachments.
type Attachment struct {
	ch      chan Event
	dropped atomic.Bool

	closeOnce sync.Once
	detach    func(*Attachment)
}

func newAttachment(queueSize int, detach func(*Attachment)) *Attachment {
	return &Attachment{
		ch:     make(chan Event, queueSize),
		detach: detach,
	}
}

// Events yields the consumer's queue. The channel closes after the
// terminal event, or early if the consumer was dropped for falling
// behind.
func (a *Attachment) Events() <-chan Event {
	return a.ch
}

// Close detaches passively. The session keeps running; a later attach
// catches up from the stored report.
func (a *Attachment) Close() {
	a.closeOnce.Do(func() {
		if a.detach != nil {
			a.detach(a)
		}
	})
}

// Dropped reports whether this consumer was evicted for queue overflow.
func (a *Attachment) Dropped() bool {
	return a.dropped.Load()
}

// push enqueues without blocking. Returns false when the queue is full,
// which evicts this attachment only.
func (a *Attachment) push(e Event) bool {
	select {
	case a.ch <- e:
		return true
	default:
		return false
	}
}
