// Package event defines the payload-opaque envelope that flows through the
// relay: between the Relay Router and connections, and between the Event
// Bus, Webhook Dispatcher, and Trigger Engine.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Priority is carried on the envelope but no delivery path reads it: the
// relay never reorders, and backpressure treats every event alike.
type Priority int32

const (
	PriorityLow    Priority = 10
	PriorityNormal Priority = 20
	PriorityHigh   Priority = 30
)

// HopCountKey is the metadata key the Trigger Engine increments on every
// rule-driven republish, used to bound fan-out cycles.
const HopCountKey = "hop-count"

// Event is the immutable unit of data published on the bus and relayed
// between connections. Payload is opaque: the relay and bus never inspect
// it beyond its byte length.
type Event struct {
	ID            string
	Topic         string
	Payload       []byte
	ContentType   string
	CreatedAt     time.Time
	Sequence      uint64
	CorrelationID string
	Priority      Priority
	Metadata      map[string]string
}

// New builds an Event with a fresh id and creation timestamp. Sequence is
// assigned by whichever component owns ordering for the topic (the Event
// Bus, for published events).
func New(topic string, payload []byte, contentType string) *Event {
	return &Event{
		ID:          uuid.NewString(),
		Topic:       topic,
		Payload:     payload,
		ContentType: contentType,
		CreatedAt:   time.Now(),
		Priority:    PriorityNormal,
		Metadata:    make(map[string]string),
	}
}

// HopCount returns the current fan-out depth recorded in metadata.
func (e *Event) HopCount() int {
	if e.Metadata == nil {
		return 0
	}
	v, ok := e.Metadata[HopCountKey]
	if !ok {
		return 0
	}
	var n int
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// WithIncrementedHop returns a shallow copy of the event with its hop count
// incremented, used by the Trigger Engine before handing an event to another
// rule's action so cyclic republication can be bounded.
func (e *Event) WithIncrementedHop() *Event {
	clone := *e
	clone.Metadata = make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		clone.Metadata[k] = v
	}
	hop := e.HopCount() + 1
	clone.Metadata[HopCountKey] = itoa(hop)
	return &clone
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Bytes reports the payload size used for buffer and metrics accounting.
func (e *Event) Bytes() int {
	return len(e.Payload)
}
