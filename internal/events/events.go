package events

import "time"

// Event is an asynchronous notification from a core component.
// Minimal and stable: name, source id and optional fields.
type Event struct {
	Name   string         `json:"name"`
	Source string         `json:"source,omitempty"`
	Time   time.Time      `json:"time"`
	Fields map[string]any `json:"fields,omitempty"`
}

// New stamps an event with the current time.
func New(name, source string, fields map[string]any) Event {
	return Event{Name: name, Source: source, Time: time.Now(), Fields: fields}
}

// Publisher receives events. Implementations should be lightweight and
// non-blocking; Publish must not panic.
type Publisher interface {
	Publish(Event)
}

// Noop drops events.
type Noop struct{}

func (Noop) Publish(Event) {}

// OrNoop returns p, or Noop when p is nil.
func OrNoop(p Publisher) Publisher {
	if p == nil {
		return Noop{}
	}
	return p
}

// Multi fans an event out to several publishers in order.
type Multi []Publisher

func (m Multi) Publish(e Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(e)
		}
	}
}

// PublisherFunc adapts a function to a Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }
