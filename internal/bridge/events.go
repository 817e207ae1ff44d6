package bridge

import "sync"

// Event is a request or lifecycle event emitted by the bridge.
type Event struct {
	Name      string
	RequestID string
	Fields    map[string]any
}

// Event names.
const (
	EventAdmitted = "request_admitted"
	EventRejected = "request_rejected"
	EventAborted  = "request_aborted"
	EventFinished = "request_finished"
	EventReloaded = "model_reloaded"
	EventUnloaded = "model_unloaded"
	EventReset    = "engine_reset"
)

// EventPublisher receives events from the bridge. Publish is called on the
// hot path and must not block.
type EventPublisher interface {
	Publish(Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// MemoryPublisher stores events in memory.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

// Events returns a copy of everything published so far.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Names returns the names of published events for a request id, in order.
func (p *MemoryPublisher) Names(requestID string) []string {
	var names []string
	for _, e := range p.Events() {
		if e.RequestID == requestID {
			names = append(names, e.Name)
		}
	}
	return names
}
