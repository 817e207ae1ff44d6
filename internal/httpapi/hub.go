package httpapi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const chunkObject = "chat.completion.chunk"

// ErrDuplicateSubscription is returned when an id already has a subscriber.
var ErrDuplicateSubscription = errors.New("hub: id already subscribed")

// Hub routes the bridge's serialized chunk arrays to per-request
// subscriptions. Its Deliver method is the bridge sink.
type Hub struct {
	mu   sync.Mutex
	subs map[string]*Subscription
	now  func() time.Time
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]*Subscription), now: time.Now}
}

// Subscribe registers id and returns the subscription that receives its
// chunks. It must be called before the request is submitted.
func (h *Hub) Subscribe(id string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[id]; ok {
		return nil, ErrDuplicateSubscription
	}
	s := &Subscription{id: id, hub: h, signal: make(chan struct{}, 1), created: h.now().Unix()}
	h.subs[id] = s
	hubSubscriptions.Inc()
	return s, nil
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.subs[s.id]; ok && cur == s {
		delete(h.subs, s.id)
		hubSubscriptions.Dec()
	}
}

// Len returns the number of open subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Deliver accepts one JSON array of response objects. Each object is
// stamped with "object" and "created" and queued on its id's subscription;
// objects for unknown ids are dropped. Deliver never blocks on readers.
func (h *Hub) Deliver(payload string) error {
	if !gjson.Valid(payload) {
		return fmt.Errorf("hub: invalid payload")
	}
	arr := gjson.Parse(payload)
	if !arr.IsArray() {
		return fmt.Errorf("hub: payload is not an array")
	}
	var firstErr error
	arr.ForEach(func(_, v gjson.Result) bool {
		id := v.Get("id").String()
		h.mu.Lock()
		s := h.subs[id]
		h.mu.Unlock()
		if s == nil {
			hubUndeliveredTotal.Inc()
			return true
		}
		raw, err := sjson.SetBytes([]byte(v.Raw), "object", chunkObject)
		if err == nil {
			raw, err = sjson.SetBytes(raw, "created", s.created)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return true
		}
		s.push(raw, v.Get("usage").Exists())
		return true
	})
	return firstErr
}

// Subscription is an unbounded FIFO of raw chunk objects for one request.
type Subscription struct {
	id      string
	hub     *Hub
	created int64

	mu     sync.Mutex
	items  [][]byte
	ended  bool
	signal chan struct{}
}

// ID returns the subscribed request id.
func (s *Subscription) ID() string { return s.id }

func (s *Subscription) push(raw []byte, last bool) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.items = append(s.items, raw)
	s.ended = last
	s.mu.Unlock()
	if last {
		s.hub.unsubscribe(s)
	}
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Next returns the next chunk. ok is false once the usage chunk has been
// returned, or when ctx ends first (err is then ctx.Err()).
func (s *Subscription) Next(ctx context.Context) (chunk []byte, ok bool, err error) {
	for {
		s.mu.Lock()
		if len(s.items) > 0 {
			chunk = s.items[0]
			s.items[0] = nil
			s.items = s.items[1:]
			s.mu.Unlock()
			return chunk, true, nil
		}
		ended := s.ended
		s.mu.Unlock()
		if ended {
			return nil, false, nil
		}
		select {
		case <-s.signal:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

// Close unsubscribes; later chunks for the id are dropped.
func (s *Subscription) Close() {
	s.mu.Lock()
	s.ended = true
	s.items = nil
	s.mu.Unlock()
	s.hub.unsubscribe(s)
}
