package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventKind is the closed set of discrete network events.
type EventKind int

const (
	KindCellChange EventKind = iota
	KindSINRDrop
	KindHighJitter
	KindPacketLossSpike
	KindLatencySpike
	KindScoreDrop
	KindSignalLost
	KindPathSwitch
	KindSwitchFailed
	KindAutoRestore
	KindRouteFailure
	KindDNSRestored
	KindConfigChanged
	KindRoutingDisabled
)

var eventKindNames = [...]string{
	KindCellChange:      "cell-change",
	KindSINRDrop:        "sinr-drop",
	KindHighJitter:      "high-jitter",
	KindPacketLossSpike: "packet-loss-spike",
	KindLatencySpike:    "latency-spike",
	KindScoreDrop:       "score-drop",
	KindSignalLost:      "signal-lost",
	KindPathSwitch:      "path-switch",
	KindSwitchFailed:    "switch-failed",
	KindAutoRestore:     "auto-restore",
	KindRouteFailure:    "route-failure",
	KindDNSRestored:     "dns-restored",
	KindConfigChanged:   "config-changed",
	KindRoutingDisabled: "routing-disabled",
}

func (k EventKind) String() string {
	if k >= 0 && int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return "unknown"
}

// IsDegradation reports whether the kind describes worsening link conditions.
func (k EventKind) IsDegradation() bool {
	switch k {
	case KindSINRDrop, KindHighJitter, KindPacketLossSpike, KindLatencySpike, KindScoreDrop, KindSignalLost:
		return true
	default:
		return false
	}
}

// ParseEventKind is the inverse of EventKind.String.
func ParseEventKind(s string) (EventKind, error) {
	for i, name := range eventKindNames {
		if name == s {
			return EventKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown event kind: %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *EventKind) UnmarshalText(b []byte) error {
	parsed, err := ParseEventKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// NetworkEvent is one entry of the event log.
type NetworkEvent struct {
	ID      string            `json:"id"`
	Kind    EventKind         `json:"kind"`
	Time    time.Time         `json:"time"`
	Path    string            `json:"path,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// NewNetworkEvent stamps a new event with an id and the given time.
func NewNetworkEvent(kind EventKind, at time.Time, path string, details map[string]string) NetworkEvent {
	return NetworkEvent{
		ID:      uuid.NewString(),
		Kind:    kind,
		Time:    at,
		Path:    path,
		Details: details,
	}
}

const (
	// DefaultEventLogSize is the number of events kept by NewEventLog(0).
	DefaultEventLogSize = 200
	eventChannelSize    = 64
)

// EventSubscriber receives appended events via a channel.
type EventSubscriber struct {
	C  <-chan NetworkEvent
	ch chan NetworkEvent
	id uint64
}

// EventLog is a bounded append-only ring of NetworkEvents with fan-out to
// subscribers. Slow subscribers lose events instead of blocking Append.
type EventLog struct {
	bus *EventBus

	mu          sync.RWMutex
	ring        []NetworkEvent
	pos         int
	full        bool
	subscribers map[uint64]*EventSubscriber
	nextID      uint64
}

// NewEventLog creates a log of the given capacity. bus may be nil.
func NewEventLog(size int, bus *EventBus) *EventLog {
	if size <= 0 {
		size = DefaultEventLogSize
	}
	return &EventLog{
		bus:         bus,
		ring:        make([]NetworkEvent, size),
		subscribers: make(map[uint64]*EventSubscriber),
	}
}

// Append records an event and notifies subscribers and the bus.
func (el *EventLog) Append(e NetworkEvent) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	el.mu.Lock()
	el.ring[el.pos] = e
	el.pos++
	if el.pos >= len(el.ring) {
		el.pos = 0
		el.full = true
	}
	// Sends are non-blocking, so holding the lock here is fine and keeps
	// Unsubscribe from closing a channel mid-send.
	for _, s := range el.subscribers {
		select {
		case s.ch <- e:
		default:
		}
	}
	el.mu.Unlock()

	if el.bus != nil {
		el.bus.PublishAsync(Event{Type: EventNetwork, Payload: e})
	}
}

// Len returns the number of retained events.
func (el *EventLog) Len() int {
	el.mu.RLock()
	defer el.mu.RUnlock()
	if el.full {
		return len(el.ring)
	}
	return el.pos
}

// Recent returns up to n most recent events, oldest first. n <= 0 returns all.
func (el *EventLog) Recent(n int) []NetworkEvent {
	el.mu.RLock()
	defer el.mu.RUnlock()

	total := el.pos
	if el.full {
		total = len(el.ring)
	}
	if n <= 0 || n > total {
		n = total
	}
	if n == 0 {
		return nil
	}

	out := make([]NetworkEvent, n)
	start := el.pos - n
	if start < 0 {
		start += len(el.ring)
	}
	for i := range n {
		out[i] = el.ring[(start+i)%len(el.ring)]
	}
	return out
}

// Since returns the retained events at or after t, oldest first.
func (el *EventLog) Since(t time.Time) []NetworkEvent {
	all := el.Recent(0)
	for i, e := range all {
		if !e.Time.Before(t) {
			return all[i:]
		}
	}
	return nil
}

// Count returns how many retained events of the kind happened at or after t.
func (el *EventLog) Count(kind EventKind, since time.Time) int {
	n := 0
	for _, e := range el.Since(since) {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// RecentDegradation reports whether a degradation event of path happened
// since t. An empty path matches every path.
func (el *EventLog) RecentDegradation(path string, since time.Time) bool {
	for _, e := range el.Since(since) {
		if e.Kind.IsDegradation() && (path == "" || e.Path == path) {
			return true
		}
	}
	return false
}

// Subscribe registers a new subscriber.
func (el *EventLog) Subscribe() *EventSubscriber {
	el.mu.Lock()
	defer el.mu.Unlock()

	ch := make(chan NetworkEvent, eventChannelSize)
	s := &EventSubscriber{C: ch, ch: ch, id: el.nextID}
	el.nextID++
	el.subscribers[s.id] = s
	return s
}

// Unsubscribe removes a subscriber and closes its channel.
func (el *EventLog) Unsubscribe(s *EventSubscriber) {
	el.mu.Lock()
	defer el.mu.Unlock()
	if _, ok := el.subscribers[s.id]; ok {
		close(s.ch)
		delete(el.subscribers, s.id)
	}
}
