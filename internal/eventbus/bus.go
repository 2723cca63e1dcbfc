package eventbus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Listener receives every event emitted after it is registered. A listener
// that panics is recovered and counted rather than allowed to corrupt the
// ring or block other listeners.
type Listener func(Event)

// Bus is the process-wide event ring. The in-memory ring is authoritative
// for poll/getLatest/ordering invariants; Mirror (declared below) is an
// optional attached publisher that republishes the same events onto an
// external transport without being consulted for anything the ring itself
// answers.
type Bus struct {
	mu       sync.Mutex
	capacity int
	ring     []Event
	seq      int64
	listeners []namedListener
	lastListenerID int

	listenerPanics atomic.Int64

	mirror Mirror
}

type namedListener struct {
	id int
	fn Listener
}

// Mirror republishes events emitted on the bus onto an external transport.
// eventbus/nats.go provides the NATS-backed implementation; tests can stub
// this with a no-op.
type Mirror interface {
	Publish(Event) error
}

// New creates a Bus with the given ring capacity (events beyond capacity
// are truncated, oldest first).
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Bus{capacity: capacity}
}

// AttachMirror wires an external publisher. Mirror failures are swallowed
// (the ring is the source of truth); callers that care about mirror health
// should watch the IPC/health event families instead.
func (b *Bus) AttachMirror(m Mirror) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirror = m
}

// Emit allocates an ID, stamps the timestamp, appends to the ring (evicting
// the oldest entry if at capacity), fans out to listeners synchronously in
// registration order, and republishes to the mirror if one is attached.
func (b *Bus) Emit(typ Type, severity Severity, data map[string]interface{}, taskID, prdID, phaseID, targetModule string) Event {
	b.mu.Lock()

	b.seq++
	evt := Event{
		ID:           fmt.Sprintf("evt-%d-%d", time.Now().UnixMilli(), b.seq),
		Type:         typ,
		Timestamp:    time.Now().UTC(),
		Severity:     severity,
		Data:         data,
		TaskID:       taskID,
		PrdID:        prdID,
		PhaseID:      phaseID,
		TargetModule: targetModule,
	}

	b.ring = append(b.ring, evt)
	if len(b.ring) > b.capacity {
		overflow := len(b.ring) - b.capacity
		b.ring = b.ring[overflow:]
	}

	listeners := append([]namedListener(nil), b.listeners...)
	mirror := b.mirror
	b.mu.Unlock()

	for _, l := range listeners {
		b.invokeListener(l.fn, evt)
	}

	if mirror != nil {
		_ = mirror.Publish(evt)
	}

	return evt
}

func (b *Bus) invokeListener(fn Listener, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.listenerPanics.Add(1)
		}
	}()
	fn(evt)
}

// AddListener registers fn and returns an ID usable with RemoveListener.
func (b *Bus) AddListener(fn Listener) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastListenerID++
	id := b.lastListenerID
	b.listeners = append(b.listeners, namedListener{id: id, fn: fn})
	return id
}

// RemoveListener unregisters the listener with the given ID.
func (b *Bus) RemoveListener(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, l := range b.listeners {
		if l.id == id {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

// ListenerPanicCount returns how many listener invocations have panicked
// since the bus was created, for the Metrics Bridge's error counter.
func (b *Bus) ListenerPanicCount() int64 {
	return b.listenerPanics.Load()
}

// Poll returns events after filter.Since (exclusive), narrowed by type,
// severity, taskID, prdID, and an optional trailing limit.
func (b *Bus) Poll(filter Filter) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	startIdx := 0
	if filter.Since != "" {
		for i, evt := range b.ring {
			if evt.ID == filter.Since {
				startIdx = i + 1
				break
			}
		}
	}

	typeSet := make(map[Type]bool, len(filter.Types))
	for _, t := range filter.Types {
		typeSet[t] = true
	}
	sevSet := make(map[Severity]bool, len(filter.Severities))
	for _, s := range filter.Severities {
		sevSet[s] = true
	}

	var result []Event
	for _, evt := range b.ring[startIdx:] {
		if len(typeSet) > 0 && !typeSet[evt.Type] {
			continue
		}
		if len(sevSet) > 0 && !sevSet[evt.Severity] {
			continue
		}
		if filter.TaskID != "" && evt.TaskID != filter.TaskID {
			continue
		}
		if filter.PrdID != "" && evt.PrdID != filter.PrdID {
			continue
		}
		result = append(result, evt)
	}

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[len(result)-filter.Limit:]
	}

	return result
}

// GetLatest returns the most recent n events (fewer if the ring holds
// fewer than n).
func (b *Bus) GetLatest(n int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || n >= len(b.ring) {
		result := make([]Event, len(b.ring))
		copy(result, b.ring)
		return result
	}
	result := make([]Event, n)
	copy(result, b.ring[len(b.ring)-n:])
	return result
}

// GetByType returns every ring event matching t, oldest first.
func (b *Bus) GetByType(t Type) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var result []Event
	for _, evt := range b.ring {
		if evt.Type == t {
			result = append(result, evt)
		}
	}
	return result
}

// Clear empties the ring. Sequence numbering continues so IDs stay unique
// within the bus's lifetime.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring = nil
}

// Count returns the number of events currently held in the ring.
func (b *Bus) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ring)
}

// GetLastEventID returns the ID of the most recently emitted event, or "" if
// the ring is empty.
func (b *Bus) GetLastEventID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ring) == 0 {
		return ""
	}
	return b.ring[len(b.ring)-1].ID
}
