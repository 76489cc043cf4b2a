package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"quake-sentinel/seismic"
)

// DefaultMaxSize is the queue capacity used when none is configured.
const DefaultMaxSize = 100

// QueuedEvent is one undelivered (or delivered but not yet swept) event.
type QueuedEvent struct {
	Event    seismic.Event `json:"event"`
	DeviceID string        `json:"deviceId"`
	Sent     bool          `json:"sent"`
}

// SendFunc attempts delivery of one queued event.
type SendFunc func(ev seismic.Event, deviceID string) error

// OverflowPolicy decides what AddEvent does on a full queue.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest entry, sent or not.
	DropOldest OverflowPolicy = iota
	// RejectNew refuses the new entry with ErrQueueFull.
	RejectNew
)

func (p OverflowPolicy) String() string {
	if p == RejectNew {
		return "reject-new"
	}
	return "drop-oldest"
}

// ParseOverflowPolicy accepts "drop-oldest" or "reject-new".
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "drop-oldest":
		return DropOldest, nil
	case "reject-new":
		return RejectNew, nil
	}
	return DropOldest, fmt.Errorf("storage: unknown overflow policy %q", s)
}

// EventQueue is a bounded FIFO of events persisted in full to a Store on every
// mutation. It is owned by the control loop and is not safe for concurrent
// use.
type EventQueue struct {
	store   Store
	maxSize int
	policy  OverflowPolicy
	logger  *slog.Logger

	entries []QueuedEvent
	evicted int64
}

// QueueOption customizes an EventQueue.
type QueueOption func(*EventQueue)

// WithMaxSize sets the capacity.
func WithMaxSize(n int) QueueOption {
	return func(q *EventQueue) {
		if n > 0 {
			q.maxSize = n
		}
	}
}

// WithOverflowPolicy sets the overflow behaviour.
func WithOverflowPolicy(p OverflowPolicy) QueueOption {
	return func(q *EventQueue) { q.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) QueueOption {
	return func(q *EventQueue) {
		if l != nil {
			q.logger = l
		}
	}
}

// NewEventQueue creates a queue over store. Call Init to load it.
func NewEventQueue(store Store, opts ...QueueOption) *EventQueue {
	q := &EventQueue{
		store:   store,
		maxSize: DefaultMaxSize,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "queue")
	return q
}

// Init loads the persisted record. The queue always ends up usable: a
// missing record yields an empty queue, an unreadable one an empty in-memory
// queue, and a corrupt one is discarded. The returned error is for logging.
func (q *EventQueue) Init() error {
	q.entries = nil

	data, err := q.store.Load()
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var entries []QueuedEvent
	if err := json.Unmarshal(data, &entries); err != nil {
		if saveErr := q.persist(); saveErr != nil {
			q.logger.Warn("failed to rewrite corrupt record", "error", saveErr)
		}
		return fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}

	if len(entries) > q.maxSize {
		q.evicted += int64(len(entries) - q.maxSize)
		entries = entries[len(entries)-q.maxSize:]
	}
	q.entries = entries
	q.logger.Info("queue loaded", "entries", len(entries), "unsent", q.UnsentCount())
	return nil
}

// AddEvent appends an unsent entry and persists the queue. A storage error
// leaves the entry in memory.
func (q *EventQueue) AddEvent(ev seismic.Event, deviceID string) error {
	if len(q.entries) >= q.maxSize {
		if q.policy == RejectNew {
			return ErrQueueFull
		}
		drop := len(q.entries) - q.maxSize + 1
		q.entries = append(q.entries[:0], q.entries[drop:]...)
		q.evicted += int64(drop)
	}
	q.entries = append(q.entries, QueuedEvent{Event: ev, DeviceID: deviceID})
	return q.persist()
}

// ProcessQueue sends unsent entries in insertion order and stops at the first
// failure so later events are never delivered ahead of earlier ones. It
// returns the number of entries sent and the send or storage error.
func (q *EventQueue) ProcessQueue(send SendFunc) (int, error) {
	sent := 0
	var sendErr error
	for i := range q.entries {
		if q.entries[i].Sent {
			continue
		}
		if err := send(q.entries[i].Event, q.entries[i].DeviceID); err != nil {
			sendErr = err
			break
		}
		q.entries[i].Sent = true
		sent++
	}
	if sent > 0 {
		if err := q.persist(); err != nil {
			return sent, errors.Join(sendErr, err)
		}
	}
	return sent, sendErr
}

// ClearSentEvents removes delivered entries.
func (q *EventQueue) ClearSentEvents() error {
	kept := q.entries[:0]
	for _, e := range q.entries {
		if !e.Sent {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(q.entries) {
		return nil
	}
	q.entries = kept
	return q.persist()
}

// ClearAll empties the queue.
func (q *EventQueue) ClearAll() error {
	q.entries = nil
	return q.persist()
}

// Size returns the number of entries.
func (q *EventQueue) Size() int {
	return len(q.entries)
}

// UnsentCount returns the number of entries awaiting delivery.
func (q *EventQueue) UnsentCount() int {
	n := 0
	for _, e := range q.entries {
		if !e.Sent {
			n++
		}
	}
	return n
}

// MaxSize returns the capacity.
func (q *EventQueue) MaxSize() int {
	return q.maxSize
}

// Evicted returns how many entries overflow has dropped since start.
func (q *EventQueue) Evicted() int64 {
	return q.evicted
}

// Entries returns a copy of the queue contents, oldest first.
func (q *EventQueue) Entries() []QueuedEvent {
	return append([]QueuedEvent(nil), q.entries...)
}

func (q *EventQueue) persist() error {
	entries := q.entries
	if entries == nil {
		entries = []QueuedEvent{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrStorage, err)
	}
	return q.store.Save(data)
}
