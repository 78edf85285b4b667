package store

import (
	"context"
	"sync"
)

// ChangeKind distinguishes record upserts from removals.
type ChangeKind string

const (
	ChangePut    ChangeKind = "put"
	ChangeDelete ChangeKind = "delete"
)

// Change is one record-level change notification. Exactly one of Task,
// Search, or Settings is set for puts, matching Collection; deletes carry
// only the identifiers. Each notification is a full snapshot of that one
// record, never a delta.
type Change struct {
	Collection Collection
	Kind       ChangeKind
	RecordID   string
	OwnerUID   string
	Task       *Task
	Search     *SearchRequest
	Settings   *UserSettings
}

// Dispatcher fans record changes out to per-record and per-owner
// subscribers. Delivery is buffered and lossy under back-pressure; there is
// no ordering guarantee across distinct records.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*changeSubscriber
	nextID      int64
	bufferSize  int
}

type changeSubscriber struct {
	id     int64
	stream chan Change
	done   chan struct{}
}

// NewDispatcher constructs an empty change dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*changeSubscriber),
		bufferSize:  16,
	}
}

func recordKey(collection Collection, recordID string) string {
	return string(collection) + "/id/" + recordID
}

func ownerKey(collection Collection, uid string) string {
	return string(collection) + "/uid/" + uid
}

// SubscribeRecord streams changes for a single record. The returned cancel
// is caller-owned; omitting it leaks the subscription until the context
// ends.
func (d *Dispatcher) SubscribeRecord(ctx context.Context, collection Collection, recordID string) (<-chan Change, func()) {
	return d.subscribe(ctx, recordKey(collection, recordID))
}

// SubscribeOwner streams changes for every record in a collection owned by
// uid.
func (d *Dispatcher) SubscribeOwner(ctx context.Context, collection Collection, uid string) (<-chan Change, func()) {
	return d.subscribe(ctx, ownerKey(collection, uid))
}

func (d *Dispatcher) subscribe(ctx context.Context, key string) (<-chan Change, func()) {
	if key == "" {
		ch := make(chan Change)
		close(ch)
		return ch, func() {}
	}
	subscriber := &changeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan Change, d.bufferSize),
		done:   make(chan struct{}),
	}
	d.register(key, subscriber)
	cancel := func() {
		d.unregister(key, subscriber.id)
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-subscriber.done:
		}
	}()
	return subscriber.stream, cancel
}

// Publish delivers the change to both the record-keyed and owner-keyed
// subscriber sets.
func (d *Dispatcher) Publish(change Change) {
	if change.Collection == "" || change.RecordID == "" {
		return
	}
	d.publishKey(recordKey(change.Collection, change.RecordID), change)
	if change.OwnerUID != "" {
		d.publishKey(ownerKey(change.Collection, change.OwnerUID), change)
	}
}

func (d *Dispatcher) publishKey(key string, change Change) {
	d.mu.RLock()
	subscribers := d.subscribers[key]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*changeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- change:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(key string, subscriber *changeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[key]; !ok {
		d.subscribers[key] = make(map[int64]*changeSubscriber)
	}
	d.subscribers[key][subscriber.id] = subscriber
}

func (d *Dispatcher) unregister(key string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[key]
	if subscribers != nil {
		if subscriber, ok := subscribers[subscriberID]; ok {
			delete(subscribers, subscriberID)
			close(subscriber.done)
		}
		if len(subscribers) == 0 {
			delete(d.subscribers, key)
		}
	}
	d.mu.Unlock()
}
