package notify

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// PendingEvent tracks one durable notification awaiting a subscriber.
type PendingEvent struct {
	Event         Event     `json:"event"`
	Attempts      int       `json:"attempts"`
	QueuedAt      time.Time `json:"queued_at"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`

	seq uint64
}

// Outbox stores durable events by id, bounded per recipient.
type Outbox struct {
	mu              sync.RWMutex
	items           map[string]PendingEvent
	maxPerRecipient int
	nextSeq         uint64
}

// NewOutbox returns an outbox keeping at most maxPerRecipient events for
// each recipient; older ones are dropped first. Zero means unbounded.
func NewOutbox(maxPerRecipient int) *Outbox {
	return &Outbox{
		items:           make(map[string]PendingEvent),
		maxPerRecipient: maxPerRecipient,
	}
}

func (o *Outbox) Upsert(item PendingEvent) {
	key := strings.TrimSpace(item.Event.ID)
	if key == "" {
		return
	}
	if item.QueuedAt.IsZero() {
		item.QueuedAt = time.Now()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.items[key]; ok {
		item.seq = prev.seq
	}
	if item.seq == 0 {
		o.nextSeq++
		item.seq = o.nextSeq
	}
	o.items[key] = item
	o.trimLocked(item.Event.Recipient)
}

func (o *Outbox) trimLocked(recipient string) {
	if o.maxPerRecipient <= 0 {
		return
	}
	queued := o.forRecipientLocked(recipient)
	for len(queued) > o.maxPerRecipient {
		delete(o.items, queued[0].Event.ID)
		queued = queued[1:]
	}
}

func (o *Outbox) MarkAttempt(eventID string, at time.Time, lastErr string) (PendingEvent, bool) {
	key := strings.TrimSpace(eventID)
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[key]
	if !ok {
		return PendingEvent{}, false
	}
	item.Attempts++
	item.LastAttemptAt = at
	item.LastError = strings.TrimSpace(lastErr)
	o.items[key] = item
	return item, true
}

// Remove drops one queued event and reports whether it was present.
func (o *Outbox) Remove(eventID string) bool {
	key := strings.TrimSpace(eventID)
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.items[key]; !ok {
		return false
	}
	delete(o.items, key)
	return true
}

func (o *Outbox) Get(eventID string) (PendingEvent, bool) {
	key := strings.TrimSpace(eventID)
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[key]
	return item, ok
}

// Take removes and returns every event queued for recipient, oldest first.
func (o *Outbox) Take(recipient string) []PendingEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.forRecipientLocked(recipient)
	for _, item := range out {
		delete(o.items, item.Event.ID)
	}
	return out
}

func (o *Outbox) forRecipientLocked(recipient string) []PendingEvent {
	var out []PendingEvent
	for _, item := range o.items {
		if item.Event.Recipient == recipient {
			out = append(out, item)
		}
	}
	sortPending(out)
	return out
}

func (o *Outbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}

// List returns every queued event, oldest first.
func (o *Outbox) List() []PendingEvent {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingEvent, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sortPending(out)
	return out
}

func sortPending(items []PendingEvent) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].QueuedAt.Equal(items[j].QueuedAt) {
			return items[i].seq < items[j].seq
		}
		return items[i].QueuedAt.Before(items[j].QueuedAt)
	})
}
