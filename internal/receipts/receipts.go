// Package receipts computes per-message read progress for multi-recipient
// chat messages from each recipient's channel-level read pointer.
package receipts

import (
	"sort"
	"sync"
	"time"
)

// State is the read badge of a message
type State string

const (
	StateUnread   State = "unread"
	StateSomeRead State = "some_read"
	StateAllRead  State = "all_read"
)

// Progress is the read status of one message
type Progress struct {
	State          State `json:"state"`
	ReadersCount   int   `json:"readers_count"`
	RecipientCount int   `json:"recipient_count"`
}

// Compute counts the read pointers at or after messageAt. sortedReads must be
// in ascending order; recipients that never read anything are simply absent,
// so recipientCount may exceed len(sortedReads).
func Compute(messageAt time.Time, sortedReads []time.Time, recipientCount int) Progress {
	if recipientCount <= 0 {
		return Progress{State: StateUnread}
	}

	first := sort.Search(len(sortedReads), func(i int) bool {
		return !sortedReads[i].Before(messageAt)
	})
	readers := len(sortedReads) - first

	p := Progress{ReadersCount: readers, RecipientCount: recipientCount}
	switch {
	case readers == 0:
		p.State = StateUnread
	case readers >= recipientCount:
		p.State = StateAllRead
	default:
		p.State = StateSomeRead
	}
	return p
}

// Tracker keeps the read pointers of every conversation in memory.
// It is per-process state and is not shared between instances.
type Tracker struct {
	mu            sync.Mutex
	conversations map[string]*conversation
}

type conversation struct {
	pointers map[string]time.Time // recipient -> last read at
	sorted   []time.Time
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{conversations: make(map[string]*conversation)}
}

// MarkRead moves the recipient's read pointer to at. Pointers only advance:
// an older timestamp is ignored. Returns whether the pointer moved.
func (t *Tracker) MarkRead(conversationID, recipientID string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.conversations[conversationID]
	if !ok {
		c = &conversation{pointers: make(map[string]time.Time)}
		t.conversations[conversationID] = c
	}

	prev, seen := c.pointers[recipientID]
	if seen && !at.After(prev) {
		return false
	}
	c.pointers[recipientID] = at

	if seen {
		c.sorted = removeOne(c.sorted, prev)
	}
	c.sorted = insertSorted(c.sorted, at)
	return true
}

// Progress computes the read status of a message posted at messageAt.
func (t *Tracker) Progress(conversationID string, messageAt time.Time, recipientCount int) Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	var reads []time.Time
	if c, ok := t.conversations[conversationID]; ok {
		reads = c.sorted
	}
	return Compute(messageAt, reads, recipientCount)
}

// Forget drops every pointer of a conversation.
func (t *Tracker) Forget(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conversations, conversationID)
}

func insertSorted(s []time.Time, at time.Time) []time.Time {
	i := sort.Search(len(s), func(i int) bool { return s[i].After(at) })
	s = append(s, time.Time{})
	copy(s[i+1:], s[i:])
	s[i] = at
	return s
}

func removeOne(s []time.Time, at time.Time) []time.Time {
	i := sort.Search(len(s), func(i int) bool { return !s[i].Before(at) })
	if i < len(s) && s[i].Equal(at) {
		return append(s[:i], s[i+1:]...)
	}
	return s
}
