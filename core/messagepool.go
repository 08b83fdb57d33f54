package core

import (
	"sync"
	"time"
)

// poolEntry pairs a pool message with the local time it was first observed.
type poolEntry struct {
	msg    *Message
	seenAt int64 // ms since epoch
}

// MessagePool is a node's local view of every valid message it has
// observed, with per-message inclusion tracking. It has no I/O: every
// operation is a pure state transform over in-memory maps.
type MessagePool struct {
	mu           sync.RWMutex
	entries      map[string]poolEntry // message_id -> entry
	order        []string             // insertion order, for deterministic draining
	seenInBlocks map[string]struct{}  // message_id -> committed
}

// NewMessagePool returns an empty pool.
func NewMessagePool() *MessagePool {
	return &MessagePool{
		entries:      make(map[string]poolEntry),
		seenInBlocks: make(map[string]struct{}),
	}
}

// Add stamps seen_at and stores msg, keyed by MessageID. Adding the same
// message_id again replaces the entry (and its seen_at) but does not
// duplicate the insertion-order slot, making Add idempotent on repeats.
func (p *MessagePool) Add(msg *Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.entries[msg.MessageID]; !exists {
		p.order = append(p.order, msg.MessageID)
	}
	p.entries[msg.MessageID] = poolEntry{msg: msg, seenAt: time.Now().UnixMilli()}
}

// MarkIncluded records that message_id has been committed to a block.
func (p *MessagePool) MarkIncluded(messageID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seenInBlocks[messageID] = struct{}{}
}

// Pending returns messages not yet marked included, in insertion order.
func (p *MessagePool) Pending() []*Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Message, 0, len(p.order))
	for _, id := range p.order {
		if _, included := p.seenInBlocks[id]; included {
			continue
		}
		if e, ok := p.entries[id]; ok {
			out = append(out, e.msg)
		}
	}
	return out
}

// PendingCount returns len(Pending()) without allocating the slice.
func (p *MessagePool) PendingCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, id := range p.order {
		if _, included := p.seenInBlocks[id]; !included {
			if _, ok := p.entries[id]; ok {
				n++
			}
		}
	}
	return n
}

// MessagesInTimeRange returns messages whose seen_at falls in [lo, hi].
func (p *MessagePool) MessagesInTimeRange(lo, hi int64) []*Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*Message
	for _, id := range p.order {
		e, ok := p.entries[id]
		if ok && e.seenAt >= lo && e.seenAt <= hi {
			out = append(out, e.msg)
		}
	}
	return out
}

// FindMissing returns messages observed in [lo, hi] that are not yet
// marked included.
func (p *MessagePool) FindMissing(lo, hi int64) []*Message {
	inRange := p.MessagesInTimeRange(lo, hi)
	p.mu.RLock()
	defer p.mu.RUnlock()
	var missing []*Message
	for _, m := range inRange {
		if _, included := p.seenInBlocks[m.MessageID]; !included {
			missing = append(missing, m)
		}
	}
	return missing
}

// Cleanup evicts entries seen more than retentionMs ago, regardless of
// inclusion status.
func (p *MessagePool) Cleanup(retentionMs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().UnixMilli() - retentionMs
	kept := p.order[:0]
	for _, id := range p.order {
		e, ok := p.entries[id]
		if !ok {
			continue
		}
		if e.seenAt < cutoff {
			delete(p.entries, id)
			delete(p.seenInBlocks, id)
			continue
		}
		kept = append(kept, id)
	}
	p.order = kept
}

// Has reports whether message_id is present in the pool.
func (p *MessagePool) Has(messageID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.entries[messageID]
	return ok
}

// Get returns the message for message_id, if present.
func (p *MessagePool) Get(messageID string) (*Message, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[messageID]
	if !ok {
		return nil, false
	}
	return e.msg, true
}
