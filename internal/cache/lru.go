// Package cache implements a bounded conversation cache: a two-level LRU
// keeping at most max_conversations conversations resident,
// each with at most max_messages_per_conversation recent messages, with
// hit/miss/hit_rate accounting exposed both as a snapshot and as
// Prometheus metrics.
package cache

import (
	"container/list"
	"sync"

	"chatcore/internal/chatmodel"
	"chatcore/internal/obsmetrics"
)

type conversationEntry struct {
	conversationID string
	element        *list.Element
	messages       *list.List // of chatmodel.Message, oldest at back
	participants   []chatmodel.Participant
	mode           chatmodel.ConversationMode
}

// Cache is the bounded, goroutine-safe conversation cache.
type Cache struct {
	mu                  sync.Mutex
	order               *list.List // most-recently-used conversation at front
	entries             map[string]*conversationEntry
	maxConversations    int
	maxMessagesPerConvo int

	hits   uint64
	misses uint64

	metrics *obsmetrics.CacheMetrics
}

// New builds a Cache bounded by maxConversations and maxMessagesPerConvo.
// metrics may be nil if Prometheus export is not wired.
func New(maxConversations, maxMessagesPerConvo int, metrics *obsmetrics.CacheMetrics) *Cache {
	if maxConversations <= 0 {
		maxConversations = 1000
	}
	if maxMessagesPerConvo <= 0 {
		maxMessagesPerConvo = 50
	}
	return &Cache{
		order:               list.New(),
		entries:             make(map[string]*conversationEntry),
		maxConversations:    maxConversations,
		maxMessagesPerConvo: maxMessagesPerConvo,
		metrics:             metrics,
	}
}

func (c *Cache) touch(e *conversationEntry) {
	c.order.MoveToFront(e.element)
}

// getOrCreateLocked must be called with c.mu held.
func (c *Cache) getOrCreateLocked(conversationID string) *conversationEntry {
	if e, ok := c.entries[conversationID]; ok {
		c.touch(e)
		return e
	}
	for len(c.entries) >= c.maxConversations {
		c.evictOldestLocked()
	}
	e := &conversationEntry{conversationID: conversationID, messages: list.New()}
	e.element = c.order.PushFront(e)
	c.entries[conversationID] = e
	return e
}

func (c *Cache) evictOldestLocked() {
	back := c.order.Back()
	if back == nil {
		return
	}
	e := back.Value.(*conversationEntry)
	c.order.Remove(back)
	delete(c.entries, e.conversationID)
}

// PutMessage records a message against its conversation, evicting the
// oldest cached message for that conversation if over the per-conversation
// cap.
func (c *Cache) PutMessage(msg chatmodel.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.getOrCreateLocked(msg.ConversationID)
	e.messages.PushFront(msg)
	for e.messages.Len() > c.maxMessagesPerConvo {
		e.messages.Remove(e.messages.Back())
	}
}

// SetParticipants updates the cached participant snapshot for a conversation.
func (c *Cache) SetParticipants(conversationID string, participants []chatmodel.Participant, mode chatmodel.ConversationMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.getOrCreateLocked(conversationID)
	e.participants = participants
	e.mode = mode
}

// RecentMessages returns up to limit most-recent-first messages flipped
// back into chronological order, and whether the conversation was resident
// in the cache at all (a cache hit vs. a caller needing to fall back to
// storage).
func (c *Cache) RecentMessages(conversationID string, limit int) ([]chatmodel.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[conversationID]
	if !ok {
		c.misses++
		if c.metrics != nil {
			c.metrics.RecordMiss()
		}
		return nil, false
	}
	c.touch(e)
	c.hits++
	if c.metrics != nil {
		c.metrics.RecordHit()
	}

	if limit <= 0 || limit > e.messages.Len() {
		limit = e.messages.Len()
	}
	out := make([]chatmodel.Message, 0, limit)
	el := e.messages.Front()
	for i := 0; i < limit && el != nil; i++ {
		out = append(out, el.Value.(chatmodel.Message))
		el = el.Next()
	}
	// reverse: out is newest-first, callers want chronological order
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out, true
}

// Evict drops a conversation from the cache entirely, e.g. when it is
// removed from storage.
func (c *Cache) Evict(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[conversationID]; ok {
		c.order.Remove(e.element)
		delete(c.entries, conversationID)
	}
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	CachedConversations int
	TotalCachedMessages int
	Hits                uint64
	Misses              uint64
	HitRate             float64
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	var rate float64
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	messages := 0
	for _, e := range c.entries {
		messages += e.messages.Len()
	}
	return Stats{
		CachedConversations: len(c.entries),
		TotalCachedMessages: messages,
		Hits:                c.hits,
		Misses:              c.misses,
		HitRate:             rate,
	}
}
