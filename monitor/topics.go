package monitor

import (
	"time"

	"github.com/fabricmon/console/fabric"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// RequestTopics correlates outstanding request message IDs with the topic
// the request was issued on, so a reply arriving on a private reply channel
// can be presented as if it arrived on the topic that was asked. Entries
// are consumed on first resolution; entries whose response never arrives
// age out of the underlying expirable LRU instead of leaking.
type RequestTopics struct {
	cache *expirable.LRU[string, string]
}

// NewRequestTopics creates a correlation map retaining at most maxEntries
// entries for at most ttl each.
func NewRequestTopics(maxEntries int, ttl time.Duration) *RequestTopics {
	return &RequestTopics{cache: expirable.NewLRU[string, string](maxEntries, nil, ttl)}
}

// Record remembers the topic an outstanding request was issued on. Call
// before the request is published so the reply cannot race the entry.
func (t *RequestTopics) Record(messageID, topic string) {
	t.cache.Add(messageID, topic)
}

// Forget drops a correlation entry, for requests that failed to publish.
func (t *RequestTopics) Forget(messageID string) {
	t.cache.Remove(messageID)
}

// Resolve returns the effective topic for an inbound message: for a reply
// correlated to a recorded request, the original request topic (consuming
// the entry); otherwise the message's own topic.
func (t *RequestTopics) Resolve(msg *fabric.Message) string {
	if msg.IsReply() && msg.RequestMessageID != "" {
		if topic, ok := t.cache.Get(msg.RequestMessageID); ok {
			t.cache.Remove(msg.RequestMessageID)
			return topic
		}
	}
	return msg.Topic
}

// Len reports the number of outstanding correlation entries.
func (t *RequestTopics) Len() int {
	return t.cache.Len()
}
