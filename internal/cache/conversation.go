package cache

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// ToolInvocation remembers the name and serialized arguments of a tool
// call previously streamed to the bridge client, keyed by tool_call_id.
type ToolInvocation struct {
	Name      string
	Arguments string
}

// ConversationState is the bridge-side memory for one conversation: the
// model the client selected, the chat history snapshot, and the pending
// tool invocations needed to rebuild assistant tool-use messages when the
// client posts bare tool results.
type ConversationState struct {
	mu sync.Mutex

	SelectedModel string
	ChatHistory   []byte
	toolCalls     map[string]ToolInvocation
	lastSignature string
}

// RememberSignature records the most recent thought signature seen in this
// conversation; a recovery source when the text-keyed cache misses.
func (s *ConversationState) RememberSignature(signature string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if signature != "" {
		s.lastSignature = signature
	}
}

// LastSignature returns the most recent signature for the conversation.
func (s *ConversationState) LastSignature() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSignature
}

// RememberToolCall records a streamed tool call.
func (s *ConversationState) RememberToolCall(id, name, arguments string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.toolCalls == nil {
		s.toolCalls = make(map[string]ToolInvocation)
	}
	s.toolCalls[id] = ToolInvocation{Name: name, Arguments: arguments}
}

// ToolCall returns the remembered invocation for a tool_call_id.
func (s *ConversationState) ToolCall(id string) (ToolInvocation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.toolCalls[id]
	return inv, ok
}

// ConversationCache maps conversation ids to their state with a TTL so
// abandoned conversations age out on their own.
type ConversationCache struct {
	cache *gocache.Cache
}

// NewConversationCache creates the cache with the bridge's TTL.
func NewConversationCache() *ConversationCache {
	return &ConversationCache{cache: gocache.New(45*time.Minute, 10*time.Minute)}
}

// Get returns the state for the conversation, creating it on first use.
func (c *ConversationCache) Get(conversationID string) *ConversationState {
	if v, ok := c.cache.Get(conversationID); ok {
		// Touch the TTL so active conversations stay alive.
		state := v.(*ConversationState)
		c.cache.Set(conversationID, state, gocache.DefaultExpiration)
		return state
	}
	state := &ConversationState{}
	c.cache.Set(conversationID, state, gocache.DefaultExpiration)
	return state
}

// Peek returns the state without creating it.
func (c *ConversationCache) Peek(conversationID string) (*ConversationState, bool) {
	if v, ok := c.cache.Get(conversationID); ok {
		return v.(*ConversationState), true
	}
	return nil, false
}
