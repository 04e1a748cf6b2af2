// Package cache holds the process-local caches whose correctness is
// load-bearing for thinking-enabled models: the thought-signature cache
// that reinstates signatures clients strip from replayed thinking blocks,
// and the conversation-scoped state used by the NDJSON bridge.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"

	"github.com/agproxy/agproxy/internal/store"
)

const (
	// MinSignatureLength is the shortest signature accepted; anything
	// shorter is an upstream artifact, not a valid signature.
	MinSignatureLength = 55

	defaultCapacity = 8192
	defaultTTL      = 45 * time.Minute
)

type signatureEntry struct {
	Signature string    `json:"signature"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SignatureCache maps thinking-text fingerprints to thought signatures,
// and tool-use ids to the signature of the thinking block that produced
// them. L1 is a bounded in-memory LRU with TTL; an optional L2 writes
// through to the persistence adapter so signatures survive restarts.
type SignatureCache struct {
	mu       sync.Mutex
	texts    *expirable.LRU[string, signatureEntry]
	tools    *expirable.LRU[string, string]
	lastSig  string
	lastText string

	persist *store.Store
}

// NewSignatureCache creates a cache with the default bounds. A non-nil
// store enables the persistent L2 layer.
func NewSignatureCache(persist *store.Store) *SignatureCache {
	return &SignatureCache{
		texts:   expirable.NewLRU[string, signatureEntry](defaultCapacity, nil, defaultTTL),
		tools:   expirable.NewLRU[string, string](defaultCapacity, nil, defaultTTL),
		persist: persist,
	}
}

// HashText fingerprints thinking text for cache keys.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Put stores a signature for the given thinking text. Empty text and
// too-short signatures are rejected.
func (c *SignatureCache) Put(thinkingText, signature, model string) {
	if strings.TrimSpace(thinkingText) == "" || len(signature) < MinSignatureLength {
		return
	}
	entry := signatureEntry{Signature: signature, Model: model, CreatedAt: time.Now()}
	hash := HashText(thinkingText)

	c.mu.Lock()
	c.texts.Add(hash, entry)
	c.lastSig = signature
	c.lastText = thinkingText
	c.mu.Unlock()

	if c.persist != nil {
		if blob, err := json.Marshal(entry); err == nil {
			if errPut := c.persist.PutSignature(hash, blob); errPut != nil {
				log.Debugf("signature cache: L2 write failed: %v", errPut)
			}
		}
	}
}

// Get returns the signature for the thinking text, or "".
func (c *SignatureCache) Get(thinkingText string) string {
	hash := HashText(thinkingText)

	c.mu.Lock()
	entry, ok := c.texts.Get(hash)
	c.mu.Unlock()
	if ok {
		return entry.Signature
	}

	if c.persist != nil {
		if blob, err := c.persist.GetSignature(hash); err == nil && blob != nil {
			var persisted signatureEntry
			if errUnmarshal := json.Unmarshal(blob, &persisted); errUnmarshal == nil && persisted.Signature != "" {
				c.mu.Lock()
				c.texts.Add(hash, persisted)
				c.mu.Unlock()
				return persisted.Signature
			}
		}
	}
	return ""
}

// PutTool associates a tool-use id with a signature.
func (c *SignatureCache) PutTool(toolUseID, signature string) {
	if toolUseID == "" || len(signature) < MinSignatureLength {
		return
	}
	c.mu.Lock()
	c.tools.Add(toolUseID, signature)
	c.mu.Unlock()
}

// GetTool returns the signature recorded for a tool-use id, or "".
func (c *SignatureCache) GetTool(toolUseID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sig, ok := c.tools.Get(toolUseID); ok {
		return sig
	}
	return ""
}

// GetLast returns the most recently stored (signature, thinking text)
// pair; the last-resort recovery source.
func (c *SignatureCache) GetLast() (signature, thinkingText string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSig, c.lastText
}

// Len reports the current L1 entry count (tests and stats).
func (c *SignatureCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.texts.Len()
}
