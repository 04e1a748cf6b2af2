package antigravity

import (
	"github.com/agproxy/agproxy/internal/cache"
)

// signatureResolver materializes thought signatures for outgoing thinking
// and tool-call parts. Recovery sources in priority order: the signature
// the client sent, the last signature seen earlier in this request, one
// embedded in an encoded tool id, the conversation-scoped signature, the
// tool-id cache, and finally the most recent signature the process saw.
type signatureResolver struct {
	sigs     *cache.SignatureCache
	conv     *cache.ConversationState
	lastSeen string
}

func newSignatureResolver(sigs *cache.SignatureCache, conv *cache.ConversationState) *signatureResolver {
	return &signatureResolver{sigs: sigs, conv: conv}
}

// observe records a signature present in the request so later blocks in the
// same request can reuse it.
func (r *signatureResolver) observe(signature string) {
	if signature != "" {
		r.lastSeen = signature
		if r.conv != nil {
			r.conv.RememberSignature(signature)
		}
	}
}

// forThinking resolves a signature for a thinking block with given text.
func (r *signatureResolver) forThinking(clientSig, text string) string {
	if clientSig != "" {
		return clientSig
	}
	if r.sigs != nil {
		if sig := r.sigs.Get(text); sig != "" {
			return sig
		}
	}
	if r.lastSeen != "" {
		return r.lastSeen
	}
	if r.conv != nil {
		if sig := r.conv.LastSignature(); sig != "" {
			return sig
		}
	}
	if r.sigs != nil {
		if sig, _ := r.sigs.GetLast(); sig != "" {
			return sig
		}
	}
	return ""
}

// forToolCall resolves a signature for a replayed function call. The
// returned id has any embedded signature suffix stripped.
func (r *signatureResolver) forToolCall(encodedID, clientSig string) (id, signature string) {
	id, embedded := DecodeToolID(encodedID)
	if clientSig != "" {
		return id, clientSig
	}
	if embedded != "" {
		return id, embedded
	}
	if r.lastSeen != "" {
		return id, r.lastSeen
	}
	if r.conv != nil {
		if sig := r.conv.LastSignature(); sig != "" {
			return id, sig
		}
	}
	if r.sigs != nil {
		if sig := r.sigs.GetTool(id); sig != "" {
			return id, sig
		}
		if sig, _ := r.sigs.GetLast(); sig != "" {
			return id, sig
		}
	}
	// The upstream-documented bypass for unrecoverable signatures.
	return id, SignatureSentinel
}
