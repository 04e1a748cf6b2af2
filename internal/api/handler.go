package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agproxy/agproxy/internal/cache"
	"github.com/agproxy/agproxy/internal/config"
	"github.com/agproxy/agproxy/internal/registry"
	"github.com/agproxy/agproxy/internal/runtime"
	"github.com/agproxy/agproxy/internal/translator/tokenizer"
)

// toolResultLimit caps one tool result before compression kicks in.
const toolResultLimit = 4096

// Handler carries the shared dependencies of all route handlers.
type Handler struct {
	cfg  *config.Provider
	disp *runtime.Dispatcher
	sigs *cache.SignatureCache
	conv *cache.ConversationCache
}

// relieveContextPressure shrinks an envelope that exceeds the model's
// context window: oversized tool results are compressed first, then the
// oldest turns are evicted. Returns false when the envelope still does
// not fit; such requests are rejected rather than sent upstream.
func relieveContextPressure(envelope []byte, model string) ([]byte, bool) {
	window := registry.ContextWindow(model)
	if tokenizer.EstimateEnvelope(envelope) <= window {
		return envelope, true
	}
	envelope = tokenizer.CompressEnvelope(envelope, toolResultLimit)
	envelope = tokenizer.SmartTruncate(envelope, window)
	if tokenizer.EstimateEnvelope(envelope) > window {
		return envelope, false
	}
	return envelope, true
}

func contextTooLong(c *gin.Context, model string) {
	badRequest(c, "request exceeds the context window for "+model+
		" even after tool result compression; start a new conversation or remove older turns")
}

// newRequest assembles the dispatch unit for a translated envelope.
func newRequest(alias string, res registry.Resolution, envelope []byte) runtime.Request {
	return runtime.Request{
		Alias:      alias,
		Resolution: res,
		Envelope:   envelope,
		SessionID:  uuid.NewString(),
	}
}

// renderError writes a dispatch error in the error shape all dialects read.
func renderError(c *gin.Context, err *runtime.Error) {
	status := err.StatusCode
	if status == 0 {
		status = http.StatusBadGateway
	}
	if len(err.Upstream) > 0 && err.Tag == runtime.TagBadRequest {
		// Pass the upstream 400 body through untouched; it names the field.
		c.Data(status, "application/json", err.Upstream)
		return
	}
	c.Data(status, "application/json", err.Body())
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error": gin.H{"message": message, "type": "invalid_request_error"},
	})
}

// Models serves the OpenAI-shape model list.
func (h *Handler) Models(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   registry.ModelCards(),
	})
}

// GeminiModels serves the model list in Gemini's native shape.
func (h *Handler) GeminiModels(c *gin.Context) {
	var models []gin.H
	for _, card := range registry.ModelCards() {
		models = append(models, gin.H{
			"name":                       "models/" + card.ID,
			"displayName":                card.DisplayName,
			"supportedGenerationMethods": []string{"generateContent", "streamGenerateContent"},
		})
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}
