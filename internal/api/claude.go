package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/agproxy/agproxy/internal/registry"
	"github.com/agproxy/agproxy/internal/runtime"
	"github.com/agproxy/agproxy/internal/streaming"
	"github.com/agproxy/agproxy/internal/translator/antigravity"
	"github.com/agproxy/agproxy/internal/translator/tokenizer"
)

// ClaudeMessages serves POST /v1/messages in both stream and non-stream
// modes.
func (h *Handler) ClaudeMessages(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		badRequest(c, "cannot read request body: "+err.Error())
		return
	}
	alias := gjson.GetBytes(rawJSON, "model").String()
	if alias == "" {
		badRequest(c, "model is required")
		return
	}
	res := registry.Resolve(alias)
	envelope := antigravity.ConvertClaudeRequest(res, rawJSON, antigravity.Options{
		Sigs:              h.sigs,
		CompatibilityMode: h.cfg.Get().CompatibilityMode,
	})
	envelope, fits := relieveContextPressure(envelope, res.Model)
	if !fits {
		contextTooLong(c, res.Model)
		return
	}
	req := newRequest(alias, res, envelope)

	if gjson.GetBytes(rawJSON, "stream").Bool() {
		h.streamClaudeMessages(c, req)
		return
	}
	merged, dispErr := h.disp.DispatchCollect(c.Request.Context(), req)
	if dispErr != nil {
		renderError(c, dispErr)
		return
	}
	c.Data(http.StatusOK, "application/json", antigravity.BuildClaudeResponse(res.Model, merged, h.cfg.Get().ReturnThoughts, h.sigs, nil))
}

func (h *Handler) streamClaudeMessages(c *gin.Context, req runtime.Request) {
	stream, dispErr := h.disp.Dispatch(c.Request.Context(), req)
	if dispErr != nil {
		renderError(c, dispErr)
		return
	}
	defer stream.Close()

	w := streaming.NewSSEWriter(c.Writer)
	proj := antigravity.NewClaudeProjector(req.Resolution.Model, h.cfg.Get().ReturnThoughts, h.sigs, nil)
	emit := func(events []antigravity.SSEEvent) bool {
		for _, ev := range events {
			if w.WriteEvent(ev.Event, ev.Data) != nil {
				return false
			}
		}
		return true
	}

	if !emit(proj.Start()) || !emit(proj.Chunk(stream.First)) {
		return
	}
	for event := range stream.Events {
		if event.Err != nil {
			log.Warnf("api: messages stream error: %v", event.Err)
			break
		}
		if !emit(proj.Chunk(event.Data)) {
			return
		}
	}
	emit(proj.Finish())
}

// CountTokens serves POST /v1/messages/count_tokens with a local estimate;
// it never touches upstream quota.
func (h *Handler) CountTokens(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		badRequest(c, "cannot read request body: "+err.Error())
		return
	}
	res := registry.Resolve(gjson.GetBytes(rawJSON, "model").String())
	envelope := antigravity.ConvertClaudeRequest(res, rawJSON, antigravity.Options{})
	c.JSON(http.StatusOK, gin.H{"input_tokens": tokenizer.EstimateEnvelope(envelope)})
}
