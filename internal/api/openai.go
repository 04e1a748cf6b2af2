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
)

// ChatCompletions serves POST /v1/chat/completions in both stream and
// non-stream modes.
func (h *Handler) ChatCompletions(c *gin.Context) {
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
	envelope := antigravity.ConvertOpenAIRequest(res, rawJSON, antigravity.Options{
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
		h.streamChatCompletions(c, req)
		return
	}
	merged, dispErr := h.disp.DispatchCollect(c.Request.Context(), req)
	if dispErr != nil {
		renderError(c, dispErr)
		return
	}
	c.Data(http.StatusOK, "application/json", antigravity.BuildOpenAIResponse(res.Model, merged, h.cfg.Get().ReturnThoughts, h.sigs, nil))
}

func (h *Handler) streamChatCompletions(c *gin.Context, req runtime.Request) {
	stream, dispErr := h.disp.Dispatch(c.Request.Context(), req)
	if dispErr != nil {
		renderError(c, dispErr)
		return
	}
	defer stream.Close()

	w := streaming.NewSSEWriter(c.Writer)
	proj := antigravity.NewOpenAIProjector(req.Resolution.Model, h.cfg.Get().ReturnThoughts, h.sigs, nil)
	emit := func(raw []byte) bool {
		for _, chunk := range proj.Chunk(raw) {
			if w.WriteData(chunk) != nil {
				return false
			}
		}
		return true
	}

	if !emit(stream.First) {
		return
	}
	for event := range stream.Events {
		if event.Err != nil {
			log.Warnf("api: chat completions stream error: %v", event.Err)
			break
		}
		if !emit(event.Data) {
			return
		}
	}
	_ = w.Done()
}
