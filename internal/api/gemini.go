package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/agproxy/agproxy/internal/registry"
	"github.com/agproxy/agproxy/internal/runtime"
	"github.com/agproxy/agproxy/internal/streaming"
	"github.com/agproxy/agproxy/internal/translator/antigravity"
)

// GeminiGenerate serves POST /v1beta/models/{model}:generateContent and
// :streamGenerateContent. Gin sees the whole "{model}:{verb}" segment as
// one parameter.
func (h *Handler) GeminiGenerate(c *gin.Context) {
	action := c.Param("action")
	model, verb, ok := strings.Cut(action, ":")
	if !ok {
		badRequest(c, "expected models/{model}:generateContent")
		return
	}
	rawJSON, err := c.GetRawData()
	if err != nil {
		badRequest(c, "cannot read request body: "+err.Error())
		return
	}

	res := registry.Resolve(model)
	envelope := antigravity.ConvertGeminiRequest(res, rawJSON, antigravity.Options{Sigs: h.sigs})
	envelope, fits := relieveContextPressure(envelope, res.Model)
	if !fits {
		contextTooLong(c, res.Model)
		return
	}
	req := newRequest(model, res, envelope)

	switch verb {
	case "streamGenerateContent":
		h.streamGeminiGenerate(c, req)
	case "generateContent":
		merged, dispErr := h.disp.DispatchCollect(c.Request.Context(), req)
		if dispErr != nil {
			renderError(c, dispErr)
			return
		}
		c.Data(http.StatusOK, "application/json", antigravity.BuildGeminiResponse(res.Model, merged, h.cfg.Get().ReturnThoughts, h.sigs, nil))
	default:
		badRequest(c, "unsupported method "+verb)
	}
}

func (h *Handler) streamGeminiGenerate(c *gin.Context, req runtime.Request) {
	stream, dispErr := h.disp.Dispatch(c.Request.Context(), req)
	if dispErr != nil {
		renderError(c, dispErr)
		return
	}
	defer stream.Close()

	w := streaming.NewSSEWriter(c.Writer)
	emit := func(raw []byte) bool {
		chunk := antigravity.ProjectGeminiChunk(raw, req.Resolution.Model, h.cfg.Get().ReturnThoughts, h.sigs, nil)
		return w.WriteData(string(chunk)) == nil
	}

	if !emit(stream.First) {
		return
	}
	for event := range stream.Events {
		if event.Err != nil {
			log.Warnf("api: generateContent stream error: %v", event.Err)
			return
		}
		if !emit(event.Data) {
			return
		}
	}
}
