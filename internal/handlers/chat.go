package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/BerylCAtieno/upload-insights-api/internal/models"
	"github.com/BerylCAtieno/upload-insights-api/internal/services"
	"github.com/BerylCAtieno/upload-insights-api/internal/utils"
)

type ChatHandler struct {
	responder
	service services.ChatService
}

func NewChatHandler(service services.ChatService, logger *utils.Logger) *ChatHandler {
	return &ChatHandler{responder: responder{logger: logger}, service: service}
}

func (h *ChatHandler) Ask(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		h.respondError(w, utils.NewBadRequestError("Invalid JSON body"))
		return
	}

	resp, err := h.service.Ask(r.Context(), req.Query)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, resp)
}
