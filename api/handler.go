// Package api exposes the outward read surface consumed by UI layers: room
// metadata, participant lists and chat history. Simple pass-throughs to the
// registry and the chat service.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/spiretalk/spiretalk/chat"
	"github.com/spiretalk/spiretalk/config"
	"github.com/spiretalk/spiretalk/registry"
	"github.com/spiretalk/spiretalk/types"
)

type Handler struct {
	registry *registry.Registry
	chat     *chat.Service
	cfg      *config.Config
}

func NewHandler(reg *registry.Registry, chatSvc *chat.Service, cfg *config.Config) *Handler {
	return &Handler{registry: reg, chat: chatSvc, cfg: cfg}
}

func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.registry.GetRoom(mux.Vars(r)["room"])
	if err != nil {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	writeJSON(w, room)
}

func (h *Handler) ListParticipants(w http.ResponseWriter, r *http.Request) {
	roomId := mux.Vars(r)["room"]
	if _, err := h.registry.GetRoom(roomId); err != nil {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	writeJSON(w, h.registry.ListParticipants(roomId))
}

func (h *Handler) ChatHistory(w http.ResponseWriter, r *http.Request) {
	roomId := mux.Vars(r)["room"]
	limit := h.cfg.HistorySize()
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < limit {
			limit = n
		}
	}
	messages, err := h.chat.History(roomId, limit)
	if err != nil {
		http.Error(w, "could not load history", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []types.ChatMessage{}
	}
	writeJSON(w, messages)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
