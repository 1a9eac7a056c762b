package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/parleychat/parley/internal/api/middleware"
	"github.com/parleychat/parley/internal/models"
)

// HistoryMessage represents one message in history responses.
type HistoryMessage struct {
	ID            string `json:"id"`
	Sender        string `json:"sender"`
	Message       string `json:"message,omitempty"`
	AudioURL      string `json:"audio_url,omitempty"`
	Transcription string `json:"transcription,omitempty"`
	Timestamp     int64  `json:"timestamp"`
}

func historyMessages(msgs []models.Message) []HistoryMessage {
	out := make([]HistoryMessage, len(msgs))
	for i, m := range msgs {
		out[i] = HistoryMessage{
			ID:            m.ID,
			Sender:        m.Sender,
			Message:       m.Body,
			AudioURL:      m.AudioURL,
			Transcription: m.Transcription,
			Timestamp:     m.Timestamp,
		}
	}
	return out
}

// DirectHistory returns the full conversation with a peer, oldest first.
// Fetching marks the peer's messages to the viewer as read.
func (h *Handler) DirectHistory(w http.ResponseWriter, r *http.Request) {
	username := middleware.GetUserFromContext(r.Context())
	peer := chi.URLParam(r, "peer")
	if !validUsername(peer) {
		h.Error(w, http.StatusBadRequest, "invalid peer username")
		return
	}

	msgs, err := h.store.DirectHistory(r.Context(), username, peer)
	if err != nil {
		h.Fail(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"messages": historyMessages(msgs)})
}

// GroupHistory returns a group's conversation, oldest first, for members
// only. Fetching advances the viewer's read watermark for the group.
func (h *Handler) GroupHistory(w http.ResponseWriter, r *http.Request) {
	username := middleware.GetUserFromContext(r.Context())
	groupID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid group ID format")
		return
	}

	msgs, err := h.store.GroupHistory(r.Context(), groupID, username)
	if err != nil {
		h.Fail(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"messages": historyMessages(msgs)})
}

// Unread returns per-conversation unread counts for the authenticated
// user. Direct scopes are keyed by peer username, group scopes by
// "group:<id>".
func (h *Handler) Unread(w http.ResponseWriter, r *http.Request) {
	username := middleware.GetUserFromContext(r.Context())

	counts, err := h.store.UnreadCounts(r.Context(), username)
	if err != nil {
		h.Fail(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"unread": counts})
}
