package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/parleychat/parley/internal/api/middleware"
	"github.com/parleychat/parley/internal/models"
)

// maxAudioBytes caps voice message uploads at 10 MiB.
const maxAudioBytes = 10 << 20

// SendAudioResponse represents the upload response.
type SendAudioResponse struct {
	AudioURL string `json:"audio_url"`
}

// SendAudio accepts a multipart voice message upload and delivers it like
// a text send. Files are content-addressed: the name is derived from the
// payload hash, so re-uploads of identical audio dedupe to one file.
func (h *Handler) SendAudio(w http.ResponseWriter, r *http.Request) {
	username := middleware.GetUserFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxAudioBytes)
	if err := r.ParseMultipartForm(maxAudioBytes); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid multipart form or payload too large")
		return
	}

	file, _, err := r.FormFile("audio")
	if err != nil {
		h.Error(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()

	recipient := r.FormValue("recipient")
	groupID := r.FormValue("group_id")
	transcription := r.FormValue("transcription")

	var target models.Target
	switch {
	case recipient != "" && groupID == "":
		target = models.DirectTarget(recipient)
	case groupID != "" && recipient == "":
		target = models.GroupTarget(groupID)
	default:
		h.Error(w, http.StatusBadRequest, "exactly one of recipient or group_id is required")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		h.Error(w, http.StatusBadRequest, "failed to read audio payload")
		return
	}
	if len(data) == 0 {
		h.Error(w, http.StatusBadRequest, "audio payload is empty")
		return
	}

	sum := sha256.Sum256(data)
	name := hex.EncodeToString(sum[:])[:16] + ".webm"
	path := filepath.Join(h.uploadDir, name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, data, 0o644); err != nil {
			h.log.Error().Err(err).Str("path", path).Msg("writing audio file")
			h.Error(w, http.StatusInternalServerError, "failed to store audio")
			return
		}
	}

	audioURL := "/uploads/" + name
	if err := h.router.SendAudio(r.Context(), username, target, audioURL, transcription); err != nil {
		h.Fail(w, err)
		return
	}

	h.JSON(w, http.StatusCreated, SendAudioResponse{AudioURL: audioURL})
}
