package handlers

import (
	"encoding/json"
	"net/http"
	"regexp"

	"github.com/rs/zerolog"

	"github.com/parleychat/parley/internal/apperr"
	"github.com/parleychat/parley/internal/auth"
	"github.com/parleychat/parley/internal/delivery"
	"github.com/parleychat/parley/internal/presence"
	"github.com/parleychat/parley/internal/store"
)

// usernameRegex bounds usernames to a safe, URL-embeddable alphabet.
var usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.\-]{1,32}$`)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	store     store.Store
	router    *delivery.Router
	reg       *presence.Registry
	tokens    *auth.TokenIssuer
	uploadDir string
	log       zerolog.Logger
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(s store.Store, router *delivery.Router, reg *presence.Registry, tokens *auth.TokenIssuer, uploadDir string, log zerolog.Logger) *Handler {
	return &Handler{
		store:     s,
		router:    router,
		reg:       reg,
		tokens:    tokens,
		uploadDir: uploadDir,
		log:       log,
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// Fail maps an application error onto the wire: known kinds keep their
// message, anything else becomes an opaque 500 and is logged.
func (h *Handler) Fail(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("request failed")
		h.Error(w, status, "internal error")
		return
	}
	h.Error(w, status, err.Error())
}

// validUsername reports whether name is an acceptable username.
func validUsername(name string) bool {
	return usernameRegex.MatchString(name)
}
