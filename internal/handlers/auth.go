package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/parleychat/parley/internal/auth"
	"github.com/parleychat/parley/internal/metrics"
)

// CredentialsRequest is the body of both registration and login.
type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResponse carries the session token issued on success.
type AuthResponse struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

// Register handles account creation.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if !validUsername(req.Username) {
		h.Error(w, http.StatusBadRequest, "username must be 1-32 characters of letters, digits, '_', '.' or '-'")
		return
	}
	if len(req.Password) < 8 {
		h.Error(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.Fail(w, err)
		return
	}

	if _, err := h.store.CreateUser(r.Context(), req.Username, hash); err != nil {
		h.Fail(w, err)
		return
	}
	metrics.UsersRegistered.Inc()

	token, err := h.tokens.Issue(req.Username)
	if err != nil {
		h.Fail(w, err)
		return
	}
	h.JSON(w, http.StatusCreated, AuthResponse{Username: req.Username, Token: token})
}

// Login handles credential verification and token issue. Unknown user and
// wrong password are indistinguishable on the wire.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	user, err := h.store.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		h.Fail(w, err)
		return
	}
	if user == nil || !auth.VerifyPassword(user.PasswordHash, req.Password) {
		h.Error(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	token, err := h.tokens.Issue(req.Username)
	if err != nil {
		h.Fail(w, err)
		return
	}
	h.JSON(w, http.StatusOK, AuthResponse{Username: req.Username, Token: token})
}
