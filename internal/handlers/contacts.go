package handlers

import (
	"net/http"

	"github.com/parleychat/parley/internal/api/middleware"
)

// Contact represents one entry in the contact list.
type Contact struct {
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

// Contacts returns every registered user except the caller, with live
// presence flags.
func (h *Handler) Contacts(w http.ResponseWriter, r *http.Request) {
	caller := middleware.GetUserFromContext(r.Context())

	usernames, err := h.store.ListUsernames(r.Context())
	if err != nil {
		h.Fail(w, err)
		return
	}

	online := make(map[string]bool)
	for _, name := range h.reg.OnlineUsernames() {
		online[name] = true
	}

	contacts := make([]Contact, 0, len(usernames))
	for _, name := range usernames {
		if name == caller {
			continue
		}
		contacts = append(contacts, Contact{Username: name, Online: online[name]})
	}

	h.JSON(w, http.StatusOK, map[string]any{"contacts": contacts})
}
