package handlers

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/parleychat/parley/internal/api/middleware"
	"github.com/parleychat/parley/internal/models"
)

// Group name validation: printable, trimmed, 1-50 chars.
var groupNameRegex = regexp.MustCompile(`^[a-zA-Z0-9 _\-]{1,50}$`)

// CreateGroupRequest represents the group creation request.
type CreateGroupRequest struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// RenameGroupRequest represents the rename request.
type RenameGroupRequest struct {
	Name string `json:"name"`
}

// MembersRequest represents the full replacement member list.
type MembersRequest struct {
	Members []string `json:"members"`
}

// GroupResponse represents a group in API responses.
type GroupResponse struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Creator string   `json:"creator"`
	Members []string `json:"members"`
}

func groupResponse(g *models.Group) GroupResponse {
	return GroupResponse{
		ID:      g.ID.String(),
		Name:    g.Name,
		Creator: g.Creator,
		Members: g.Members,
	}
}

// CreateGroup handles group creation. The creator is always a member,
// whether or not the request lists them.
func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	username := middleware.GetUserFromContext(r.Context())

	var req CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if !groupNameRegex.MatchString(req.Name) {
		h.Error(w, http.StatusBadRequest, "name must be 1-50 characters, alphanumeric with spaces, hyphens and underscores")
		return
	}

	group, err := h.store.CreateGroup(r.Context(), req.Name, username, req.Members)
	if err != nil {
		h.Fail(w, err)
		return
	}

	// Connections of the new members learn about the group on their next
	// connect; the creator's live session joins the room immediately.
	if conn, ok := h.reg.Lookup(username); ok {
		h.reg.Join("group:"+group.ID.String(), conn)
	}

	h.JSON(w, http.StatusCreated, groupResponse(group))
}

// ListGroups returns the groups the authenticated user belongs to.
func (h *Handler) ListGroups(w http.ResponseWriter, r *http.Request) {
	username := middleware.GetUserFromContext(r.Context())

	groups, err := h.store.GroupsFor(r.Context(), username)
	if err != nil {
		h.Fail(w, err)
		return
	}

	out := make([]GroupResponse, len(groups))
	for i := range groups {
		out[i] = groupResponse(&groups[i])
	}
	h.JSON(w, http.StatusOK, map[string]any{"groups": out})
}

// RenameGroup handles renaming; any current member may rename.
func (h *Handler) RenameGroup(w http.ResponseWriter, r *http.Request) {
	username := middleware.GetUserFromContext(r.Context())
	groupID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid group ID format")
		return
	}

	var req RenameGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if !groupNameRegex.MatchString(req.Name) {
		h.Error(w, http.StatusBadRequest, "name must be 1-50 characters, alphanumeric with spaces, hyphens and underscores")
		return
	}

	if err := h.store.RenameGroup(r.Context(), groupID, req.Name, username); err != nil {
		h.Fail(w, err)
		return
	}
	group, err := h.store.GetGroup(r.Context(), groupID)
	if err != nil {
		h.Fail(w, err)
		return
	}
	if group == nil {
		h.Error(w, http.StatusNotFound, "group not found")
		return
	}
	h.JSON(w, http.StatusOK, groupResponse(group))
}

// SetGroupMembers replaces the member list; any current member may edit
// it, and the requester is always retained.
func (h *Handler) SetGroupMembers(w http.ResponseWriter, r *http.Request) {
	username := middleware.GetUserFromContext(r.Context())
	groupID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid group ID format")
		return
	}

	var req MembersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := h.store.SetGroupMembers(r.Context(), groupID, req.Members, username); err != nil {
		h.Fail(w, err)
		return
	}
	group, err := h.store.GetGroup(r.Context(), groupID)
	if err != nil {
		h.Fail(w, err)
		return
	}
	if group == nil {
		h.Error(w, http.StatusNotFound, "group not found")
		return
	}
	h.JSON(w, http.StatusOK, groupResponse(group))
}

// DeleteGroup removes a group and its history; any current member may
// delete.
func (h *Handler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	username := middleware.GetUserFromContext(r.Context())
	groupID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid group ID format")
		return
	}

	if err := h.store.DeleteGroup(r.Context(), groupID, username); err != nil {
		h.Fail(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
