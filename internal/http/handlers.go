package http

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"barnehage/presence/internal/activity"
	"barnehage/presence/internal/model"
	"barnehage/presence/internal/presence"
	"barnehage/presence/internal/timeline"
)

// Models

type childResponse struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Department    string   `json:"department"`
	Status        string   `json:"status"`
	AbsenceReason *string  `json:"absenceReason,omitempty"`
	GuardianIDs   []string `json:"guardianIds"`
	Allergies     string   `json:"allergies,omitempty"`
	Notes         string   `json:"notes,omitempty"`
	Image         *string  `json:"image,omitempty"`
}

func mapChild(c model.Child) childResponse {
	return childResponse{
		ID:            c.ID,
		Name:          c.Name,
		Department:    c.Department,
		Status:        string(c.Status),
		AbsenceReason: c.AbsenceReason,
		GuardianIDs:   c.GuardianIDs,
		Allergies:     c.Allergies,
		Notes:         c.Notes,
		Image:         c.ImageRef,
	}
}

type timelineEntryResponse struct {
	ID      string `json:"id"`
	ChildID string `json:"childId"`
	Actor   string `json:"actor"`
	Source  string `json:"source"`
	Kind    string `json:"kind"`
	Notes   string `json:"notes,omitempty"`
	Date    *int64 `json:"date"`
}

func mapTimelineEntry(e timeline.Entry) timelineEntryResponse {
	return timelineEntryResponse{
		ID:      e.ID,
		ChildID: e.ChildID,
		Actor:   e.ActorID,
		Source:  string(e.Source),
		Kind:    e.Kind,
		Notes:   e.Notes,
		Date:    unixOrNil(e.Timestamp),
	}
}

func mapTimelineEntries(entries []timeline.Entry) []timelineEntryResponse {
	resp := make([]timelineEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, mapTimelineEntry(e))
	}
	return resp
}

func isStaff(p model.Principal) bool {
	return p.Role == model.RoleAdmin || p.Role == model.RoleEmployee
}

// Children

func (s *Server) handleListChildren(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	var children []model.Child
	err := s.storeCall(r.Context(), "children.list", func(ctx context.Context) error {
		var err error
		if principal.Role == model.RoleParent {
			children, err = s.store.ListChildrenByGuardian(ctx, principal.ID)
		} else {
			children, err = s.store.ListChildren(ctx, r.URL.Query().Get("department"))
		}
		return err
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := make([]childResponse, 0, len(children))
	for _, c := range children {
		resp = append(resp, mapChild(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

type createChildRequest struct {
	Name        string   `json:"name"`
	Department  string   `json:"department"`
	Allergies   string   `json:"allergies"`
	Notes       string   `json:"notes"`
	GuardianIDs []string `json:"guardianIds"`
}

func (s *Server) handleCreateChild(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromContext(r.Context())
	if !ok || principal.Role != model.RoleAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req createChildRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.Name == "" || req.Department == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	child := model.Child{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Department:  req.Department,
		Status:      model.StatusNotCheckedIn,
		GuardianIDs: req.GuardianIDs,
		Allergies:   req.Allergies,
		Notes:       req.Notes,
	}
	err := s.storeCall(r.Context(), "children.create", func(ctx context.Context) error {
		return s.store.CreateChild(ctx, child)
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, mapChild(child))
}

// loadChildForRead enforces the parent scope: parents only see children they
// are a guardian of.
func (s *Server) loadChildForRead(w http.ResponseWriter, r *http.Request, principal model.Principal) (model.Child, bool) {
	childID := chi.URLParam(r, "childId")
	var child model.Child
	err := s.storeCall(r.Context(), "children.get", func(ctx context.Context) error {
		var err error
		child, err = s.store.GetChild(ctx, childID)
		return err
	})
	if err != nil {
		writeDomainError(w, err)
		return model.Child{}, false
	}
	if principal.Role == model.RoleParent && !child.HasGuardian(principal.ID) {
		writeError(w, http.StatusForbidden, "forbidden")
		return model.Child{}, false
	}
	return child, true
}

func (s *Server) handleGetChild(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	child, ok := s.loadChildForRead(w, r, principal)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, mapChild(child))
}

type patchChildRequest struct {
	Name       *string `json:"name"`
	Department *string `json:"department"`
	Allergies  *string `json:"allergies"`
	Notes      *string `json:"notes"`
}

func (s *Server) handlePatchChild(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromContext(r.Context())
	if !ok || !isStaff(principal) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req patchChildRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	childID := chi.URLParam(r, "childId")
	var child model.Child
	err := s.storeCall(r.Context(), "children.get", func(ctx context.Context) error {
		var err error
		child, err = s.store.GetChild(ctx, childID)
		return err
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if req.Name != nil {
		child.Name = *req.Name
	}
	if req.Department != nil {
		child.Department = *req.Department
	}
	if req.Allergies != nil {
		child.Allergies = *req.Allergies
	}
	if req.Notes != nil {
		child.Notes = *req.Notes
	}
	err = s.storeCall(r.Context(), "children.update_profile", func(ctx context.Context) error {
		return s.store.UpdateChildProfile(ctx, childID, child.Name, child.Department, child.Allergies, child.Notes)
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapChild(child))
}

func (s *Server) handleDeleteChild(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromContext(r.Context())
	if !ok || principal.Role != model.RoleAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	err := s.storeCall(r.Context(), "children.delete", func(ctx context.Context) error {
		return s.store.DeleteChild(ctx, chi.URLParam(r, "childId"))
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type addGuardianRequest struct {
	Email string `json:"email"`
}

func (s *Server) handleAddGuardian(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromContext(r.Context())
	if !ok || principal.Role != model.RoleAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req addGuardianRequest
	if err := decodeJSON(r, &req); err != nil || req.Email == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	var guardian model.User
	err := s.storeCall(r.Context(), "users.get_by_email", func(ctx context.Context) error {
		var err error
		guardian, err = s.store.GetUserByEmail(ctx, req.Email)
		return err
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	err = s.storeCall(r.Context(), "children.add_guardian", func(ctx context.Context) error {
		return s.store.AddGuardian(ctx, chi.URLParam(r, "childId"), guardian.ID)
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Transitions

type createTransitionRequest struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}

type transitionResponse struct {
	ID      string `json:"id"`
	ChildID string `json:"childId"`
	Action  string `json:"action"`
	Notes   string `json:"notes,omitempty"`
}

func (s *Server) handleCreateTransition(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	var req createTransitionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	entry, err := s.machine.Apply(r.Context(), presence.Request{
		ChildID: chi.URLParam(r, "childId"),
		Action:  model.Action(req.Action),
		Reason:  req.Reason,
		Actor:   principal,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionResponse{
		ID:      entry.ID,
		ChildID: entry.ChildID,
		Action:  string(entry.Action),
		Notes:   entry.Notes,
	})
}

// Timeline

func (s *Server) handleGetTimeline(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	child, ok := s.loadChildForRead(w, r, principal)
	if !ok {
		return
	}

	entries, err := s.timelines.Snapshot(r.Context(), child.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapTimelineEntries(entries))
}

// handleStreamTimeline serves the merged feed over SSE, re-emitting it after
// each change. With no childId in the path it streams the facility-wide
// feed, which is staff only.
func (s *Server) handleStreamTimeline(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	childID := chi.URLParam(r, "childId")
	if childID == "" {
		if !isStaff(principal) {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
	} else if _, ok := s.loadChildForRead(w, r, principal); !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	feed, cancel := s.timelines.Subscribe(r.Context(), childID)
	defer cancel()

	for entries := range feed {
		payload, err := json.Marshal(mapTimelineEntries(entries))
		if err != nil {
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return
		}
		flusher.Flush()
	}
}

// Activities

type createActivityRequest struct {
	ActivityType     string `json:"activityType"`
	Notes            string `json:"notes"`
	ConfirmDuplicate bool   `json:"confirmDuplicate"`
}

type activityResponse struct {
	ID           string `json:"id"`
	ChildID      string `json:"childId"`
	ActivityType string `json:"activityType"`
	Notes        string `json:"notes,omitempty"`
}

func (s *Server) handleCreateActivity(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	var req createActivityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.ActivityType == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	entry, err := s.activities.Append(r.Context(), activity.Request{
		ChildID:      chi.URLParam(r, "childId"),
		ActivityType: req.ActivityType,
		Notes:        req.Notes,
		Actor:        principal,
		Confirmed:    req.ConfirmDuplicate,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, activityResponse{
		ID:           entry.ID,
		ChildID:      entry.ChildID,
		ActivityType: entry.ActivityType,
		Notes:        entry.Notes,
	})
}

func (s *Server) handleDeleteActivity(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if err := s.activities.Delete(r.Context(), chi.URLParam(r, "activityId"), principal); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Media

type uploadImageRequest struct {
	ContentType string `json:"contentType"`
	Data        string `json:"data"`
}

func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromContext(r.Context())
	if !ok || !isStaff(principal) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 16<<20)
	var req uploadImageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.ContentType == "" || req.Data == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_image")
		return
	}

	ref, err := s.media.PersistImage(r.Context(), chi.URLParam(r, "childId"), req.ContentType, data)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"image": ref})
}

// Push tokens

type pushTokenRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleRegisterToken(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	var req pushTokenRequest
	if err := decodeJSON(r, &req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	s.tokens.Register(r.Context(), principal.ID, req.Token)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnregisterToken(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	var req pushTokenRequest
	if err := decodeJSON(r, &req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	s.tokens.Unregister(r.Context(), principal.ID, req.Token)
	w.WriteHeader(http.StatusNoContent)
}

// Time helpers shared by responses.

func unixOrNil(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.Unix()
	return &v
}
