package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/PolarisCRM/internal/messaging"
	"github.com/BTreeMap/PolarisCRM/internal/models"
)

// membersHandler handles GET (list or ?q= search) and POST /api/members.
func (s *Server) membersHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listMembers(w, r)
	case http.MethodPost:
		s.createMember(w, r)
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

func (s *Server) listMembers(w http.ResponseWriter, r *http.Request) {
	var (
		members []models.Member
		err     error
	)
	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		members, err = s.st.SearchMembers(r.Context(), q)
	} else {
		members, err = s.st.ListMembers(r.Context())
	}
	if err != nil {
		writeStoreError(w, "listMembers", err)
		return
	}
	if members == nil {
		members = []models.Member{}
	}
	slog.Debug("Server.listMembers: members fetched", "count", len(members))
	writeJSONResponse(w, http.StatusOK, models.Success(members))
}

func (s *Server) createMember(w http.ResponseWriter, r *http.Request) {
	var in models.MemberInput
	if !decodeJSON(w, r, &in) {
		return
	}
	in.Trim()
	if in.Phone != "" {
		phone, err := messaging.ValidatePhone(in.Phone)
		if err != nil {
			writeStoreError(w, "createMember", err)
			return
		}
		in.Phone = phone
	}
	if err := in.ValidateCreate(); err != nil {
		writeStoreError(w, "createMember", err)
		return
	}
	m, err := s.st.CreateMember(r.Context(), in)
	if err != nil {
		writeStoreError(w, "createMember", err)
		return
	}
	slog.Info("Server.createMember: member created", "memberID", m.ID)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Member created successfully", m))
}

// memberHandler handles GET, PUT and DELETE /api/members/{id}.
func (s *Server) memberHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		m, err := s.st.GetMember(r.Context(), id)
		if err != nil {
			writeStoreError(w, "getMember", err)
			return
		}
		if m == nil {
			writeError(w, http.StatusNotFound, "Member not found")
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(m))
	case http.MethodPut:
		s.updateMember(w, r, id)
	case http.MethodDelete:
		if err := s.st.DeleteMember(r.Context(), id); err != nil {
			writeStoreError(w, "deleteMember", err)
			return
		}
		slog.Info("Server.deleteMember: member deleted", "memberID", id)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Member deleted successfully", nil))
	default:
		methodNotAllowed(w, r, "GET, PUT, DELETE")
	}
}

func (s *Server) updateMember(w http.ResponseWriter, r *http.Request, id int64) {
	var in models.MemberInput
	if !decodeJSON(w, r, &in) {
		return
	}
	in.Trim()
	if in.Phone != "" {
		phone, err := messaging.ValidatePhone(in.Phone)
		if err != nil {
			writeStoreError(w, "updateMember", err)
			return
		}
		in.Phone = phone
	}
	if err := in.ValidateUpdate(); err != nil {
		writeStoreError(w, "updateMember", err)
		return
	}
	m, err := s.st.UpdateMember(r.Context(), id, in)
	if err != nil {
		writeStoreError(w, "updateMember", err)
		return
	}
	slog.Info("Server.updateMember: member updated", "memberID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Member updated successfully", m))
}

// memberMessagesHandler handles GET /api/members/{id}/messages.
func (s *Server) memberMessagesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	limit, ok := queryLimit(w, r, DefaultMessagesLimit)
	if !ok {
		return
	}
	m, err := s.st.GetMember(r.Context(), id)
	if err != nil {
		writeStoreError(w, "memberMessages", err)
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "Member not found")
		return
	}
	msgs, err := s.st.ConversationHistory(r.Context(), id, limit)
	if err != nil {
		writeStoreError(w, "memberMessages", err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}
