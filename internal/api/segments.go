package api

import (
	"log/slog"
	"net/http"

	"github.com/BTreeMap/PolarisCRM/internal/models"
)

// segmentsHandler handles GET and POST /api/segments.
func (s *Server) segmentsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		segs, err := s.st.ListSegments(r.Context())
		if err != nil {
			writeStoreError(w, "listSegments", err)
			return
		}
		if segs == nil {
			segs = []models.Segment{}
		}
		writeJSONResponse(w, http.StatusOK, models.Success(segs))
	case http.MethodPost:
		var in models.SegmentInput
		if !decodeJSON(w, r, &in) {
			return
		}
		if err := in.Validate(); err != nil {
			writeStoreError(w, "createSegment", err)
			return
		}
		seg, err := s.st.CreateSegment(r.Context(), in)
		if err != nil {
			writeStoreError(w, "createSegment", err)
			return
		}
		slog.Info("Server.createSegment: segment created", "segmentID", seg.ID, "name", seg.Name)
		writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Segment created successfully", seg))
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

// segmentHandler handles GET, PUT and DELETE /api/segments/{id}.
func (s *Server) segmentHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		seg, err := s.st.GetSegment(r.Context(), id)
		if err != nil {
			writeStoreError(w, "getSegment", err)
			return
		}
		if seg == nil {
			writeError(w, http.StatusNotFound, "Segment not found")
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(seg))
	case http.MethodPut:
		var in models.SegmentInput
		if !decodeJSON(w, r, &in) {
			return
		}
		if err := in.ValidateUpdate(); err != nil {
			writeStoreError(w, "updateSegment", err)
			return
		}
		seg, err := s.st.UpdateSegment(r.Context(), id, in)
		if err != nil {
			writeStoreError(w, "updateSegment", err)
			return
		}
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Segment updated successfully", seg))
	case http.MethodDelete:
		if err := s.st.DeleteSegment(r.Context(), id); err != nil {
			writeStoreError(w, "deleteSegment", err)
			return
		}
		slog.Info("Server.deleteSegment: segment deleted", "segmentID", id)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Segment deleted successfully", nil))
	default:
		methodNotAllowed(w, r, "GET, PUT, DELETE")
	}
}

// segmentMembersHandler handles POST /api/segments/{id}/members.
func (s *Server) segmentMembersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	segmentID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var in models.MembershipInput
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.MemberID <= 0 {
		writeStoreError(w, "addSegmentMember", models.ErrMissingMemberID)
		return
	}
	if err := s.st.AddMemberToSegment(r.Context(), segmentID, in.MemberID); err != nil {
		writeStoreError(w, "addSegmentMember", err)
		return
	}
	slog.Info("Server.addSegmentMember: member added", "segmentID", segmentID, "memberID", in.MemberID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Member added to segment", nil))
}

// segmentMemberHandler handles DELETE /api/segments/{id}/members/{memberID}.
func (s *Server) segmentMemberHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	segmentID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	memberID, ok := pathID(w, r, "memberID")
	if !ok {
		return
	}
	if err := s.st.RemoveMemberFromSegment(r.Context(), segmentID, memberID); err != nil {
		writeStoreError(w, "removeSegmentMember", err)
		return
	}
	slog.Info("Server.removeSegmentMember: member removed", "segmentID", segmentID, "memberID", memberID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Member removed from segment", nil))
}
