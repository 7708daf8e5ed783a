package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/PolarisCRM/internal/models"
)

// messagesHandler returns the most recent messages, newest first (GET /api/messages).
func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	limit, ok := queryLimit(w, r, DefaultMessagesLimit)
	if !ok {
		return
	}
	msgs, err := s.st.ListRecentMessages(r.Context(), limit)
	if err != nil {
		writeStoreError(w, "listMessages", err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	slog.Debug("Server.listMessages: messages fetched", "count", len(msgs), "limit", limit)
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}

// pushHandler queues a broadcast (POST /api/messages/push). One pending
// outbound_push row is recorded per distinct recipient; the push sender
// delivers them.
func (s *Server) pushHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req models.PushRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeStoreError(w, "push", err)
		return
	}

	ctx := r.Context()
	seen := make(map[int64]bool)
	var recipients []int64
	add := func(id int64) {
		if !seen[id] {
			seen[id] = true
			recipients = append(recipients, id)
		}
	}
	for _, id := range req.MemberIDs {
		m, err := s.st.GetMember(ctx, id)
		if err != nil {
			writeStoreError(w, "push", err)
			return
		}
		if m == nil {
			slog.Warn("Server.push: unknown member skipped", "memberID", id)
			continue
		}
		add(m.ID)
	}
	if req.SegmentID != nil {
		seg, err := s.st.GetSegment(ctx, *req.SegmentID)
		if err != nil {
			writeStoreError(w, "push", err)
			return
		}
		if seg == nil {
			writeError(w, http.StatusNotFound, "Segment not found")
			return
		}
		for _, m := range seg.Members {
			add(m.ID)
		}
	}
	if len(recipients) == 0 {
		writeError(w, http.StatusBadRequest, "No valid recipients")
		return
	}

	md := map[string]any{"queued_at": time.Now().UTC().Format(time.RFC3339)}
	if req.SegmentID != nil {
		md["segment_id"] = *req.SegmentID
	}
	ids := make([]int64, 0, len(recipients))
	for _, memberID := range recipients {
		msg := &models.Message{
			MemberID: memberID,
			Kind:     models.KindOutboundPush,
			Content:  req.Content,
			Status:   models.StatusPending,
			Metadata: md,
		}
		if err := s.st.CreateMessage(ctx, msg); err != nil {
			writeStoreError(w, "push", err)
			return
		}
		ids = append(ids, msg.ID)
	}
	slog.Info("Server.push: push queued", "recipients", len(ids))
	writeJSONResponse(w, http.StatusAccepted, models.SuccessWithMessage("Push message queued", map[string]any{
		"recipients_count": len(ids),
		"message_ids":      ids,
	}))
}

// statsHandler returns store-wide counters (GET /api/stats).
func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	stats, err := s.st.Stats(r.Context())
	if err != nil {
		writeStoreError(w, "stats", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	healthData := map[string]interface{}{
		"status":     "healthy",
		"service":    s.cfg.AppName,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"uptime":     time.Since(s.start).Round(time.Second).String(),
		"ai_enabled": s.cfg.AIEnabled,
	}

	// A store round trip doubles as the database check
	if _, err := s.st.Stats(ctx); err != nil {
		slog.Warn("Health check: store unavailable", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Database unavailable"
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, healthData)
}

// testHandler answers GET /api/test with a banner and the endpoint list.
func (s *Server) testHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage(s.cfg.AppName+" API is running", map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"endpoints": map[string]string{
			"GET /api/members":                                          "List or search (?q=) members",
			"POST /api/members":                                         "Create a member",
			"GET|PUT|DELETE /api/members/{id}":                          "Read, update or delete a member",
			"GET /api/members/{id}/messages":                            "Conversation history",
			"GET|POST /api/segments":                                    "List or create segments",
			"GET|PUT|DELETE /api/segments/{id}":                         "Read, update or delete a segment",
			"POST /api/segments/{id}/members":                           "Add a member to a segment",
			"DELETE /api/segments/{id}/members/{memberID}":              "Remove a member from a segment",
			"GET /api/messages":                                         "Recent messages",
			"POST /api/messages/push":                                   "Queue a push message",
			"GET /api/stats":                                            "Statistics",
			"POST /api/ai/{sentiment,suggestions,improve,push-message}": "AI helpers",
		},
	}))
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.notFoundHandler: unknown endpoint", "method", r.Method, "path", r.URL.Path)
	writeError(w, http.StatusNotFound, "Endpoint not found")
}
