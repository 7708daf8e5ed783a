package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/PolarisCRM/internal/models"
)

const aiRequestTimeout = 60 * time.Second

type textRequest struct {
	Text    string `json:"text"`
	Message string `json:"message"`
}

// body returns whichever of text or message was sent.
func (t textRequest) body() string {
	if s := strings.TrimSpace(t.Text); s != "" {
		return s
	}
	return strings.TrimSpace(t.Message)
}

type pushMessageRequest struct {
	Topic    string `json:"topic"`
	Audience string `json:"audience"`
}

// aiPreamble checks the method and that AI is available.
func (s *Server) aiPreamble(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return false
	}
	if !s.cfg.AIEnabled {
		slog.Warn("Server.ai: AI features disabled", "path", r.URL.Path)
		writeError(w, http.StatusServiceUnavailable, "AI features are disabled")
		return false
	}
	return true
}

func (s *Server) readText(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req textRequest
	if !decodeJSON(w, r, &req) {
		return "", false
	}
	text := req.body()
	if text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return "", false
	}
	return text, true
}

func providerFailed(w http.ResponseWriter, op string, err error) {
	slog.Error("Server."+op+": completion provider failed", "error", err)
	writeError(w, http.StatusBadGateway, "AI provider error")
}

// sentimentHandler handles POST /api/ai/sentiment.
func (s *Server) sentimentHandler(w http.ResponseWriter, r *http.Request) {
	if !s.aiPreamble(w, r) {
		return
	}
	text, ok := s.readText(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), aiRequestTimeout)
	defer cancel()
	res, err := s.cfg.Assistant.AnalyzeSentiment(ctx, text)
	if err != nil {
		providerFailed(w, "sentiment", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

// suggestionsHandler handles POST /api/ai/suggestions.
func (s *Server) suggestionsHandler(w http.ResponseWriter, r *http.Request) {
	if !s.aiPreamble(w, r) {
		return
	}
	text, ok := s.readText(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), aiRequestTimeout)
	defer cancel()
	suggestions, err := s.cfg.Assistant.SuggestReplies(ctx, text)
	if err != nil {
		providerFailed(w, "suggestions", err)
		return
	}
	if suggestions == nil {
		suggestions = []string{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{"suggestions": suggestions}))
}

// improveHandler handles POST /api/ai/improve.
func (s *Server) improveHandler(w http.ResponseWriter, r *http.Request) {
	if !s.aiPreamble(w, r) {
		return
	}
	text, ok := s.readText(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), aiRequestTimeout)
	defer cancel()
	improved, err := s.cfg.Assistant.ImproveMessage(ctx, text)
	if err != nil {
		providerFailed(w, "improve", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{
		"original": text,
		"improved": improved,
	}))
}

// pushMessageHandler handles POST /api/ai/push-message.
func (s *Server) pushMessageHandler(w http.ResponseWriter, r *http.Request) {
	if !s.aiPreamble(w, r) {
		return
	}
	var req pushMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		writeError(w, http.StatusBadRequest, "topic is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), aiRequestTimeout)
	defer cancel()
	msg, err := s.cfg.Assistant.GeneratePushMessage(ctx, topic, strings.TrimSpace(req.Audience))
	if err != nil {
		providerFailed(w, "pushMessage", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{"message": msg}))
}
