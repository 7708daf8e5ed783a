// Package testutil provides common test utilities and helpers for PolarisCRM tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/PolarisCRM/internal/models"
	"github.com/BTreeMap/PolarisCRM/internal/store"
)

// TB is the subset of testing.TB the assertion helpers need.
type TB interface {
	Helper()
	Errorf(format string, args ...any)
	Fatalf(format string, args ...any)
}

// NewSQLiteStore opens a SQLite store in a temporary directory that is
// closed when the test ends.
func NewSQLiteStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.New(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "polaris.db")))
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// MustCreateMember inserts a member and fails the test on error.
func MustCreateMember(t *testing.T, s store.Store, first, last, phone string) *models.Member {
	t.Helper()
	m, err := s.CreateMember(context.Background(), models.MemberInput{FirstName: first, LastName: last, Phone: phone})
	if err != nil {
		t.Fatalf("CreateMember(%s) failed: %v", phone, err)
	}
	return m
}

// MessagesOfKind returns the rows of one member with the given kind, oldest first.
func MessagesOfKind(t *testing.T, s store.Store, memberID int64, kind models.MessageKind) []models.Message {
	t.Helper()
	all, err := s.ListRecentMessages(context.Background(), 1000)
	if err != nil {
		t.Fatalf("ListRecentMessages failed: %v", err)
	}
	var out []models.Message
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].MemberID == memberID && all[i].Kind == kind {
			out = append(out, all[i])
		}
	}
	return out
}

// ScriptedCompleter returns canned completion results and records its calls.
type ScriptedCompleter struct {
	Intent      *models.IntentAnalysis
	IntentErr   error
	Reply       string
	ReplyErr    error
	Sentiment   *models.SentimentAnalysis
	Suggestions []string
	Improved    string
	PushMessage string
	Err         error // returned by the helper methods other than intent and reply

	mu        sync.Mutex
	Calls     []string
	Histories [][]models.ConversationTurn
}

func (c *ScriptedCompleter) record(call string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, call)
}

// CallCount returns how many times the named method was called.
func (c *ScriptedCompleter) CallCount(call string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, got := range c.Calls {
		if got == call {
			n++
		}
	}
	return n
}

func (c *ScriptedCompleter) DetectIntent(ctx context.Context, message string) (*models.IntentAnalysis, error) {
	c.record("DetectIntent")
	if c.IntentErr != nil {
		return nil, c.IntentErr
	}
	return c.Intent, nil
}

func (c *ScriptedCompleter) GenerateReply(ctx context.Context, history []models.ConversationTurn, message string) (string, error) {
	c.record("GenerateReply")
	c.mu.Lock()
	c.Histories = append(c.Histories, history)
	c.mu.Unlock()
	if c.ReplyErr != nil {
		return "", c.ReplyErr
	}
	return c.Reply, nil
}

func (c *ScriptedCompleter) AnalyzeSentiment(ctx context.Context, text string) (*models.SentimentAnalysis, error) {
	c.record("AnalyzeSentiment")
	return c.Sentiment, c.Err
}

func (c *ScriptedCompleter) SuggestReplies(ctx context.Context, message string) ([]string, error) {
	c.record("SuggestReplies")
	return c.Suggestions, c.Err
}

func (c *ScriptedCompleter) ImproveMessage(ctx context.Context, message string) (string, error) {
	c.record("ImproveMessage")
	return c.Improved, c.Err
}

func (c *ScriptedCompleter) GeneratePushMessage(ctx context.Context, topic, audience string) (string, error) {
	c.record("GeneratePushMessage")
	return c.PushMessage, c.Err
}

// Eventually polls cond until it holds or the timeout elapses.
func Eventually(t TB, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %v: %s", timeout, msg)
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Errorf("response missing or invalid 'status' field")
	}

	return response
}

// AssertErrorResponse decodes an error body and checks its code.
func AssertErrorResponse(t TB, rr *httptest.ResponseRecorder, expectedCode int) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON error response: %v", err)
	}
	if response["error"] != true {
		t.Errorf("expected error=true, got %v", response["error"])
	}
	if code, _ := response["code"].(float64); int(code) != expectedCode {
		t.Errorf("expected code %d, got %v", expectedCode, response["code"])
	}
	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}
