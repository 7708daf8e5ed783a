package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/PolarisCRM/internal/cache"
	"github.com/BTreeMap/PolarisCRM/internal/contact"
	"github.com/BTreeMap/PolarisCRM/internal/messaging"
	"github.com/BTreeMap/PolarisCRM/internal/models"
	"github.com/BTreeMap/PolarisCRM/internal/reply"
	"github.com/BTreeMap/PolarisCRM/internal/store"
	"github.com/BTreeMap/PolarisCRM/internal/testutil"
)

func textEnvelope(from, id, name, text string) string {
	return fmt.Sprintf(`{"object":"whatsapp_business_account","entry":[{"id":"1","changes":[{"field":"messages","value":{
		"messaging_product":"whatsapp",
		"metadata":{"display_phone_number":"221770000000","phone_number_id":"123"},
		"contacts":[{"wa_id":%q,"profile":{"name":%q}}],
		"messages":[{"from":%q,"id":%q,"timestamp":"1718000000","type":"text","text":{"body":%q}}]}}]}]}`,
		from, name, from, id, text)
}

func statusEnvelope(id, status string) string {
	return fmt.Sprintf(`{"entry":[{"changes":[{"field":"messages","value":{"statuses":[{"id":%q,"status":%q,"timestamp":"1718000100","recipient_id":"221771234567"}]}}]}]}`, id, status)
}

type recordingQueue struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (q *recordingQueue) Enqueue(evt Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.events = append(q.events, evt)
	return nil
}

func TestExtractContent(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{"text", Message{Type: "text", Text: &Text{Body: "Hi"}}, "Hi"},
		{"empty text", Message{Type: "text", Text: &Text{Body: "  "}}, ""},
		{"image with caption", Message{Type: "image", Image: &Media{Caption: "party"}}, "[Image] party"},
		{"image without caption", Message{Type: "image", Image: &Media{}}, "[Image]"},
		{"video", Message{Type: "video", Video: &Media{Caption: "AG 2025"}}, "[Video] AG 2025"},
		{"document", Message{Type: "document", Document: &Document{Filename: "statuts.pdf"}}, "[Document: statuts.pdf]"},
		{"document without name", Message{Type: "document"}, "[Document: file]"},
		{"audio", Message{Type: "audio", Audio: &Media{}}, "[Voice message]"},
		{"location", Message{Type: "location", Location: &Location{}}, "[Location shared]"},
		{"contacts", Message{Type: "contacts"}, "[Contact shared]"},
		{"button text", Message{Type: "button", Button: &Button{Text: "Oui", Payload: "YES"}}, "Oui"},
		{"button payload", Message{Type: "button", Button: &Button{Payload: "YES"}}, "Button: YES"},
		{"button reply", Message{Type: "interactive", Interactive: &Interactive{ButtonReply: &Reply{Title: "Confirmer"}}}, "Button: Confirmer"},
		{"list reply", Message{Type: "interactive", Interactive: &Interactive{ListReply: &Reply{Title: "Dakar"}}}, "List: Dakar"},
		{"bare interactive", Message{Type: "interactive"}, "Interactive message"},
		{"unknown", Message{Type: "foo"}, "[Message type: foo]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractContent(tt.msg); got != tt.want {
				t.Errorf("ExtractContent = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecode_SkipsMalformedItems(t *testing.T) {
	body := `{"entry":[
		{"changes":[{"field":"account_update","value":{}}]},
		{"changes":[{"field":"messages","value":{
			"contacts":[{"wa_id":"221771234567","profile":{"name":"Awa Diop"}}],
			"messages":[
				{"from":"221771234567","id":"wamid.1","timestamp":"1718000000","type":"text","text":{"body":"Bonjour"}},
				{"from":"221771234567","id":"wamid.2","type":"text","text":"not an object"},
				{"id":"wamid.3","type":"text","text":{"body":"no sender"}},
				{"from":"221771234567","id":"wamid.4","type":"image","image":{"caption":"party"}}
			],
			"statuses":[
				{"id":"wamid.out","status":"delivered","timestamp":"1718000100"},
				{"id":"wamid.out","status":"deleted"}
			]}}]}]}`

	env, err := ParseEnvelope([]byte(body))
	if err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}
	b := env.Decode()

	if len(b.Messages) != 2 {
		t.Fatalf("expected 2 valid messages, got %d", len(b.Messages))
	}
	if b.Messages[0].ProfileName != "Awa Diop" || b.Messages[0].Text != "Bonjour" {
		t.Errorf("unexpected first message: %+v", b.Messages[0])
	}
	if !b.Messages[0].Timestamp.Equal(time.Unix(1718000000, 0)) {
		t.Errorf("unexpected timestamp: %v", b.Messages[0].Timestamp)
	}
	if b.Messages[1].Text != "[Image] party" {
		t.Errorf("unexpected image content: %q", b.Messages[1].Text)
	}
	if len(b.Statuses) != 1 || b.Statuses[0].Status != models.StatusDelivered {
		t.Errorf("unexpected statuses: %+v", b.Statuses)
	}
	if b.Skipped != 3 {
		t.Errorf("expected 3 skipped items, got %d", b.Skipped)
	}
}

func TestDecode_MalformedEntryKeepsSiblings(t *testing.T) {
	body := `{"object":"whatsapp_business_account","entry":[
		{"changes":[{"field":"messages","value":{
			"messages":[{"from":"221771234567","id":"wamid.1","type":"text","text":{"body":"Bonjour"}}]}}]},
		{"changes":"bogus"},
		"not an entry",
		{"changes":[{"field":"messages","value":{"metadata":"bogus"}},
			{"field":"messages","value":{
			"contacts":{"wa_id":"221779876543"},
			"messages":[{"from":"221779876543","id":"wamid.2","type":"text","text":{"body":"Salut"}}]}}]}]}`

	env, err := ParseEnvelope([]byte(body))
	if err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}
	if env.Object != "whatsapp_business_account" {
		t.Errorf("unexpected object %q", env.Object)
	}
	b := env.Decode()
	if len(b.Messages) != 2 || b.Messages[0].ID != "wamid.1" || b.Messages[1].ID != "wamid.2" {
		t.Fatalf("valid messages should survive malformed siblings, got %+v", b.Messages)
	}
	if b.Messages[1].ProfileName != "" {
		t.Errorf("malformed contacts should not yield a profile name, got %q", b.Messages[1].ProfileName)
	}
	// changes string, entry string, metadata string, contacts object
	if b.Skipped != 4 {
		t.Errorf("expected 4 skipped items, got %d", b.Skipped)
	}
}

func TestParseEnvelope_RejectsNonObjects(t *testing.T) {
	for _, body := range []string{`null`, `[]`, `"x"`, `42`, `{"entry":`} {
		if _, err := ParseEnvelope([]byte(body)); err == nil {
			t.Errorf("ParseEnvelope(%s) should fail", body)
		}
	}
	if _, err := ParseEnvelope([]byte(`null`)); !errors.Is(err, ErrNotObject) {
		t.Errorf("expected ErrNotObject for null, got %v", err)
	}
	if _, err := ParseEnvelope([]byte(`{"object":5,"entry":[]}`)); err != nil {
		t.Errorf("a malformed object field should be tolerated, got %v", err)
	}
}

func TestReceiver_Verify(t *testing.T) {
	rc := NewReceiver(&recordingQueue{}, WithVerifyToken("s3cret"))

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantBody   string
	}{
		{"matching token", "hub_mode=subscribe&hub_verify_token=s3cret&hub_challenge=123", http.StatusOK, "123"},
		{"meta dotted params", "hub.mode=subscribe&hub.verify_token=s3cret&hub.challenge=456", http.StatusOK, "456"},
		{"wrong token", "hub_mode=subscribe&hub_verify_token=nope&hub_challenge=123", http.StatusForbidden, ""},
		{"wrong mode", "hub_mode=unsubscribe&hub_verify_token=s3cret&hub_challenge=123", http.StatusForbidden, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			rc.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/webhook?"+tt.query, nil))
			testutil.AssertHTTPStatus(t, tt.wantStatus, rr.Code, tt.name)
			if tt.wantBody != "" && rr.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rr.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestReceiver_Post(t *testing.T) {
	q := &recordingQueue{}
	rc := NewReceiver(q)

	rr := httptest.NewRecorder()
	rc.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(textEnvelope("221771234567", "wamid.1", "Awa", "Salut"))))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "valid post")
	if !strings.Contains(rr.Body.String(), `"status":"ok"`) {
		t.Errorf("unexpected ack body: %s", rr.Body.String())
	}
	if len(q.events) != 1 || !strings.HasPrefix(q.events[0].ID, "evt_") {
		t.Fatalf("expected one evt_ event, got %+v", q.events)
	}

	rr = httptest.NewRecorder()
	rc.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"entry":`)))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "malformed JSON")
	if len(q.events) != 1 {
		t.Error("malformed JSON must not be processed")
	}

	rr = httptest.NewRecorder()
	rc.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`null`)))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "null body")

	rr = httptest.NewRecorder()
	rc.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"entry":[]}`)))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "empty envelope")
	if len(q.events) != 1 {
		t.Error("empty envelopes should not be queued")
	}

	q.err = ErrQueueFull
	rr = httptest.NewRecorder()
	rc.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(textEnvelope("221771234567", "wamid.2", "Awa", "Encore"))))
	testutil.AssertHTTPStatus(t, http.StatusServiceUnavailable, rr.Code, "full queue")
}

func TestReceiver_MethodAndDisabled(t *testing.T) {
	rr := httptest.NewRecorder()
	NewReceiver(&recordingQueue{}).ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/webhook", nil))
	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "PUT")
	if rr.Header().Get("Allow") != "GET, POST" {
		t.Errorf("unexpected Allow header: %q", rr.Header().Get("Allow"))
	}

	disabled := NewReceiver(&recordingQueue{}, WithEnabled(false))
	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodDelete} {
		rr := httptest.NewRecorder()
		disabled.ServeHTTP(rr, httptest.NewRequest(method, "/webhook", strings.NewReader("{}")))
		testutil.AssertHTTPStatus(t, http.StatusServiceUnavailable, rr.Code, "disabled "+method)
		if !strings.Contains(rr.Body.String(), "Webhook disabled") {
			t.Errorf("unexpected body: %s", rr.Body.String())
		}
	}
}

func sign(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestReceiver_Signature(t *testing.T) {
	q := &recordingQueue{}
	rc := NewReceiver(q, WithSignature("app-secret"))
	body := textEnvelope("221771234567", "wamid.1", "Awa", "Salut")

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign(body, "other-secret"))
	rr := httptest.NewRecorder()
	rc.ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, http.StatusUnauthorized, rr.Code, "bad signature")
	if len(q.events) != 0 {
		t.Fatal("unsigned request must not be processed")
	}

	req = httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign(body, "app-secret"))
	rr = httptest.NewRecorder()
	rc.ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "good signature")
	if len(q.events) != 1 {
		t.Fatal("signed request should be queued")
	}
}

func TestValidSignature(t *testing.T) {
	if !ValidSignature([]byte("{}"), sign("{}", "k"), "k") {
		t.Error("expected valid signature")
	}
	for _, sig := range []string{"", "sha1=abc", "sha256=zz", sign("{}", "other")} {
		if ValidSignature([]byte("{}"), sig, "k") {
			t.Errorf("signature %q should be rejected", sig)
		}
	}
	if ValidSignature([]byte("{}"), sign("{}", ""), "") {
		t.Error("an empty secret must never validate")
	}
}

type countingHandler struct {
	mu   sync.Mutex
	ids  []string
	slow time.Duration
}

func (h *countingHandler) Process(ctx context.Context, evt Event) {
	if h.slow > 0 {
		time.Sleep(h.slow)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ids = append(h.ids, evt.ID)
}

func (h *countingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ids)
}

func TestDispatcher_ProcessesAndDrains(t *testing.T) {
	h := &countingHandler{}
	d := NewDispatcher(h, 2, 10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	for i := 0; i < 5; i++ {
		if err := d.Enqueue(NewEvent(Batch{})); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	testutil.Eventually(t, time.Second, func() bool { return h.count() == 5 }, "all events processed")
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if err := d.Enqueue(NewEvent(Batch{})); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected enqueue after stop to fail, got %v", err)
	}
}

func TestDispatcher_AcceptedEventsAreProcessedAcrossShutdown(t *testing.T) {
	h := &countingHandler{}
	d := NewDispatcher(h, 2, 1000)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	accepted := 0
	producer := make(chan struct{})
	go func() {
		defer close(producer)
		for i := 0; i < 500; i++ {
			if d.Enqueue(NewEvent(Batch{})) == nil {
				accepted++
			}
		}
	}()
	time.Sleep(time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	<-producer

	if got := h.count(); got != accepted {
		t.Errorf("accepted %d events but processed %d", accepted, got)
	}
	if len(d.queue) != 0 {
		t.Errorf("%d events left in the queue", len(d.queue))
	}
}

func TestDispatcher_ConsumeStopsAfterShutdown(t *testing.T) {
	d := NewDispatcher(&countingHandler{}, 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Run(ctx); err != nil {
		t.Fatal(err)
	}

	src := &fakeSource{in: make(chan models.InboundMessage, 1), st: make(chan models.StatusUpdate)}
	src.in <- models.InboundMessage{ID: "3EB0A", From: "221771234567", Text: "Salut"}
	if err := d.Consume(context.Background(), src); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if len(d.queue) != 0 {
		t.Error("a stopped dispatcher should not accept consumed events")
	}
}

func TestDispatcher_QueueFull(t *testing.T) {
	d := NewDispatcher(&countingHandler{}, 1, 1)
	if err := d.Enqueue(NewEvent(Batch{})); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	if err := d.Enqueue(NewEvent(Batch{})); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

type fakeSource struct {
	in chan models.InboundMessage
	st chan models.StatusUpdate
}

func (f *fakeSource) Start(ctx context.Context) error       { return nil }
func (f *fakeSource) Stop() error                           { return nil }
func (f *fakeSource) Inbound() <-chan models.InboundMessage { return f.in }
func (f *fakeSource) Statuses() <-chan models.StatusUpdate  { return f.st }

func TestDispatcher_Consume(t *testing.T) {
	src := &fakeSource{in: make(chan models.InboundMessage, 1), st: make(chan models.StatusUpdate, 1)}
	d := NewDispatcher(&countingHandler{}, 1, 10)

	src.in <- models.InboundMessage{ID: "3EB0A", From: "221771234567", Text: "Salut"}
	src.st <- models.StatusUpdate{ExternalID: "3EB0B", Status: models.StatusRead}
	close(src.in)
	close(src.st)

	if err := d.Consume(context.Background(), src); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if len(d.queue) != 2 {
		t.Fatalf("expected 2 queued events, got %d", len(d.queue))
	}
}

type pipeline struct {
	store     store.Store
	transport *messaging.MockTransport
	completer *testutil.ScriptedCompleter
	processor *Processor
}

func newPipeline(t *testing.T, autoCreate, autoReply bool, opts ...ProcessorOption) *pipeline {
	t.Helper()
	st := testutil.NewSQLiteStore(t)
	tr := messaging.NewMockTransport()
	comp := &testutil.ScriptedCompleter{}
	orch := reply.NewOrchestrator(st, tr, comp)
	base := []ProcessorOption{WithAutoReply(autoReply), WithDeduper(st), WithTransport(tr)}
	p := NewProcessor(st, contact.NewResolver(st, contact.WithAutoCreate(autoCreate)), orch, append(base, opts...)...)
	return &pipeline{store: st, transport: tr, completer: comp, processor: p}
}

func (p *pipeline) post(t *testing.T, body string) {
	t.Helper()
	env, err := ParseEnvelope([]byte(body))
	if err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}
	p.processor.Process(context.Background(), NewEvent(env.Decode()))
}

func TestProcessor_EndToEndNewMemberFallback(t *testing.T) {
	p := newPipeline(t, true, true)
	p.completer.Intent = &models.IntentAnalysis{Intent: "question", Urgency: models.UrgencyLow}
	p.completer.ReplyErr = errors.New("provider timeout")

	p.post(t, textEnvelope("221771234567", "wamid.in.1", "Awa Diop", "Quand est la réunion?"))

	ctx := context.Background()
	member, err := p.store.GetMemberByPhone(ctx, "221771234567")
	if err != nil || member == nil {
		t.Fatalf("expected member to be created, got %v, %v", member, err)
	}
	if member.FirstName != "Awa" || member.LastName != "Diop" {
		t.Errorf("unexpected member names: %+v", member)
	}

	inbound := testutil.MessagesOfKind(t, p.store, member.ID, models.KindInboundConversation)
	if len(inbound) != 1 {
		t.Fatalf("expected one inbound row, got %d", len(inbound))
	}
	in := inbound[0]
	if in.Status != models.StatusRead || in.Content != "Quand est la réunion?" || in.ExternalID != "wamid.in.1" {
		t.Errorf("unexpected inbound row: %+v", in)
	}
	if in.Metadata["processed_by_webhook"] != true || in.Metadata["message_type"] != "text" || in.Metadata["profile_name"] != "Awa Diop" {
		t.Errorf("unexpected inbound metadata: %v", in.Metadata)
	}

	if n := testutil.MessagesOfKind(t, p.store, member.ID, models.KindNotification); len(n) != 0 {
		t.Errorf("expected no escalation, got %d notification rows", len(n))
	}
	outbound := testutil.MessagesOfKind(t, p.store, member.ID, models.KindOutboundConversation)
	if len(outbound) != 1 || outbound[0].Status != models.StatusSent {
		t.Fatalf("expected one sent outbound row, got %+v", outbound)
	}
	if outbound[0].Content != reply.FallbackGreeting(reply.DefaultAppName) {
		t.Errorf("expected fallback greeting, got %q", outbound[0].Content)
	}
	if sent := p.transport.Messages(); len(sent) != 1 || sent[0].To != "221771234567" {
		t.Errorf("unexpected sends: %+v", sent)
	}
	if len(p.transport.Read) != 1 || p.transport.Read[0] != "wamid.in.1" {
		t.Errorf("expected inbound message to be marked read, got %v", p.transport.Read)
	}
}

func TestProcessor_DuplicateDeliveryIsIgnored(t *testing.T) {
	p := newPipeline(t, true, true)
	p.completer.Intent = &models.IntentAnalysis{Urgency: models.UrgencyLow}
	p.completer.Reply = "Bonjour !"

	body := textEnvelope("221771234567", "wamid.dup", "Awa", "Bonjour")
	p.post(t, body)
	p.post(t, body)

	if got := p.completer.CallCount("GenerateReply"); got != 1 {
		t.Errorf("expected one reply generation, got %d", got)
	}
	if sent := p.transport.Messages(); len(sent) != 1 {
		t.Errorf("expected one send, got %d", len(sent))
	}
}

func TestProcessor_RedisDeduper(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := cache.NewRedisCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	p := newPipeline(t, true, false, WithDeduper(rc))

	body := textEnvelope("221771234567", "wamid.redis", "Awa", "Bonjour")
	p.post(t, body)
	p.post(t, body)

	member, _ := p.store.GetMemberByPhone(context.Background(), "221771234567")
	if member == nil {
		t.Fatal("expected member")
	}
	if rows := testutil.MessagesOfKind(t, p.store, member.ID, models.KindInboundConversation); len(rows) != 1 {
		t.Errorf("expected one inbound row, got %d", len(rows))
	}
}

func TestProcessor_AutoReplyDisabledStillPersists(t *testing.T) {
	p := newPipeline(t, true, false)

	p.post(t, textEnvelope("221771234567", "wamid.1", "Awa", "Bonjour"))

	member, _ := p.store.GetMemberByPhone(context.Background(), "221771234567")
	if member == nil {
		t.Fatal("expected member")
	}
	if rows := testutil.MessagesOfKind(t, p.store, member.ID, models.KindInboundConversation); len(rows) != 1 {
		t.Errorf("expected inbound row, got %d", len(rows))
	}
	if len(p.completer.Calls) != 0 || len(p.transport.Messages()) != 0 {
		t.Error("no reply expected when auto reply is disabled")
	}
}

func TestProcessor_UnknownSenderWithoutAutoCreate(t *testing.T) {
	p := newPipeline(t, false, true)

	p.post(t, textEnvelope("221779999999", "wamid.1", "Inconnu", "Bonjour"))

	if m, _ := p.store.GetMemberByPhone(context.Background(), "221779999999"); m != nil {
		t.Error("member must not be created")
	}
	msgs, _ := p.store.ListRecentMessages(context.Background(), 10)
	if len(msgs) != 0 {
		t.Errorf("no messages may be persisted, got %d", len(msgs))
	}
}

func TestProcessor_StatusUpdates(t *testing.T) {
	p := newPipeline(t, true, true)
	ctx := context.Background()
	member := testutil.MustCreateMember(t, p.store, "Awa", "Diop", "221771234567")
	row := &models.Message{MemberID: member.ID, Kind: models.KindOutboundConversation, Content: "Bonjour", Status: models.StatusSent, ExternalID: "wamid.out.1"}
	if err := p.store.CreateMessage(ctx, row); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	p.post(t, statusEnvelope("wamid.out.1", "delivered"))
	p.post(t, statusEnvelope("wamid.unknown", "read"))

	got, _ := p.store.GetMessage(ctx, row.ID)
	if got.Status != models.StatusDelivered {
		t.Errorf("status = %s, want delivered", got.Status)
	}

	p.post(t, statusEnvelope("wamid.out.1", "failed"))
	p.post(t, statusEnvelope("wamid.out.1", "read"))
	got, _ = p.store.GetMessage(ctx, row.ID)
	if got.Status != models.StatusFailed {
		t.Errorf("failed must be terminal, got %s", got.Status)
	}
}

func TestProcessor_StatusViaSentCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := cache.NewRedisCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	p := newPipeline(t, true, true, WithSentLookup(rc))
	ctx := context.Background()

	member := testutil.MustCreateMember(t, p.store, "Awa", "Diop", "221771234567")
	row := &models.Message{MemberID: member.ID, Kind: models.KindOutboundPush, Content: "Info", Status: models.StatusSent, ExternalID: "wamid.push.1"}
	if err := p.store.CreateMessage(ctx, row); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}
	if err := rc.StoreSent(ctx, row.ID, "wamid.push.1", time.Now()); err != nil {
		t.Fatalf("StoreSent failed: %v", err)
	}

	p.post(t, statusEnvelope("wamid.push.1", "read"))

	got, _ := p.store.GetMessage(ctx, row.ID)
	if got.Status != models.StatusRead {
		t.Errorf("status = %s, want read", got.Status)
	}
}

func TestProcessor_EmptyContentSkipped(t *testing.T) {
	p := newPipeline(t, true, true)
	p.processor.Process(context.Background(), NewEvent(Batch{Messages: []models.InboundMessage{{ID: "wamid.1", From: "221771234567", Type: "text"}}}))

	if m, _ := p.store.GetMemberByPhone(context.Background(), "221771234567"); m != nil {
		t.Error("empty messages must be skipped before contact resolution")
	}
}

type fixedStats struct {
	since time.Time
}

func (f *fixedStats) WebhookStats(ctx context.Context, since time.Time) (*models.WebhookStats, error) {
	f.since = since
	return &models.WebhookStats{MessagesToday: 3, AutoRepliesToday: 2}, nil
}

func TestStatsHandler(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	now := time.Date(2025, 6, 1, 23, 30, 0, 0, time.UTC) // 01:30 on June 2nd at UTC+2
	fs := &fixedStats{}
	h := StatsHandler(fs, loc, func() time.Time { return now })

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/webhook/stats", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "stats")
	if !strings.Contains(rr.Body.String(), `"messages_today":3`) {
		t.Errorf("unexpected body: %s", rr.Body.String())
	}
	want := time.Date(2025, 6, 2, 0, 0, 0, 0, loc)
	if !fs.since.Equal(want) {
		t.Errorf("since = %v, want %v", fs.since, want)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhook/stats", nil))
	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "POST stats")
}
