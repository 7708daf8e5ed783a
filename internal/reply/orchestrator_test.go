package reply

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/PolarisCRM/internal/messaging"
	"github.com/BTreeMap/PolarisCRM/internal/models"
	"github.com/BTreeMap/PolarisCRM/internal/notify"
	"github.com/BTreeMap/PolarisCRM/internal/store"
	"github.com/BTreeMap/PolarisCRM/internal/testutil"
)

type recordingNotifier struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (r *recordingNotifier) Dispatch(ctx context.Context, n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

type recordingSent struct {
	ids map[string]int64
}

func (r *recordingSent) StoreSent(ctx context.Context, messageID int64, externalID string, sentAt time.Time) error {
	r.ids[externalID] = messageID
	return nil
}

// panickingTransport fails the first send with a panic and records later sends.
type panickingTransport struct {
	*messaging.MockTransport
	panicked bool
}

func (p *panickingTransport) SendText(ctx context.Context, to, body string) (string, error) {
	if !p.panicked {
		p.panicked = true
		panic("transport exploded")
	}
	return p.MockTransport.SendText(ctx, to, body)
}

type fixture struct {
	store     store.Store
	transport *messaging.MockTransport
	completer *testutil.ScriptedCompleter
	notifier  *recordingNotifier
	member    *models.Member
	inbound   Inbound
}

func newFixture(t *testing.T, text string) *fixture {
	t.Helper()
	st := testutil.NewSQLiteStore(t)
	member := testutil.MustCreateMember(t, st, "Awa", "Diop", "221771234567")
	row := &models.Message{MemberID: member.ID, Kind: models.KindInboundConversation, Content: text, Status: models.StatusRead}
	if err := st.CreateMessage(context.Background(), row); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}
	return &fixture{
		store:     st,
		transport: messaging.NewMockTransport(),
		completer: &testutil.ScriptedCompleter{},
		notifier:  &recordingNotifier{},
		member:    member,
		inbound:   Inbound{Member: *member, From: member.Phone, Text: text, MessageID: row.ID},
	}
}

func (f *fixture) orchestrator(opts ...Option) *Orchestrator {
	opts = append([]Option{WithNotifier(f.notifier)}, opts...)
	return NewOrchestrator(f.store, f.transport, f.completer, opts...)
}

func TestShouldEscalate_AllCombinations(t *testing.T) {
	// urgency is one of high / at threshold (medium) / below threshold (low).
	for _, urgency := range []models.Urgency{models.UrgencyHigh, models.UrgencyMedium, models.UrgencyLow} {
		for _, requiresHuman := range []bool{false, true} {
			for _, enabled := range []bool{false, true} {
				want := urgency == models.UrgencyHigh || requiresHuman || (urgency == models.UrgencyMedium && enabled)
				name := fmt.Sprintf("urgency=%s/human=%v/notifications=%v", urgency, requiresHuman, enabled)
				t.Run(name, func(t *testing.T) {
					if got := ShouldEscalate(urgency, requiresHuman, models.UrgencyMedium, enabled); got != want {
						t.Errorf("ShouldEscalate = %v, want %v", got, want)
					}
				})
			}
		}
	}
}

func TestShouldEscalate_UnavailableClassification(t *testing.T) {
	if ShouldEscalate("", false, models.UrgencyHigh, true) {
		t.Error("missing classification must not escalate")
	}
	if ShouldEscalate("", false, models.UrgencyMedium, true) {
		t.Error("missing classification must not match the threshold")
	}
}

func TestHandleInbound_EndToEndFallback(t *testing.T) {
	f := newFixture(t, "Quand est la réunion?")
	f.completer.Intent = &models.IntentAnalysis{Intent: "question", Urgency: models.UrgencyLow, RequiresHuman: false}
	f.completer.ReplyErr = errors.New("provider timeout")

	out := f.orchestrator().HandleInbound(context.Background(), f.inbound)

	if out.Escalated {
		t.Error("low urgency without human request must not escalate")
	}
	if !out.Fallback {
		t.Error("expected fallback greeting after generation failure")
	}
	want := "Bonjour ! Merci pour votre message à Polaris CRM. Notre équipe vous répondra bientôt. 😊"
	if out.Reply != want {
		t.Errorf("reply = %q, want %q", out.Reply, want)
	}

	sent := f.transport.Messages()
	if len(sent) != 1 || sent[0].To != "221771234567" || sent[0].Body != want {
		t.Fatalf("unexpected sends: %+v", sent)
	}
	rows := testutil.MessagesOfKind(t, f.store, f.member.ID, models.KindOutboundConversation)
	if len(rows) != 1 {
		t.Fatalf("expected exactly one outbound row, got %d", len(rows))
	}
	if rows[0].Status != models.StatusSent || rows[0].ExternalID != sent[0].ID {
		t.Errorf("unexpected outbound row: %+v", rows[0])
	}
	if n := testutil.MessagesOfKind(t, f.store, f.member.ID, models.KindNotification); len(n) != 0 {
		t.Errorf("expected no notification rows, got %d", len(n))
	}
	if f.notifier.count() != 0 {
		t.Error("no channel should have been notified")
	}
}

func TestHandleInbound_GeneratedReplyUsesPriorHistory(t *testing.T) {
	f := newFixture(t, "Et l'adresse ?")
	ctx := context.Background()
	for i, m := range []models.Message{
		{Kind: models.KindInboundConversation, Content: "Bonjour"},
		{Kind: models.KindOutboundConversation, Content: "Bonjour Awa !"},
	} {
		m.MemberID, m.Status = f.member.ID, models.StatusSent
		if err := f.store.CreateMessage(ctx, &m); err != nil {
			t.Fatalf("CreateMessage %d failed: %v", i, err)
		}
	}
	f.completer.Intent = &models.IntentAnalysis{Urgency: models.UrgencyLow}
	f.completer.Reply = "La réunion a lieu au siège."
	sentCache := &recordingSent{ids: map[string]int64{}}

	out := f.orchestrator(WithHistoryTurns(5), WithSentRecorder(sentCache)).HandleInbound(ctx, f.inbound)

	if out.Fallback || out.Reply != "La réunion a lieu au siège." {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(f.completer.Histories) != 1 {
		t.Fatalf("expected one generation call, got %d", len(f.completer.Histories))
	}
	for _, turn := range f.completer.Histories[0] {
		if turn.Content == f.inbound.Text {
			t.Error("the message being answered must not appear in its own history")
		}
	}
	if got := len(f.completer.Histories[0]); got != 2 {
		t.Errorf("expected 2 prior turns, got %d", got)
	}
	if out.Outbound == nil || sentCache.ids[out.Outbound.ExternalID] != out.Outbound.ID {
		t.Errorf("external id not cached for outbound row: %+v", sentCache.ids)
	}
}

func TestHandleInbound_EscalationAppendsNotice(t *testing.T) {
	f := newFixture(t, "Urgent, mon adhésion est bloquée")
	f.completer.Intent = &models.IntentAnalysis{Urgency: models.UrgencyHigh, RequiresHuman: true}
	f.completer.Reply = "Nous regardons cela."

	out := f.orchestrator().HandleInbound(context.Background(), f.inbound)

	if !out.Escalated {
		t.Fatal("expected escalation")
	}
	if !strings.HasSuffix(out.Reply, "\n\nUn membre de notre équipe vous contactera bientôt. 👥") {
		t.Errorf("missing human follow-up notice: %q", out.Reply)
	}
	notes := testutil.MessagesOfKind(t, f.store, f.member.ID, models.KindNotification)
	if len(notes) != 1 {
		t.Fatalf("expected one notification row, got %d", len(notes))
	}
	if notes[0].Content != "Urgent message: "+f.inbound.Text {
		t.Errorf("unexpected notification content: %q", notes[0].Content)
	}
	if notes[0].Metadata["type"] != "urgent_message" || notes[0].Metadata["urgency"] != "high" {
		t.Errorf("unexpected notification metadata: %v", notes[0].Metadata)
	}
	if f.notifier.count() != 1 {
		t.Errorf("expected one dispatch, got %d", f.notifier.count())
	}
}

func TestHandleInbound_NotificationsDisabledStillRecordsRow(t *testing.T) {
	f := newFixture(t, "C'est urgent")
	f.completer.Intent = &models.IntentAnalysis{Urgency: models.UrgencyHigh}
	f.completer.Reply = "Bien reçu."

	out := f.orchestrator(WithNotificationsEnabled(false)).HandleInbound(context.Background(), f.inbound)

	if !out.Escalated {
		t.Fatal("high urgency escalates regardless of notifications")
	}
	if n := testutil.MessagesOfKind(t, f.store, f.member.ID, models.KindNotification); len(n) != 1 {
		t.Errorf("expected notification row, got %d", len(n))
	}
	if f.notifier.count() != 0 {
		t.Error("channels must not fire when notifications are disabled")
	}
}

func TestHandleInbound_AIDisabled(t *testing.T) {
	f := newFixture(t, "Salut")

	out := f.orchestrator(WithAIEnabled(false), WithAppName("Association Teranga")).HandleInbound(context.Background(), f.inbound)

	if len(f.completer.Calls) != 0 {
		t.Errorf("provider must not be called when AI is disabled: %v", f.completer.Calls)
	}
	if out.Escalated || !out.Fallback {
		t.Errorf("unexpected outcome: %+v", out)
	}
	if !strings.Contains(out.Reply, "Association Teranga") {
		t.Errorf("fallback should name the app: %q", out.Reply)
	}
}

func TestHandleInbound_ClassificationUnavailable(t *testing.T) {
	f := newFixture(t, "Bonjour")
	f.completer.IntentErr = errors.New("invalid JSON")
	f.completer.Reply = "Bonjour !"

	out := f.orchestrator(WithUrgentThreshold(models.UrgencyMedium)).HandleInbound(context.Background(), f.inbound)

	if out.Escalated || out.Intent != nil {
		t.Errorf("unexpected outcome: %+v", out)
	}
	if out.Reply != "Bonjour !" {
		t.Errorf("reply = %q", out.Reply)
	}
}

func TestHandleInbound_SendFailureRecordsFailedRow(t *testing.T) {
	f := newFixture(t, "Bonjour")
	f.completer.Intent = &models.IntentAnalysis{Urgency: models.UrgencyLow}
	f.completer.Reply = "Bonjour !"
	f.transport.FailFor[f.member.Phone] = errors.New("HTTP error 400: invalid recipient")

	out := f.orchestrator().HandleInbound(context.Background(), f.inbound)

	rows := testutil.MessagesOfKind(t, f.store, f.member.ID, models.KindOutboundConversation)
	if len(rows) != 1 {
		t.Fatalf("expected exactly one outbound row, got %d", len(rows))
	}
	if rows[0].Status != models.StatusFailed || rows[0].ExternalID != "" {
		t.Errorf("unexpected row: %+v", rows[0])
	}
	if !strings.Contains(fmt.Sprint(rows[0].Metadata["error"]), "invalid recipient") {
		t.Errorf("error not recorded in metadata: %v", rows[0].Metadata)
	}
	if out.Outbound == nil || out.Outbound.Status != models.StatusFailed {
		t.Errorf("unexpected outcome: %+v", out)
	}
}

func TestHandleInbound_PanicSendsApology(t *testing.T) {
	f := newFixture(t, "Bonjour")
	f.completer.Intent = &models.IntentAnalysis{Urgency: models.UrgencyLow}
	f.completer.Reply = "Bonjour !"
	tr := &panickingTransport{MockTransport: f.transport}

	o := NewOrchestrator(f.store, tr, f.completer)
	out := o.HandleInbound(context.Background(), f.inbound)

	if !out.Recovered {
		t.Fatal("expected the panic to be recovered")
	}
	sent := f.transport.Messages()
	if len(sent) != 1 || sent[0].Body != "Merci pour votre message ! Nous vous répondrons rapidement. 🙏" {
		t.Fatalf("expected one apology send, got %+v", sent)
	}
	if rows := testutil.MessagesOfKind(t, f.store, f.member.ID, models.KindOutboundConversation); len(rows) != 1 {
		t.Errorf("expected one outbound row, got %d", len(rows))
	}
}

type panickingSent struct{ calls int }

func (p *panickingSent) StoreSent(ctx context.Context, messageID int64, externalID string, sentAt time.Time) error {
	p.calls++
	panic("cache exploded")
}

func TestHandleInbound_PanicAfterSendDoesNotApologize(t *testing.T) {
	f := newFixture(t, "Bonjour")
	f.completer.Intent = &models.IntentAnalysis{Urgency: models.UrgencyLow}
	f.completer.Reply = "Bonjour !"
	rec := &panickingSent{}

	out := f.orchestrator(WithSentRecorder(rec)).HandleInbound(context.Background(), f.inbound)

	if !out.Recovered || rec.calls != 1 {
		t.Fatalf("expected a recovered panic from the recorder, got %+v (calls=%d)", out, rec.calls)
	}
	if out.Reply != "Bonjour !" {
		t.Errorf("reply should stay the generated text, got %q", out.Reply)
	}
	if sent := f.transport.Messages(); len(sent) != 1 || sent[0].Body != "Bonjour !" {
		t.Errorf("expected exactly one send, got %+v", sent)
	}
	if rows := testutil.MessagesOfKind(t, f.store, f.member.ID, models.KindOutboundConversation); len(rows) != 1 {
		t.Errorf("expected one outbound row, got %d", len(rows))
	}
}

func TestHandleInbound_ApologyFailureIsDropped(t *testing.T) {
	f := newFixture(t, "Bonjour")
	f.completer.Intent = &models.IntentAnalysis{Urgency: models.UrgencyLow}
	tr := &alwaysPanics{}

	out := NewOrchestrator(f.store, tr, f.completer).HandleInbound(context.Background(), f.inbound)

	if !out.Recovered || out.Outbound != nil {
		t.Errorf("unexpected outcome: %+v", out)
	}
}

type alwaysPanics struct{ messaging.MockTransport }

func (a *alwaysPanics) SendText(ctx context.Context, to, body string) (string, error) {
	panic("still broken")
}
