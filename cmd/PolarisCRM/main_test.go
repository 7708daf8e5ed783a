package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/BTreeMap/PolarisCRM/internal/api"
	"github.com/BTreeMap/PolarisCRM/internal/cache"
	"github.com/BTreeMap/PolarisCRM/internal/cloudapi"
	"github.com/BTreeMap/PolarisCRM/internal/genai"
	"github.com/BTreeMap/PolarisCRM/internal/messaging"
	"github.com/BTreeMap/PolarisCRM/internal/models"
	"github.com/BTreeMap/PolarisCRM/internal/notify"
	"github.com/BTreeMap/PolarisCRM/internal/reply"
	"github.com/BTreeMap/PolarisCRM/internal/scheduler"
	"github.com/BTreeMap/PolarisCRM/internal/store"
	"github.com/BTreeMap/PolarisCRM/internal/testutil"
	"github.com/BTreeMap/PolarisCRM/internal/webhook"
	"github.com/BTreeMap/PolarisCRM/internal/whatsapp"
)

var configEnvKeys = []string{
	"POLARIS_STATE_DIR", "DATABASE_URL", "API_ADDR", "LOG_LEVEL", "APP_NAME", "APP_TIMEZONE",
	"WHATSAPP_TRANSPORT", "WHATSAPP_ACCESS_TOKEN", "WHATSAPP_PHONE_NUMBER_ID", "WHATSAPP_API_VERSION",
	"WHATSAPP_BASE_URL", "WHATSAPP_VERIFY_TOKEN", "WHATSAPP_APP_SECRET", "WEBHOOK_VERIFY_SIGNATURE",
	"WHATSAPP_DB_DSN", "MISTRAL_API_KEY", "MISTRAL_BASE_URL", "MISTRAL_MODEL", "MISTRAL_MAX_TOKENS",
	"MISTRAL_TEMPERATURE", "FEATURE_AUTO_REPLY", "FEATURE_AI", "FEATURE_WEBHOOK", "FEATURE_NOTIFICATIONS",
	"FEATURE_MEMBER_AUTO_CREATION", "URGENT_THRESHOLD", "NOTIFICATION_METHODS", "ADMIN_EMAIL", "ADMIN_PHONE",
	"NOTIFICATION_WEBHOOK_URL", "SMTP_HOST", "SMTP_PORT", "TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN",
	"TWILIO_FROM_NUMBER", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "WEBHOOK_WORKERS", "WEBHOOK_QUEUE_SIZE",
	"HISTORY_TURNS", "PUSH_INTERVAL", "PUSH_DELAY", "DEDUP_RETENTION", "RETENTION_SCHEDULE",
}

// clearConfigEnv blanks every variable the loader reads; t.Setenv restores them.
func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnvKeys {
		t.Setenv(key, "")
	}
}

func parseFlags(t *testing.T, config Config, args ...string) Flags {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	flags, err := parseCommandLineFlags(fs, args, config)
	if err != nil {
		t.Fatalf("parseCommandLineFlags failed: %v", err)
	}
	return flags
}

func TestLoadEnvironmentConfigDefaults(t *testing.T) {
	clearConfigEnv(t)
	config := loadEnvironmentConfig()

	if config.StateDir != DefaultStateDir {
		t.Errorf("Expected default state dir %q, got %q", DefaultStateDir, config.StateDir)
	}
	if config.APIAddr != api.DefaultAddr {
		t.Errorf("Expected default API addr %q, got %q", api.DefaultAddr, config.APIAddr)
	}
	if config.Transport != TransportCloud {
		t.Errorf("Expected default transport %q, got %q", TransportCloud, config.Transport)
	}
	if config.Timezone != DefaultTimezone || config.AppName != reply.DefaultAppName {
		t.Errorf("unexpected timezone/app name: %q / %q", config.Timezone, config.AppName)
	}
	if !config.AutoReply || !config.AIEnabled || !config.WebhookEnabled || !config.NotificationsEnabled || !config.AutoCreateMembers {
		t.Errorf("feature flags should default to on: %+v", config)
	}
	if config.VerifySignature {
		t.Error("signature verification should default to off")
	}
	if len(config.NotificationMethods) != 1 || config.NotificationMethods[0] != notify.MethodDatabase {
		t.Errorf("unexpected notification methods %v", config.NotificationMethods)
	}
	if config.WebhookWorkers != webhook.DefaultWorkers || config.WebhookQueueSize != webhook.DefaultQueueSize {
		t.Errorf("unexpected webhook sizing %d/%d", config.WebhookWorkers, config.WebhookQueueSize)
	}
	if config.MistralModel != genai.DefaultModel || config.MistralMaxTokens != genai.DefaultMaxTokens {
		t.Errorf("unexpected Mistral defaults %q/%d", config.MistralModel, config.MistralMaxTokens)
	}
	if config.PushInterval != 5*time.Second || config.PushDelay != 100*time.Millisecond {
		t.Errorf("unexpected push cadence %v/%v", config.PushInterval, config.PushDelay)
	}
	if config.DedupRetention != scheduler.DefaultDedupRetention || config.RetentionSchedule != scheduler.DefaultRetentionSchedule {
		t.Errorf("unexpected retention defaults %v %q", config.DedupRetention, config.RetentionSchedule)
	}
	if config.SMTP.Port != 587 {
		t.Errorf("Expected SMTP port 587, got %d", config.SMTP.Port)
	}
}

func TestLoadEnvironmentConfigOverrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("WHATSAPP_TRANSPORT", "Twilio")
	t.Setenv("FEATURE_AI", "false")
	t.Setenv("NOTIFICATION_METHODS", "database, email ,,sms")
	t.Setenv("WEBHOOK_WORKERS", "8")
	t.Setenv("PUSH_INTERVAL", "1m")
	t.Setenv("MISTRAL_TEMPERATURE", "0.2")
	t.Setenv("URGENT_THRESHOLD", "medium")

	config := loadEnvironmentConfig()
	if config.Transport != TransportTwilio {
		t.Errorf("transport should be lower-cased, got %q", config.Transport)
	}
	if config.AIEnabled {
		t.Error("FEATURE_AI=false should disable AI")
	}
	if want := []string{"database", "email", "sms"}; len(config.NotificationMethods) != 3 ||
		config.NotificationMethods[0] != want[0] || config.NotificationMethods[1] != want[1] || config.NotificationMethods[2] != want[2] {
		t.Errorf("unexpected notification methods %q", config.NotificationMethods)
	}
	if config.WebhookWorkers != 8 || config.PushInterval != time.Minute || config.MistralTemperature != 0.2 {
		t.Errorf("overrides not applied: %+v", config)
	}
	if config.UrgentThreshold != "medium" {
		t.Errorf("unexpected threshold %q", config.UrgentThreshold)
	}
}

func TestParseCommandLineFlags(t *testing.T) {
	clearConfigEnv(t)
	config := loadEnvironmentConfig()

	flags := parseFlags(t, config)
	if want := filepath.Join(DefaultStateDir, DefaultDBFileName); *flags.dbDSN != want {
		t.Errorf("Expected default DSN %q, got %q", want, *flags.dbDSN)
	}

	dir := t.TempDir()
	flags = parseFlags(t, config, "-state-dir", dir, "-transport", " WhatsMeow ", "-api-addr", ":9999", "-numeric-code")
	if *flags.dbDSN != filepath.Join(dir, DefaultDBFileName) {
		t.Errorf("DSN should follow the overridden state dir, got %q", *flags.dbDSN)
	}
	if *flags.transport != TransportWhatsmeow || *flags.apiAddr != ":9999" || !*flags.numeric {
		t.Errorf("flags not applied: transport=%q addr=%q numeric=%v", *flags.transport, *flags.apiAddr, *flags.numeric)
	}

	config.DatabaseURL = "postgres://u:p@localhost/polaris"
	flags = parseFlags(t, config, "-state-dir", dir)
	if *flags.dbDSN != config.DatabaseURL {
		t.Errorf("DATABASE_URL should win over the state dir default, got %q", *flags.dbDSN)
	}

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if _, err := parseCommandLineFlags(fs, []string{"-no-such-flag"}, config); err == nil {
		t.Error("unknown flag should fail")
	}
}

func TestBuildStoreOptions(t *testing.T) {
	tests := []struct {
		name string
		dsn  string
	}{
		{"sqlite path", "/tmp/polaris.db"},
		{"postgres url", "postgres://u:p@localhost/polaris"},
		{"postgres keywords", "host=localhost dbname=polaris"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dsn := tt.dsn
			var opts store.Opts
			for _, opt := range buildStoreOptions(Flags{dbDSN: &dsn}) {
				opt(&opts)
			}
			if opts.DSN != tt.dsn {
				t.Errorf("Expected DSN %q, got %q", tt.dsn, opts.DSN)
			}
		})
	}
}

func TestBuildWhatsAppOptions(t *testing.T) {
	clearConfigEnv(t)
	config := loadEnvironmentConfig()
	dir := t.TempDir()
	flags := parseFlags(t, config, "-state-dir", dir, "-qr-output", "/tmp/qr.txt")

	var opts whatsapp.Opts
	for _, opt := range buildWhatsAppOptions(config, flags) {
		opt(&opts)
	}
	if want := "file:" + filepath.Join(dir, DefaultWhatsmeowDBFileName) + "?_foreign_keys=on"; opts.DBDSN != want {
		t.Errorf("Expected whatsmeow DSN %q, got %q", want, opts.DBDSN)
	}
	if opts.QRPath != "/tmp/qr.txt" || opts.NumericCode {
		t.Errorf("unexpected login options %+v", opts)
	}

	config.WhatsmeowDSN = "postgres://u:p@localhost/wa"
	opts = whatsapp.Opts{}
	for _, opt := range buildWhatsAppOptions(config, flags) {
		opt(&opts)
	}
	if opts.DBDSN != config.WhatsmeowDSN {
		t.Errorf("WHATSAPP_DB_DSN should be used as is, got %q", opts.DBDSN)
	}
}

func TestBuildGenAIOptions(t *testing.T) {
	config := Config{
		MistralBaseURL:     "http://mistral.test/v1",
		MistralModel:       "mistral-large-latest",
		MistralTemperature: 0.3,
		MistralMaxTokens:   256,
		AppName:            "Club",
		Timezone:           "UTC",
	}
	var opts genai.Opts
	for _, opt := range buildGenAIOptions(config) {
		opt(&opts)
	}
	if opts.APIKey != "" {
		t.Error("API key should stay empty when unset")
	}
	if opts.BaseURL != config.MistralBaseURL || opts.Model != config.MistralModel || opts.MaxTokens != 256 ||
		opts.Temperature != 0.3 || opts.AppName != "Club" || opts.Timezone != "UTC" {
		t.Errorf("unexpected genai options %+v", opts)
	}

	config.MistralAPIKey = "sk-test"
	if _, err := genai.NewClient(buildGenAIOptions(config)...); err != nil {
		t.Errorf("client with key should build: %v", err)
	}
	if c := buildCompleter(Config{AIEnabled: true}); c != nil {
		t.Error("no key should leave AI unavailable")
	}
	config.AIEnabled = false
	if c := buildCompleter(config); c != nil {
		t.Error("FEATURE_AI=false should leave AI unavailable")
	}
}

func TestBuildCloudAPIOptions(t *testing.T) {
	config := Config{WhatsAppAPIVersion: cloudapi.DefaultAPIVersion, WhatsAppBaseURL: cloudapi.DefaultBaseURL}
	if _, err := cloudapi.NewClient(buildCloudAPIOptions(config)...); !errors.Is(err, cloudapi.ErrNotConfigured) {
		t.Errorf("Expected ErrNotConfigured, got %v", err)
	}
	tr := TransportCloud
	if _, err := buildTransport(config, Flags{transport: &tr}); !errors.Is(err, cloudapi.ErrNotConfigured) {
		t.Errorf("cloud transport without credentials should fail, got %v", err)
	}

	config.WhatsAppAccessToken, config.WhatsAppPhoneNumberID = "token", "12345"
	ts, err := buildTransport(config, Flags{transport: &tr})
	if err != nil {
		t.Fatalf("buildTransport failed: %v", err)
	}
	if ts.source != nil {
		t.Error("cloud transport receives events through the webhook, not an event source")
	}

	bad := "carrier-pigeon"
	if _, err := buildTransport(config, Flags{transport: &bad}); err == nil {
		t.Error("unknown transport should fail")
	}
}

func TestBuildReplyOptions(t *testing.T) {
	tests := []struct {
		threshold string
		want      models.Urgency
	}{
		{"low", models.UrgencyLow},
		{"HIGH", models.UrgencyHigh},
		{"bogus", reply.DefaultUrgentThreshold},
	}
	for _, tt := range tests {
		t.Run(tt.threshold, func(t *testing.T) {
			var opts reply.Opts
			for _, opt := range buildReplyOptions(Config{UrgentThreshold: tt.threshold, HistoryTurns: 3, AIEnabled: true}) {
				opt(&opts)
			}
			if opts.UrgentThreshold != tt.want {
				t.Errorf("Expected threshold %q, got %q", tt.want, opts.UrgentThreshold)
			}
			if opts.HistoryTurns != 3 || !opts.AIEnabled {
				t.Errorf("unexpected reply options %+v", opts)
			}
		})
	}
}

func TestBuildReceiverOptions(t *testing.T) {
	var opts webhook.ReceiverOpts
	for _, opt := range buildReceiverOptions(Config{WebhookEnabled: true, WhatsAppVerifyToken: "tok"}) {
		opt(&opts)
	}
	if !opts.Enabled || opts.VerifyToken != "tok" || opts.AppSecret != "" {
		t.Errorf("unexpected receiver options %+v", opts)
	}

	opts = webhook.ReceiverOpts{}
	for _, opt := range buildReceiverOptions(Config{VerifySignature: true, WhatsAppAppSecret: "s3cret"}) {
		opt(&opts)
	}
	if opts.AppSecret != "s3cret" {
		t.Errorf("signature secret not applied: %+v", opts)
	}
}

func TestBuildNotifyConfig(t *testing.T) {
	cfg := buildNotifyConfig(Config{AdminPhone: "+221770000000", AdminEmail: "ops@example.org"})
	if cfg.SMS != nil {
		t.Error("SMS sender requires Twilio credentials")
	}
	if _, err := notify.ChannelsFromMethods([]string{"sms"}, cfg); err == nil {
		t.Error("sms without Twilio should be rejected")
	}

	cfg = buildNotifyConfig(Config{
		AdminPhone:       "+221770000000",
		TwilioAccountSID: "AC123",
		TwilioAuthToken:  "token",
		TwilioFrom:       "+15550000000",
	})
	if cfg.SMS == nil {
		t.Fatal("SMS sender should be built from Twilio credentials")
	}
	channels, err := notify.ChannelsFromMethods([]string{"database", "sms"}, cfg)
	if err != nil || len(channels) != 2 {
		t.Errorf("Expected 2 channels, got %d (err=%v)", len(channels), err)
	}
}

func TestPushSendFunc(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewSQLiteStore(t)
	member := testutil.MustCreateMember(t, st, "Awa", "Diop", "221771234567")

	mr := miniredis.RunT(t)
	rc, err := cache.Connect(ctx, cache.WithAddr(mr.Addr()))
	if err != nil {
		t.Fatalf("cache.Connect failed: %v", err)
	}
	defer rc.Close()

	msg := &models.Message{MemberID: member.ID, Kind: models.KindOutboundPush, Content: "Réunion samedi", Status: models.StatusPending}
	if err := st.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	tr := messaging.NewMockTransport()
	send := pushSendFunc(st, tr, rc)
	id, err := send(ctx, *msg)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	sent := tr.Messages()
	if len(sent) != 1 || sent[0].To != "221771234567" || sent[0].Body != "Réunion samedi" || sent[0].ID != id {
		t.Errorf("unexpected sends %+v", sent)
	}
	if got, err := rc.LookupSent(ctx, id); err != nil || got != msg.ID {
		t.Errorf("LookupSent(%s) = %d, %v; want %d", id, got, err, msg.ID)
	}

	if _, err := send(ctx, models.Message{MemberID: member.ID + 100, Content: "x"}); err == nil {
		t.Error("unknown member should fail")
	}

	tr.Err = errors.New("boom")
	if _, err := pushSendFunc(st, tr, nil)(ctx, *msg); err == nil {
		t.Error("transport failure should be returned")
	}
}

func TestInitializeLogger(t *testing.T) {
	defer slog.SetDefault(slog.Default())
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelDebug},
		{"verbose", slog.LevelDebug},
	}
	for _, tt := range tests {
		initializeLogger(tt.level)
		ctx := context.Background()
		if !slog.Default().Enabled(ctx, tt.want) {
			t.Errorf("level %q: %v should be enabled", tt.level, tt.want)
		}
		if tt.want > slog.LevelDebug && slog.Default().Enabled(ctx, tt.want-4) {
			t.Errorf("level %q: %v should be filtered", tt.level, tt.want-4)
		}
	}
}
