package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/PolarisCRM/internal/api"
	"github.com/BTreeMap/PolarisCRM/internal/cache"
	"github.com/BTreeMap/PolarisCRM/internal/cloudapi"
	"github.com/BTreeMap/PolarisCRM/internal/genai"
	"github.com/BTreeMap/PolarisCRM/internal/lockfile"
	"github.com/BTreeMap/PolarisCRM/internal/models"
	"github.com/BTreeMap/PolarisCRM/internal/notify"
	"github.com/BTreeMap/PolarisCRM/internal/reply"
	"github.com/BTreeMap/PolarisCRM/internal/scheduler"
	"github.com/BTreeMap/PolarisCRM/internal/store"
	"github.com/BTreeMap/PolarisCRM/internal/util"
	"github.com/BTreeMap/PolarisCRM/internal/webhook"
	"github.com/BTreeMap/PolarisCRM/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for PolarisCRM state data
	DefaultStateDir = "/var/lib/polaris"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "polaris.db"
	// DefaultWhatsmeowDBFileName holds the linked-device session
	DefaultWhatsmeowDBFileName = "whatsmeow.db"
	DefaultTimezone            = "Africa/Dakar"
)

// Supported WHATSAPP_TRANSPORT values
const (
	TransportCloud     = "cloud"
	TransportWhatsmeow = "whatsmeow"
	TransportTwilio    = "twilio"
)

func main() {
	config := loadEnvironmentConfig()
	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		os.Exit(2)
	}
	initializeLogger(*flags.logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping PolarisCRM", "transport", *flags.transport, "stateDir", *flags.stateDir, "apiAddr", *flags.apiAddr)
	if err := run(ctx, config, flags); err != nil {
		var lockErr *lockfile.LockError
		if errors.As(err, &lockErr) {
			slog.Error("PolarisCRM is already running", "error", err)
		} else {
			slog.Error("PolarisCRM failed to run", "error", err)
		}
		os.Exit(1)
	}
	slog.Info("PolarisCRM exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir    string
	DatabaseURL string
	APIAddr     string
	LogLevel    string
	AppName     string
	Timezone    string

	Transport             string
	WhatsAppAccessToken   string
	WhatsAppPhoneNumberID string
	WhatsAppAPIVersion    string
	WhatsAppBaseURL       string
	WhatsAppVerifyToken   string
	WhatsAppAppSecret     string
	VerifySignature       bool
	WhatsmeowDSN          string

	MistralAPIKey      string
	MistralBaseURL     string
	MistralModel       string
	MistralMaxTokens   int
	MistralTemperature float64

	AutoReply            bool
	AIEnabled            bool
	WebhookEnabled       bool
	NotificationsEnabled bool
	AutoCreateMembers    bool
	UrgentThreshold      string
	NotificationMethods  []string
	AdminEmail           string
	AdminPhone           string
	NotificationWebhook  string
	SMTP                 notify.SMTPConfig

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	WebhookWorkers   int
	WebhookQueueSize int
	HistoryTurns     int
	PushInterval     time.Duration
	PushDelay        time.Duration

	DedupRetention    time.Duration
	RetentionSchedule string
}

// Flags holds command line flag values
type Flags struct {
	stateDir  *string
	dbDSN     *string
	apiAddr   *string
	transport *string
	logLevel  *string
	qrOutput  *string
	numeric   *bool
}

// initializeLogger installs a text slog handler at the given level (default debug).
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil || level == "" {
		lvl = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:    envOr("POLARIS_STATE_DIR", DefaultStateDir),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		APIAddr:     envOr("API_ADDR", api.DefaultAddr),
		LogLevel:    envOr("LOG_LEVEL", "debug"),
		AppName:     envOr("APP_NAME", reply.DefaultAppName),
		Timezone:    envOr("APP_TIMEZONE", DefaultTimezone),

		Transport:             strings.ToLower(envOr("WHATSAPP_TRANSPORT", TransportCloud)),
		WhatsAppAccessToken:   os.Getenv("WHATSAPP_ACCESS_TOKEN"),
		WhatsAppPhoneNumberID: os.Getenv("WHATSAPP_PHONE_NUMBER_ID"),
		WhatsAppAPIVersion:    envOr("WHATSAPP_API_VERSION", cloudapi.DefaultAPIVersion),
		WhatsAppBaseURL:       envOr("WHATSAPP_BASE_URL", cloudapi.DefaultBaseURL),
		WhatsAppVerifyToken:   os.Getenv("WHATSAPP_VERIFY_TOKEN"),
		WhatsAppAppSecret:     os.Getenv("WHATSAPP_APP_SECRET"),
		VerifySignature:       util.ParseBoolEnv("WEBHOOK_VERIFY_SIGNATURE", false),
		WhatsmeowDSN:          os.Getenv("WHATSAPP_DB_DSN"),

		MistralAPIKey:      os.Getenv("MISTRAL_API_KEY"),
		MistralBaseURL:     envOr("MISTRAL_BASE_URL", genai.DefaultBaseURL),
		MistralModel:       envOr("MISTRAL_MODEL", genai.DefaultModel),
		MistralMaxTokens:   util.ParseIntEnv("MISTRAL_MAX_TOKENS", int(genai.DefaultMaxTokens)),
		MistralTemperature: util.ParseFloatEnv("MISTRAL_TEMPERATURE", genai.DefaultTemperature),

		AutoReply:            util.ParseBoolEnv("FEATURE_AUTO_REPLY", true),
		AIEnabled:            util.ParseBoolEnv("FEATURE_AI", true),
		WebhookEnabled:       util.ParseBoolEnv("FEATURE_WEBHOOK", true),
		NotificationsEnabled: util.ParseBoolEnv("FEATURE_NOTIFICATIONS", true),
		AutoCreateMembers:    util.ParseBoolEnv("FEATURE_MEMBER_AUTO_CREATION", true),
		UrgentThreshold:      envOr("URGENT_THRESHOLD", string(models.UrgencyHigh)),
		NotificationMethods:  util.ParseListEnv("NOTIFICATION_METHODS", []string{notify.MethodDatabase}),
		AdminEmail:           os.Getenv("ADMIN_EMAIL"),
		AdminPhone:           os.Getenv("ADMIN_PHONE"),
		NotificationWebhook:  os.Getenv("NOTIFICATION_WEBHOOK_URL"),
		SMTP: notify.SMTPConfig{
			Host:     os.Getenv("SMTP_HOST"),
			Port:     util.ParseIntEnv("SMTP_PORT", 587),
			Username: os.Getenv("SMTP_USERNAME"),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     os.Getenv("SMTP_FROM"),
		},

		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       util.ParseIntEnv("REDIS_DB", 0),

		WebhookWorkers:   util.ParseIntEnv("WEBHOOK_WORKERS", webhook.DefaultWorkers),
		WebhookQueueSize: util.ParseIntEnv("WEBHOOK_QUEUE_SIZE", webhook.DefaultQueueSize),
		HistoryTurns:     util.ParseIntEnv("HISTORY_TURNS", reply.DefaultHistoryTurns),
		PushInterval:     util.ParseDurationEnv("PUSH_INTERVAL", 5*time.Second),
		PushDelay:        util.ParseDurationEnv("PUSH_DELAY", 100*time.Millisecond),

		DedupRetention:    util.ParseDurationEnv("DEDUP_RETENTION", scheduler.DefaultDedupRetention),
		RetentionSchedule: envOr("RETENTION_SCHEDULE", scheduler.DefaultRetentionSchedule),
	}

	slog.Debug("environment variables loaded",
		"POLARIS_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"API_ADDR", config.APIAddr,
		"WHATSAPP_TRANSPORT", config.Transport,
		"WHATSAPP_ACCESS_TOKEN_SET", config.WhatsAppAccessToken != "",
		"MISTRAL_API_KEY_SET", config.MistralAPIKey != "",
		"REDIS_ADDR", config.RedisAddr,
		"NOTIFICATION_METHODS", strings.Join(config.NotificationMethods, ","))

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	defaultDSN := config.DatabaseURL
	flags := Flags{
		stateDir:  fs.String("state-dir", config.StateDir, "state directory for PolarisCRM data (overrides $POLARIS_STATE_DIR)"),
		dbDSN:     fs.String("db-dsn", defaultDSN, "database DSN; a postgres:// URL selects PostgreSQL (overrides $DATABASE_URL, default <state-dir>/"+DefaultDBFileName+")"),
		apiAddr:   fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		transport: fs.String("transport", config.Transport, "WhatsApp transport: cloud, whatsmeow or twilio (overrides $WHATSAPP_TRANSPORT)"),
		logLevel:  fs.String("log-level", config.LogLevel, "log level: debug, info, warn or error (overrides $LOG_LEVEL)"),
		qrOutput:  fs.String("qr-output", "", "path to write the linked-device login QR code (whatsmeow transport)"),
		numeric:   fs.Bool("numeric-code", false, "use a numeric pairing code instead of a QR code (whatsmeow transport)"),
	}
	if err := fs.Parse(args); err != nil {
		return flags, err
	}

	// Without an explicit DSN the database lives in the (possibly overridden) state directory
	if *flags.dbDSN == "" {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
	}
	*flags.transport = strings.ToLower(strings.TrimSpace(*flags.transport))

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"transport", *flags.transport,
		"logLevel", *flags.logLevel,
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric)
	return flags, nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	dsn := *flags.dbDSN
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		return []store.Option{store.WithPostgresDSN(dsn)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", dsn)
	return []store.Option{store.WithSQLiteDSN(dsn)}
}

// buildWhatsAppOptions constructs linked-device client options
func buildWhatsAppOptions(config Config, flags Flags) []whatsapp.Option {
	dsn := config.WhatsmeowDSN
	if dsn == "" {
		// whatsmeow expects foreign keys on its SQLite store
		dsn = "file:" + filepath.Join(*flags.stateDir, DefaultWhatsmeowDBFileName) + "?_foreign_keys=on"
	}
	waOpts := []whatsapp.Option{whatsapp.WithDBDSN(dsn)}
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	return waOpts
}

// buildCloudAPIOptions constructs Meta Cloud API client options
func buildCloudAPIOptions(config Config) []cloudapi.Option {
	return []cloudapi.Option{
		cloudapi.WithAccessToken(config.WhatsAppAccessToken),
		cloudapi.WithPhoneNumberID(config.WhatsAppPhoneNumberID),
		cloudapi.WithAPIVersion(config.WhatsAppAPIVersion),
		cloudapi.WithBaseURL(config.WhatsAppBaseURL),
	}
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(config Config) []genai.Option {
	genaiOpts := []genai.Option{
		genai.WithBaseURL(config.MistralBaseURL),
		genai.WithModel(config.MistralModel),
		genai.WithTemperature(config.MistralTemperature),
		genai.WithAppName(config.AppName),
		genai.WithTimezone(config.Timezone),
	}
	if config.MistralAPIKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(config.MistralAPIKey))
	}
	if config.MistralMaxTokens > 0 {
		genaiOpts = append(genaiOpts, genai.WithMaxTokens(int64(config.MistralMaxTokens)))
	}
	return genaiOpts
}

// buildCacheOptions constructs Redis cache options
func buildCacheOptions(config Config) []cache.Option {
	return []cache.Option{
		cache.WithAddr(config.RedisAddr),
		cache.WithPassword(config.RedisPassword),
		cache.WithDB(config.RedisDB),
	}
}

// buildReplyOptions constructs orchestrator options; collaborators are added by run.
func buildReplyOptions(config Config) []reply.Option {
	threshold := models.ParseUrgency(config.UrgentThreshold)
	if threshold == "" {
		slog.Warn("Invalid URGENT_THRESHOLD, using default", "value", config.UrgentThreshold, "default", reply.DefaultUrgentThreshold)
		threshold = reply.DefaultUrgentThreshold
	}
	return []reply.Option{
		reply.WithAIEnabled(config.AIEnabled),
		reply.WithNotificationsEnabled(config.NotificationsEnabled),
		reply.WithUrgentThreshold(threshold),
		reply.WithHistoryTurns(config.HistoryTurns),
		reply.WithAppName(config.AppName),
	}
}

// buildReceiverOptions constructs webhook receiver options
func buildReceiverOptions(config Config) []webhook.ReceiverOption {
	opts := []webhook.ReceiverOption{
		webhook.WithEnabled(config.WebhookEnabled),
		webhook.WithVerifyToken(config.WhatsAppVerifyToken),
	}
	if config.VerifySignature {
		if config.WhatsAppAppSecret == "" {
			slog.Warn("WEBHOOK_VERIFY_SIGNATURE is on but WHATSAPP_APP_SECRET is empty; every POST will be rejected")
		}
		opts = append(opts, webhook.WithSignature(config.WhatsAppAppSecret))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config, flags Flags) []api.Option {
	return []api.Option{
		api.WithAddr(*flags.apiAddr),
		api.WithAppName(config.AppName),
	}
}
