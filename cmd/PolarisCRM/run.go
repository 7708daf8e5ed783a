package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/PolarisCRM/internal/api"
	"github.com/BTreeMap/PolarisCRM/internal/cache"
	"github.com/BTreeMap/PolarisCRM/internal/cloudapi"
	"github.com/BTreeMap/PolarisCRM/internal/contact"
	"github.com/BTreeMap/PolarisCRM/internal/genai"
	"github.com/BTreeMap/PolarisCRM/internal/lockfile"
	"github.com/BTreeMap/PolarisCRM/internal/messaging"
	"github.com/BTreeMap/PolarisCRM/internal/models"
	"github.com/BTreeMap/PolarisCRM/internal/notify"
	"github.com/BTreeMap/PolarisCRM/internal/reply"
	"github.com/BTreeMap/PolarisCRM/internal/scheduler"
	"github.com/BTreeMap/PolarisCRM/internal/store"
	"github.com/BTreeMap/PolarisCRM/internal/twiliowhatsapp"
	"github.com/BTreeMap/PolarisCRM/internal/webhook"
	"github.com/BTreeMap/PolarisCRM/internal/whatsapp"
)

// transportSetup is the outbound transport plus, for transports that receive
// events themselves, their event source and webhook routes.
type transportSetup struct {
	transport messaging.Transport
	source    messaging.EventSource
	extra     []api.Option
	close     func()
}

// buildTransport selects the WhatsApp transport named by the transport flag.
func buildTransport(config Config, flags Flags) (*transportSetup, error) {
	switch *flags.transport {
	case TransportCloud, "":
		client, err := cloudapi.NewClient(buildCloudAPIOptions(config)...)
		if err != nil {
			return nil, err
		}
		slog.Info("Using WhatsApp Cloud API transport")
		return &transportSetup{transport: client, close: func() {}}, nil
	case TransportWhatsmeow:
		waClient, err := whatsapp.NewClient(buildWhatsAppOptions(config, flags)...)
		if err != nil {
			return nil, fmt.Errorf("failed to create whatsmeow client: %w", err)
		}
		svc := messaging.NewWhatsAppService(waClient)
		slog.Info("Using whatsmeow linked-device transport")
		return &transportSetup{transport: svc, source: svc, close: waClient.Close}, nil
	case TransportTwilio:
		twClient, err := twiliowhatsapp.NewClient(buildTwilioOptions(config)...)
		if err != nil {
			return nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(twClient)
		slog.Info("Using Twilio WhatsApp transport")
		return &transportSetup{
			transport: svc,
			source:    svc,
			extra:     []api.Option{api.WithRoute("/twilio/webhook", http.HandlerFunc(svc.WebhookHandler))},
			close:     func() {},
		}, nil
	default:
		return nil, fmt.Errorf("unknown WhatsApp transport %q (want cloud, whatsmeow or twilio)", *flags.transport)
	}
}

func buildTwilioOptions(config Config) []twiliowhatsapp.Option {
	return []twiliowhatsapp.Option{
		twiliowhatsapp.WithAccountSID(config.TwilioAccountSID),
		twiliowhatsapp.WithAuthToken(config.TwilioAuthToken),
		twiliowhatsapp.WithFrom(config.TwilioFrom),
	}
}

// buildNotifyConfig gathers notification destinations. The SMS sender is only
// set when Twilio credentials are present.
func buildNotifyConfig(config Config) notify.Config {
	cfg := notify.Config{
		AdminEmail: config.AdminEmail,
		AdminPhone: config.AdminPhone,
		WebhookURL: config.NotificationWebhook,
		SMTP:       config.SMTP,
	}
	if config.TwilioAccountSID != "" && config.TwilioAuthToken != "" {
		sms, err := twiliowhatsapp.NewClient(buildTwilioOptions(config)...)
		if err != nil {
			slog.Warn("Twilio SMS sender unavailable", "error", err)
		} else {
			cfg.SMS = sms
		}
	}
	return cfg
}

// buildCompleter returns the Mistral client, or nil when AI is off or no key is set.
func buildCompleter(config Config) *genai.Client {
	if !config.AIEnabled {
		slog.Info("AI features disabled by FEATURE_AI")
		return nil
	}
	client, err := genai.NewClient(buildGenAIOptions(config)...)
	if err != nil {
		slog.Warn("GenAI client unavailable, AI features disabled", "error", err)
		return nil
	}
	return client
}

// pushSendFunc delivers one queued push row to its member and records the
// external id in the sent cache when one is configured.
func pushSendFunc(st store.Store, transport messaging.Transport, sent reply.SentRecorder) store.PushSendFunc {
	return func(ctx context.Context, msg models.Message) (string, error) {
		member, err := st.GetMember(ctx, msg.MemberID)
		if err != nil {
			return "", err
		}
		if member == nil {
			return "", fmt.Errorf("member %d not found", msg.MemberID)
		}
		id, err := transport.SendText(ctx, member.Phone, msg.Content)
		if err != nil {
			return "", err
		}
		if sent != nil && id != "" {
			if err := sent.StoreSent(ctx, msg.ID, id, time.Now()); err != nil {
				slog.Warn("pushSend: failed to cache sent message", "messageID", msg.ID, "error", err)
			}
		}
		return id, nil
	}
}

// run wires every component and blocks until ctx is cancelled or a worker fails.
func run(ctx context.Context, config Config, flags Flags) error {
	lock, err := lockfile.Acquire(*flags.stateDir, *flags.apiAddr)
	if err != nil {
		return err
	}
	defer lock.Release()

	loc, err := time.LoadLocation(config.Timezone)
	if err != nil {
		slog.Warn("Invalid APP_TIMEZONE, using UTC", "timezone", config.Timezone, "error", err)
		loc = time.UTC
	}

	st, err := store.New(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	ts, err := buildTransport(config, flags)
	if err != nil {
		return err
	}
	defer ts.close()

	var (
		deduper webhook.Deduper = st
		lookup  webhook.SentLookup
		sent    reply.SentRecorder
	)
	if config.RedisAddr != "" {
		rc, err := cache.Connect(ctx, buildCacheOptions(config)...)
		if err != nil {
			slog.Warn("Redis unavailable, falling back to store deduplication", "addr", config.RedisAddr, "error", err)
		} else {
			defer rc.Close()
			deduper, lookup, sent = rc, rc, rc
		}
	}

	channels, err := notify.ChannelsFromMethods(config.NotificationMethods, buildNotifyConfig(config))
	if err != nil {
		return fmt.Errorf("invalid notification configuration: %w", err)
	}
	notifier := notify.NewDispatcher(notify.WithChannels(channels...))
	defer notifier.Wait()

	replyOpts := append(buildReplyOptions(config), reply.WithNotifier(notifier))
	if sent != nil {
		replyOpts = append(replyOpts, reply.WithSentRecorder(sent))
	}
	apiOpts := buildAPIOptions(config, flags)

	// Interface values must stay untyped nil when AI is unavailable
	var orchestrator *reply.Orchestrator
	if client := buildCompleter(config); client != nil {
		orchestrator = reply.NewOrchestrator(st, ts.transport, client, replyOpts...)
		apiOpts = append(apiOpts, api.WithAssistant(client, config.AIEnabled))
	} else {
		orchestrator = reply.NewOrchestrator(st, ts.transport, nil, replyOpts...)
	}

	resolver := contact.NewResolver(st, contact.WithAutoCreate(config.AutoCreateMembers))
	procOpts := []webhook.ProcessorOption{
		webhook.WithAutoReply(config.AutoReply),
		webhook.WithDeduper(deduper),
		webhook.WithTransport(ts.transport),
	}
	if lookup != nil {
		procOpts = append(procOpts, webhook.WithSentLookup(lookup))
	}
	processor := webhook.NewProcessor(st, resolver, orchestrator, procOpts...)
	disp := webhook.NewDispatcher(processor, config.WebhookWorkers, config.WebhookQueueSize)
	receiver := webhook.NewReceiver(disp, buildReceiverOptions(config)...)

	maint := scheduler.NewScheduler(loc)
	if config.DedupRetention > 0 {
		if err := maint.AddJob("dedup retention", config.RetentionSchedule, scheduler.DedupRetentionJob(st, config.DedupRetention, nil)); err != nil {
			return err
		}
	}

	pusher := store.NewPushSender(st, pushSendFunc(st, ts.transport, sent), config.PushInterval, config.PushDelay)

	apiOpts = append(apiOpts,
		api.WithRoute("/webhook", receiver),
		api.WithRoute("/webhook/stats", webhook.StatsHandler(st, loc, nil)),
		api.WithWorker("webhook dispatcher", disp.Run),
		api.WithPushSender(pusher),
		api.WithWorker("scheduler", maint.Run),
	)
	apiOpts = append(apiOpts, ts.extra...)
	if src := ts.source; src != nil {
		apiOpts = append(apiOpts, api.WithWorker("event source", func(ctx context.Context) error {
			if err := src.Start(ctx); err != nil {
				return fmt.Errorf("failed to start event source: %w", err)
			}
			defer src.Stop()
			return disp.Consume(ctx, src)
		}))
	}

	server := api.NewServer(st, apiOpts...)
	return server.Run(ctx)
}
