// Command pitchpipe runs the guided pitch-building assistant.
//
// By default it serves the HTTP API and, when configured, a WhatsApp channel
// (Twilio or whatsmeow). With -chat it runs one conversation in the terminal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/DreamOne11/FounderBuddy-sub001/internal/api"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/export"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/flow"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/genai"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/lockfile"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/messaging"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/models"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/registry"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/scheduler"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/store"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/twiliowhatsapp"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/util"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for PitchPipe state data
	DefaultStateDir = "/var/lib/pitchpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "pitchpipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// MemoryDSN selects the in-memory store.
	MemoryDSN = "memory"
	// DefaultOutboxPollInterval is how often queued channel replies are sent.
	DefaultOutboxPollInterval = time.Second
)

// Delivery channels selectable with -channel.
const (
	ChannelNone     = "none"
	ChannelTwilio   = "twilio"
	ChannelWhatsApp = "whatsapp"
)

func main() {
	config := loadEnvironmentConfig()
	flags, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	initializeLogger(*flags.debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flags); err != nil {
		slog.Error("PitchPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("PitchPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir          string
	DatabaseURL       string
	WhatsAppDSN       string
	OpenAIKey         string
	OpenAIModel       string
	OpenAIBaseURL     string
	OpenAITemperature float64
	OpenAIMaxTokens   int
	APIAddr           string
	Variant           string
	PromptsDir        string
	ExportDir         string
	Channel           string
	TwilioWebhookURL  string
	PolishExport      bool
	Debug             bool
	MaxResponderCalls int
	RetentionSchedule string
	RetentionDays     int
}

// Flags holds command line flag values
type Flags struct {
	stateDir          *string
	dbDSN             *string
	whatsAppDSN       *string
	openaiKey         *string
	openaiModel       *string
	openaiBaseURL     *string
	openaiTemperature *float64
	openaiMaxTokens   *int
	apiAddr           *string
	variant           *string
	promptsDir        *string
	exportDir         *string
	channel           *string
	twilioWebhookURL  *string
	polishExport      *bool
	debug             *bool
	maxResponderCalls *int
	retentionSchedule *string
	retentionDays     *int
	qrOutput          *string
	numeric           *bool
	chat              *bool
	chatUser          *string
	chatThread        *string
}

// initializeLogger sets up structured logging on stdout.
func initializeLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:          util.GetEnvOrDefault("PITCHPIPE_STATE_DIR", DefaultStateDir),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		WhatsAppDSN:       os.Getenv("WHATSAPP_DB_DSN"),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:       util.GetEnvOrDefault("OPENAI_MODEL", genai.DefaultModel),
		OpenAIBaseURL:     os.Getenv("OPENAI_BASE_URL"),
		OpenAITemperature: util.ParseFloatEnv("OPENAI_TEMPERATURE", genai.DefaultTemperature),
		OpenAIMaxTokens:   util.ParseIntEnv("OPENAI_MAX_COMPLETION_TOKENS", genai.DefaultMaxCompletionTokens),
		APIAddr:           util.GetEnvOrDefault("API_ADDR", api.DefaultAddr),
		Variant:           util.GetEnvOrDefault("PITCHPIPE_VARIANT", registry.DefaultVariant),
		PromptsDir:        os.Getenv("PITCHPIPE_PROMPTS_DIR"),
		ExportDir:         os.Getenv("PITCHPIPE_EXPORT_DIR"),
		Channel:           util.GetEnvOrDefault("PITCHPIPE_CHANNEL", ChannelNone),
		TwilioWebhookURL:  os.Getenv("TWILIO_WEBHOOK_URL"),
		PolishExport:      util.ParseBoolEnv("PITCHPIPE_POLISH_EXPORT", false),
		Debug:             util.ParseBoolEnv("PITCHPIPE_DEBUG", false),
		MaxResponderCalls: util.ParseIntEnv("PITCHPIPE_MAX_RESPONDER_CALLS", flow.DefaultMaxResponderCalls),
		RetentionSchedule: util.GetEnvOrDefault("PITCHPIPE_RETENTION_SCHEDULE", scheduler.DefaultRetentionSchedule),
		RetentionDays:     util.ParseIntEnv("PITCHPIPE_RETENTION_DAYS", int(scheduler.DefaultRetention/(24*time.Hour))),
	}

	slog.Debug("environment variables loaded",
		"PITCHPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"OPENAI_TEMPERATURE", config.OpenAITemperature,
		"OPENAI_MAX_COMPLETION_TOKENS", config.OpenAIMaxTokens,
		"API_ADDR", config.APIAddr,
		"PITCHPIPE_VARIANT", config.Variant,
		"PITCHPIPE_CHANNEL", config.Channel)
	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults.
// DSNs left empty are derived from the final state directory.
func parseCommandLineFlags(config Config, args []string) (Flags, error) {
	fs := flag.NewFlagSet("pitchpipe", flag.ContinueOnError)
	flags := Flags{
		stateDir:          fs.String("state-dir", config.StateDir, "state directory for PitchPipe data (overrides $PITCHPIPE_STATE_DIR)"),
		dbDSN:             fs.String("db-dsn", config.DatabaseURL, "conversation database DSN, a SQLite path, a Postgres DSN or \"memory\" (overrides $DATABASE_URL)"),
		whatsAppDSN:       fs.String("whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow device database DSN (overrides $WHATSAPP_DB_DSN)"),
		openaiKey:         fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:       fs.String("openai-model", config.OpenAIModel, "OpenAI model (overrides $OPENAI_MODEL)"),
		openaiBaseURL:     fs.String("openai-base-url", config.OpenAIBaseURL, "OpenAI-compatible base URL (overrides $OPENAI_BASE_URL)"),
		openaiTemperature: fs.Float64("openai-temperature", config.OpenAITemperature, "sampling temperature (overrides $OPENAI_TEMPERATURE)"),
		openaiMaxTokens:   fs.Int("openai-max-tokens", config.OpenAIMaxTokens, "completion token limit per call (overrides $OPENAI_MAX_COMPLETION_TOKENS)"),
		apiAddr:           fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		variant:           fs.String("variant", config.Variant, "default workflow variant (overrides $PITCHPIPE_VARIANT)"),
		promptsDir:        fs.String("prompts-dir", config.PromptsDir, "directory of <variant>/<section>.txt prompt overrides (overrides $PITCHPIPE_PROMPTS_DIR)"),
		exportDir:         fs.String("export-dir", config.ExportDir, "directory for exported documents (overrides $PITCHPIPE_EXPORT_DIR)"),
		channel:           fs.String("channel", config.Channel, "delivery channel: none, twilio or whatsapp (overrides $PITCHPIPE_CHANNEL)"),
		twilioWebhookURL:  fs.String("twilio-webhook-url", config.TwilioWebhookURL, "public Twilio webhook URL used for signature checks (overrides $TWILIO_WEBHOOK_URL)"),
		polishExport:      fs.Bool("polish-export", config.PolishExport, "have the model polish the exported document (overrides $PITCHPIPE_POLISH_EXPORT)"),
		debug:             fs.Bool("debug", config.Debug, "enable debug logging and GenAI call records (overrides $PITCHPIPE_DEBUG)"),
		maxResponderCalls: fs.Int("max-responder-calls", config.MaxResponderCalls, "responder calls allowed per turn (overrides $PITCHPIPE_MAX_RESPONDER_CALLS)"),
		retentionSchedule: fs.String("retention-schedule", config.RetentionSchedule, "cron schedule for pruning dedup and outbox rows (overrides $PITCHPIPE_RETENTION_SCHEDULE)"),
		retentionDays:     fs.Int("retention-days", config.RetentionDays, "days of dedup and outbox rows to keep (overrides $PITCHPIPE_RETENTION_DAYS)"),
		qrOutput:          fs.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:           fs.Bool("numeric-code", false, "print the WhatsApp pairing code instead of a QR code"),
		chat:              fs.Bool("chat", false, "run one conversation in the terminal instead of serving"),
		chatUser:          fs.String("chat-user", "founder", "user id for -chat"),
		chatThread:        fs.String("chat-thread", "terminal", "thread id for -chat"),
	}
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	if *flags.dbDSN == "" {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
	}
	if *flags.whatsAppDSN == "" {
		*flags.whatsAppDSN = "file:" + filepath.Join(*flags.stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	if *flags.exportDir == "" {
		*flags.exportDir = filepath.Join(*flags.stateDir, "exports")
	}
	*flags.channel = strings.ToLower(strings.TrimSpace(*flags.channel))

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_type", dsnType(*flags.dbDSN),
		"apiAddr", *flags.apiAddr,
		"variant", *flags.variant,
		"channel", *flags.channel,
		"chat", *flags.chat)
	return flags, nil
}

func dsnType(dsn string) string {
	if dsn == MemoryDSN {
		return MemoryDSN
	}
	return store.DetectDSNType(dsn)
}

// run wires the components and blocks until ctx is cancelled or the chat ends.
func run(ctx context.Context, flags Flags) error {
	if dsnType(*flags.dbDSN) == "sqlite3" {
		lock, err := lockfile.Acquire(*flags.stateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := openStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	gaClient, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to create GenAI client: %w", err)
	}

	wf, err := flow.NewWorkflow(
		flow.NewGenAIResponder(gaClient),
		buildExporter(flags, gaClient),
		flow.NewStoreBasedStateManager(st),
		buildWorkflowOptions(flags)...,
	)
	if err != nil {
		return err
	}

	if *flags.chat {
		return runChat(ctx, wf, flags)
	}
	return serve(ctx, wf, st, flags)
}

// openStore selects the store implementation from the DSN.
func openStore(flags Flags) (store.Store, error) {
	switch dsnType(*flags.dbDSN) {
	case MemoryDSN:
		slog.Info("Using in-memory store; conversations are lost on exit")
		return store.NewInMemoryStore(), nil
	case "postgres":
		return store.NewPostgresStore(buildStoreOptions(flags)...)
	default:
		return store.NewSQLiteStore(buildStoreOptions(flags)...)
	}
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
		return []store.Option{store.WithPostgresDSN(*flags.dbDSN)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return []store.Option{store.WithSQLiteDSN(*flags.dbDSN)}
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	opts := []genai.Option{
		genai.WithAPIKey(*flags.openaiKey),
		genai.WithModel(*flags.openaiModel),
		genai.WithTemperature(*flags.openaiTemperature),
		genai.WithMaxCompletionTokens(int64(*flags.openaiMaxTokens)),
		genai.WithDebugMode(*flags.debug),
		genai.WithStateDir(*flags.stateDir),
	}
	if *flags.openaiBaseURL != "" {
		opts = append(opts, genai.WithBaseURL(*flags.openaiBaseURL))
	}
	return opts
}

// buildExporter picks the Markdown exporter, optionally polished by the model.
func buildExporter(flags Flags, client genai.ClientInterface) flow.Exporter {
	opts := []export.Option{export.WithOutputDir(*flags.exportDir)}
	if *flags.polishExport {
		return export.NewGenAIExporter(client, opts...)
	}
	return export.NewMarkdownExporter(opts...)
}

// buildWorkflowOptions constructs workflow configuration options
func buildWorkflowOptions(flags Flags) []flow.WorkflowOption {
	opts := []flow.WorkflowOption{
		flow.WithDefaultVariant(*flags.variant),
		flow.WithMaxResponderCalls(*flags.maxResponderCalls),
	}
	if *flags.promptsDir != "" {
		opts = append(opts, flow.WithPrompts(*flags.promptsDir))
	}
	return opts
}

// buildChannel creates the configured delivery channel and its cleanup.
// ChannelNone yields a nil service.
func buildChannel(ctx context.Context, flags Flags) (messaging.Service, func(), error) {
	switch *flags.channel {
	case ChannelNone, "":
		return nil, func() {}, nil
	case ChannelTwilio:
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		var opts []messaging.TwilioOption
		if *flags.twilioWebhookURL != "" {
			opts = append(opts, messaging.WithWebhookURL(*flags.twilioWebhookURL))
		}
		return messaging.NewTwilioService(client, opts...), func() {}, nil
	case ChannelWhatsApp:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), client.Disconnect, nil
	default:
		return nil, nil, fmt.Errorf("unknown channel %q (want none, twilio or whatsapp)", *flags.channel)
	}
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	waOpts := []whatsapp.Option{whatsapp.WithDBDSN(*flags.whatsAppDSN)}
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	return waOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags, svc messaging.Service, locks *util.KeyedMutex) []api.Option {
	opts := []api.Option{
		api.WithAddr(*flags.apiAddr),
		api.WithConversationLocks(locks),
	}
	if tw, ok := svc.(*messaging.TwilioService); ok {
		opts = append(opts, api.WithTwilioWebhook(tw.WebhookHandler))
	}
	return opts
}

// serve runs the API and the delivery channel until ctx is cancelled.
func serve(ctx context.Context, wf *flow.Workflow, st store.Store, flags Flags) error {
	svc, closeChannel, err := buildChannel(ctx, flags)
	if err != nil {
		return err
	}
	defer closeChannel()

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	retention := scheduler.NewRetentionJob(time.Duration(*flags.retentionDays)*24*time.Hour, buildRetentionTargets(st))
	if err := retention.Schedule(sched, *flags.retentionSchedule); err != nil {
		return err
	}

	locks := util.NewKeyedMutex()
	if svc != nil {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s channel: %w", *flags.channel, err)
		}
		defer svc.Stop()

		inboundOpts := []messaging.InboundOption{messaging.WithConversationLocks(locks)}
		if dedup, ok := st.(store.DedupRepo); ok {
			inboundOpts = append(inboundOpts, messaging.WithDedup(dedup))
		}
		if outbox, ok := st.(store.OutboxRepo); ok {
			inboundOpts = append(inboundOpts, messaging.WithOutbox(outbox))
			sender := store.NewOutboxSender(outbox, messaging.OutboxSendFunc(svc), DefaultOutboxPollInterval)
			if err := sender.RecoverStaleMessages(); err != nil {
				slog.Warn("Outbox recovery failed", "error", err)
			}
			go sender.Run(ctx)
		}
		handler := messaging.NewInboundHandler(svc, wf, inboundOpts...)
		go func() {
			if err := handler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Inbound handler stopped", "error", err)
			}
		}()
		slog.Info("Delivery channel started", "channel", *flags.channel)
	}

	return api.NewServer(wf, buildAPIOptions(flags, svc, locks)...).Run(ctx)
}

// buildRetentionTargets lists the prunable tables st supports.
func buildRetentionTargets(st store.Store) map[string]scheduler.PruneFunc {
	targets := make(map[string]scheduler.PruneFunc)
	if dedup, ok := st.(store.DedupRepo); ok {
		targets["inbound_dedup"] = dedup.PruneInbound
	}
	if outbox, ok := st.(store.OutboxRepo); ok {
		targets["outbox"] = outbox.PruneOutbox
	}
	return targets
}

// runChat drives one conversation from the terminal.
func runChat(ctx context.Context, wf *flow.Workflow, flags Flags) error {
	console := messaging.NewConsoleService(os.Stdin, os.Stdout, *flags.chatUser)

	result, err := wf.Start(ctx, *flags.chatUser, *flags.chatThread, *flags.variant)
	if err != nil {
		return err
	}
	greeting := lastAssistantMessage(result)
	if greeting == "" {
		greeting = "Welcome back. Type your answer to continue."
	}
	if err := console.SendMessage(ctx, *flags.chatUser, greeting); err != nil {
		return err
	}

	if err := console.Start(ctx); err != nil {
		return err
	}
	handler := messaging.NewInboundHandler(console, wf, messaging.WithThreadID(*flags.chatThread))
	if err := handler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// lastAssistantMessage returns the newest assistant message of a turn, or the
// last stored one when the turn produced nothing new.
func lastAssistantMessage(result *flow.TurnResult) string {
	messages := result.NewMessages
	if len(messages) == 0 && result.State != nil {
		messages = result.State.Messages
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleAssistant {
			return messages[i].Content
		}
	}
	return ""
}
