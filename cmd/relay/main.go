// Command relay runs the Telegram chat relay and inspects its audit log.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	anthropicpkg "github.com/stupiduntilnot/sigmoyd/internal/anthropic"
	cmdpkg "github.com/stupiduntilnot/sigmoyd/internal/commander"
	"github.com/stupiduntilnot/sigmoyd/internal/config"
	"github.com/stupiduntilnot/sigmoyd/internal/db"
	"github.com/stupiduntilnot/sigmoyd/internal/dummy"
	"github.com/stupiduntilnot/sigmoyd/internal/logger"
	modelpkg "github.com/stupiduntilnot/sigmoyd/internal/model"
	openaipkg "github.com/stupiduntilnot/sigmoyd/internal/openai"
	"github.com/stupiduntilnot/sigmoyd/internal/poller"
	"github.com/stupiduntilnot/sigmoyd/internal/relay"
	"github.com/stupiduntilnot/sigmoyd/internal/server"
	"github.com/stupiduntilnot/sigmoyd/internal/session"
	"github.com/stupiduntilnot/sigmoyd/internal/telegram"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:           "relay",
		Short:         "Telegram to LLM chat relay",
		Long:          `relay answers Telegram messages that mention the bot or reply to it, keeping a short per-user conversation history.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			loadDotEnv()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, v)
		},
	}

	root.PersistentFlags().String("log-level", "", "Set log level (debug|info|warn|error) [default: info]")
	root.PersistentFlags().String("log-file", "", "Write logs to file instead of stderr")
	mustBind(v, "relay_log_level", root.PersistentFlags().Lookup("log-level"))
	mustBind(v, "relay_log_file", root.PersistentFlags().Lookup("log-file"))

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the relay (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, v)
		},
	})
	root.AddCommand(newEventsCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "relay v%s\n", version)
		},
	})
	return root
}

func mustBind(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		fmt.Fprintf(os.Stderr, "Error binding %s flag: %v\n", flag.Name, err)
		os.Exit(1)
	}
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env: %v\n", err)
	}
}

func runServe(cmd *cobra.Command, v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	l, closer, err := logger.New(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile, Prefix: "relay"})
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var recorder relay.EventRecorder
	if cfg.DBPath != "" {
		database, rec, err := openRecorder(ctx, &cfg)
		if err != nil {
			return err
		}
		defer database.Close()
		recorder = rec
	}

	commander, err := newCommander(&cfg)
	if err != nil {
		return fmt.Errorf("init commander: %w", err)
	}
	provider, err := newModelProvider(&cfg)
	if err != nil {
		return fmt.Errorf("init model provider: %w", err)
	}

	bot, err := resolveBot(ctx, commander, cfg.BotHandle, l)
	if err != nil {
		return err
	}

	store := session.NewStore(cfg.SystemPrompt,
		session.WithExpiry(cfg.SessionExpiry),
		session.WithMaxTurns(cfg.SessionMaxTurns),
	)
	r := relay.New(store, provider, commander,
		relay.WithLogger(l),
		relay.WithRecorder(recorder),
		relay.WithCompletionTimeout(cfg.CompletionTimeout),
		relay.WithBotName(cfg.BotName),
	)
	p := poller.New(commander, r, bot, poller.Config{
		PollTimeout:          cfg.PollTimeout,
		Sleep:                time.Duration(cfg.SleepSeconds) * time.Second,
		DropPending:          cfg.DropPending,
		PendingWindowSeconds: cfg.PendingWindowSeconds,
		PendingMaxMessages:   cfg.PendingMaxMessages,
		MaxConcurrency:       cfg.MaxConcurrency,
	}, poller.WithLogger(l), poller.WithRecorder(recorder))

	opsDone := make(chan error, 1)
	if cfg.OpsAddr != "" {
		go func() {
			opsDone <- server.Serve(ctx, cfg.OpsAddr, server.NewRouter(store, time.Now()), l)
		}()
	} else {
		opsDone <- nil
	}

	l.Info("relay running",
		"bot", bot.Handle,
		"model", cfg.Model,
		"provider", cfg.ModelProvider,
		"source", cfg.Commander,
		"expiry", cfg.SessionExpiry,
	)
	if err := p.Run(ctx); err != nil {
		return err
	}
	stop()
	if err := <-opsDone; err != nil {
		return fmt.Errorf("ops server: %w", err)
	}
	l.Info("relay stopped")
	return nil
}

func openRecorder(ctx context.Context, cfg *config.RelayConfig) (*sql.DB, *db.Recorder, error) {
	database, err := db.OpenDB(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	if err := db.InitSchema(database); err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("failed to init schema: %w", err)
	}
	rootID, err := db.LogEvent(ctx, database, nil, db.EventProcessStarted, map[string]any{
		"role":     "relay",
		"pid":      os.Getpid(),
		"provider": cfg.ModelProvider,
		"model":    cfg.Model,
		"source":   cfg.Commander,
	})
	if err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("failed to log process.started: %w", err)
	}
	return database, &db.Recorder{DB: database, RootID: &rootID}, nil
}

// resolveBot asks the platform who the bot is. A configured handle overrides
// the platform username and lets startup continue when getMe fails.
func resolveBot(ctx context.Context, commander cmdpkg.Commander, handle string, l *log.Logger) (relay.BotIdentity, error) {
	me, err := commander.GetMe(ctx)
	if err != nil {
		if handle == "" {
			return relay.BotIdentity{}, fmt.Errorf("resolve bot identity: %w", err)
		}
		l.Warn("getMe failed, using configured handle", "handle", handle, "error", err)
		return relay.BotIdentity{Handle: handle}, nil
	}
	bot := relay.BotIdentityFrom(me)
	if handle != "" {
		bot.Handle = handle
	}
	return bot, nil
}

func newCommander(cfg *config.RelayConfig) (cmdpkg.Commander, error) {
	switch cfg.Commander {
	case config.CommanderTelegram:
		return telegram.NewClient(telegram.APIBase(cfg.TelegramToken), time.Duration(cfg.PollTimeout+20)*time.Second), nil
	case config.CommanderDummy:
		return dummy.NewCommander(cfg.BotHandle, cfg.DummyCommanderScript, cfg.DummySendScript)
	default:
		return nil, fmt.Errorf("unsupported commander: %s", cfg.Commander)
	}
}

func newModelProvider(cfg *config.RelayConfig) (modelpkg.Provider, error) {
	switch cfg.ModelProvider {
	case config.ProviderGroq:
		baseURL := cfg.CompletionBaseURL
		if baseURL == "" {
			baseURL = openaipkg.GroqBaseURL
		}
		return openaipkg.NewClient(cfg.APIKey, baseURL, cfg.Model, cfg.MaxTokens, cfg.CompletionTimeout), nil
	case config.ProviderOpenAI:
		return openaipkg.NewClient(cfg.APIKey, cfg.CompletionBaseURL, cfg.Model, cfg.MaxTokens, cfg.CompletionTimeout), nil
	case config.ProviderAnthropic:
		return anthropicpkg.NewClient(cfg.APIKey, cfg.CompletionBaseURL, cfg.Model, cfg.MaxTokens, cfg.CompletionTimeout), nil
	case config.ProviderDummy:
		return dummy.NewProvider(cfg.Model, cfg.DummyProviderScript)
	default:
		return nil, fmt.Errorf("unsupported model provider: %s", cfg.ModelProvider)
	}
}
