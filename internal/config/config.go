// Package config loads the relay configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrMissingCredential is returned when a required token or API key is unset.
var ErrMissingCredential = errors.New("missing credential")

const (
	ProviderGroq      = "groq"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderDummy     = "dummy"

	CommanderTelegram = "telegram"
	CommanderDummy    = "dummy"
)

// DefaultSystemPrompt is the persona prepended to every completion request.
const DefaultSystemPrompt = "You are Sigmoydbot, a helpful and conversational AI assistant. \n" +
	"You have a friendly personality and maintain context through conversations.\n" +
	"You provide concise but thoughtful responses and can discuss a wide range of topics.\n" +
	"You should remember information shared by users during the conversation and give short replies talk like a person."

var defaultModels = map[string]string{
	ProviderGroq:      "llama3-8b-8192",
	ProviderOpenAI:    "gpt-4o-mini",
	ProviderAnthropic: "claude-3-5-haiku-latest",
	ProviderDummy:     "dummy",
}

var apiKeyVars = map[string]string{
	ProviderGroq:      "GROQ_API_KEY",
	ProviderOpenAI:    "OPENAI_API_KEY",
	ProviderAnthropic: "ANTHROPIC_API_KEY",
}

// RelayConfig holds configuration for the relay process.
type RelayConfig struct {
	TelegramToken string
	Commander     string

	ModelProvider     string
	APIKey            string
	Model             string
	CompletionBaseURL string
	MaxTokens         int
	CompletionTimeout time.Duration

	SessionExpiry   time.Duration
	SessionMaxTurns int
	SystemPrompt    string
	BotName         string
	BotHandle       string

	PollTimeout          int
	SleepSeconds         int
	DropPending          bool
	PendingWindowSeconds int64
	PendingMaxMessages   int
	MaxConcurrency       int

	DBPath  string
	OpsAddr string

	DummyProviderScript  string
	DummyCommanderScript string
	DummySendScript      string

	LogLevel string
	LogFile  string
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("relay_commander", CommanderTelegram)
	v.SetDefault("relay_model_provider", ProviderGroq)
	v.SetDefault("relay_max_tokens", 500)
	v.SetDefault("relay_completion_timeout_seconds", 60)
	v.SetDefault("relay_session_expiry_seconds", 3600)
	v.SetDefault("relay_session_max_turns", 0)
	v.SetDefault("relay_system_prompt", DefaultSystemPrompt)
	v.SetDefault("relay_bot_name", "Sigmoydbot")
	v.SetDefault("tg_poll_timeout", 30)
	v.SetDefault("tg_sleep_seconds", 1)
	v.SetDefault("tg_drop_pending", true)
	v.SetDefault("tg_pending_window_seconds", 600)
	v.SetDefault("tg_pending_max_messages", 50)
	v.SetDefault("relay_max_concurrency", 16)
	v.SetDefault("relay_db_path", "./relay.db")
	v.SetDefault("relay_dummy_provider_script", "ok")
	v.SetDefault("relay_dummy_commander_script", "ok")
	v.SetDefault("relay_dummy_send_script", "ok")
	v.SetDefault("relay_log_level", "info")
}

// Load reads the relay configuration. v may carry bound CLI flags; nil uses a
// fresh instance. Environment variables win over defaults.
func Load(v *viper.Viper) (RelayConfig, error) {
	if v == nil {
		v = viper.New()
	}
	v.AutomaticEnv()
	SetDefaults(v)

	commander := strings.ToLower(strings.TrimSpace(v.GetString("relay_commander")))
	provider := strings.ToLower(strings.TrimSpace(v.GetString("relay_model_provider")))

	switch commander {
	case CommanderTelegram, CommanderDummy:
	default:
		return RelayConfig{}, fmt.Errorf("RELAY_COMMANDER must be telegram or dummy, got %q", commander)
	}
	if _, ok := defaultModels[provider]; !ok {
		return RelayConfig{}, fmt.Errorf("RELAY_MODEL_PROVIDER must be groq, openai, anthropic or dummy, got %q", provider)
	}

	token := v.GetString("telegram_token")
	if commander == CommanderTelegram && token == "" {
		return RelayConfig{}, fmt.Errorf("%w: TELEGRAM_TOKEN is required when RELAY_COMMANDER=telegram", ErrMissingCredential)
	}

	var apiKey string
	if keyVar, ok := apiKeyVars[provider]; ok {
		apiKey = v.GetString(strings.ToLower(keyVar))
		if apiKey == "" {
			return RelayConfig{}, fmt.Errorf("%w: %s is required when RELAY_MODEL_PROVIDER=%s", ErrMissingCredential, keyVar, provider)
		}
	}

	model := v.GetString("relay_model")
	if model == "" {
		model = defaultModels[provider]
	}

	cfg := RelayConfig{
		TelegramToken:        token,
		Commander:            commander,
		ModelProvider:        provider,
		APIKey:               apiKey,
		Model:                model,
		CompletionBaseURL:    v.GetString("relay_completion_base_url"),
		MaxTokens:            v.GetInt("relay_max_tokens"),
		CompletionTimeout:    time.Duration(v.GetInt("relay_completion_timeout_seconds")) * time.Second,
		SessionExpiry:        time.Duration(v.GetInt("relay_session_expiry_seconds")) * time.Second,
		SessionMaxTurns:      v.GetInt("relay_session_max_turns"),
		SystemPrompt:         v.GetString("relay_system_prompt"),
		BotName:              v.GetString("relay_bot_name"),
		BotHandle:            strings.TrimPrefix(strings.TrimSpace(v.GetString("relay_bot_handle")), "@"),
		PollTimeout:          v.GetInt("tg_poll_timeout"),
		SleepSeconds:         v.GetInt("tg_sleep_seconds"),
		DropPending:          v.GetBool("tg_drop_pending"),
		PendingWindowSeconds: v.GetInt64("tg_pending_window_seconds"),
		PendingMaxMessages:   v.GetInt("tg_pending_max_messages"),
		MaxConcurrency:       v.GetInt("relay_max_concurrency"),
		DBPath:               v.GetString("relay_db_path"),
		OpsAddr:              v.GetString("relay_ops_addr"),
		DummyProviderScript:  v.GetString("relay_dummy_provider_script"),
		DummyCommanderScript: v.GetString("relay_dummy_commander_script"),
		DummySendScript:      v.GetString("relay_dummy_send_script"),
		LogLevel:             v.GetString("relay_log_level"),
		LogFile:              v.GetString("relay_log_file"),
	}
	if err := cfg.validate(); err != nil {
		return RelayConfig{}, err
	}
	return cfg, nil
}

func (c RelayConfig) validate() error {
	if c.MaxTokens <= 0 {
		return fmt.Errorf("RELAY_MAX_TOKENS must be > 0")
	}
	if c.CompletionTimeout <= 0 {
		return fmt.Errorf("RELAY_COMPLETION_TIMEOUT_SECONDS must be > 0")
	}
	if c.SessionExpiry <= 0 {
		return fmt.Errorf("RELAY_SESSION_EXPIRY_SECONDS must be > 0")
	}
	if c.SessionMaxTurns < 0 {
		return fmt.Errorf("RELAY_SESSION_MAX_TURNS must be >= 0")
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("RELAY_MAX_CONCURRENCY must be > 0")
	}
	if c.PollTimeout < 0 {
		return fmt.Errorf("TG_POLL_TIMEOUT must be >= 0")
	}
	return nil
}
