// Package relay decides which chat messages are addressed to the bot and turns
// them into completion requests over the sender's session history.
package relay

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	cmdpkg "github.com/stupiduntilnot/sigmoyd/internal/commander"
	"github.com/stupiduntilnot/sigmoyd/internal/db"
	"github.com/stupiduntilnot/sigmoyd/internal/logger"
	"github.com/stupiduntilnot/sigmoyd/internal/model"
	"github.com/stupiduntilnot/sigmoyd/internal/prompt"
	"github.com/stupiduntilnot/sigmoyd/internal/session"
)

// DefaultCompletionTimeout bounds a single completion call.
const DefaultCompletionTimeout = 60 * time.Second

// Sender delivers replies to the chat platform.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string, replyTo int64) error
}

// EventRecorder stores audit events. A nil parentID attaches the event to the
// recorder's root.
type EventRecorder interface {
	Record(ctx context.Context, parentID *int64, eventType string, payload map[string]any) (int64, error)
}

// BotIdentity is the bot account messages are matched against. Handle is the
// platform username without the leading '@'.
type BotIdentity struct {
	ID     int64
	Handle string
}

// BotIdentityFrom converts a platform user into a BotIdentity.
func BotIdentityFrom(u cmdpkg.User) BotIdentity {
	return BotIdentity{ID: u.ID, Handle: strings.TrimPrefix(u.Username, "@")}
}

// Relay answers addressed messages using the per-user session store.
type Relay struct {
	store    *session.Store
	provider model.Provider
	sender   Sender
	recorder EventRecorder
	log      *log.Logger

	botName           string
	completionTimeout time.Duration
	newRequestID      func() string
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger. Nil discards.
func WithLogger(l *log.Logger) Option {
	return func(r *Relay) { r.log = logger.OrDiscard(l) }
}

// WithRecorder records audit events for every handled message.
func WithRecorder(rec EventRecorder) Option {
	return func(r *Relay) { r.recorder = rec }
}

// WithCompletionTimeout bounds each completion call. Non-positive values are ignored.
func WithCompletionTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.completionTimeout = d
		}
	}
}

// WithBotName sets the name used in the /start greeting.
func WithBotName(name string) Option {
	return func(r *Relay) {
		if name != "" {
			r.botName = name
		}
	}
}

// WithRequestIDs replaces the request id generator.
func WithRequestIDs(gen func() string) Option {
	return func(r *Relay) {
		if gen != nil {
			r.newRequestID = gen
		}
	}
}

// New creates a relay over an existing store.
func New(store *session.Store, provider model.Provider, sender Sender, opts ...Option) *Relay {
	r := &Relay{
		store:             store,
		provider:          provider,
		sender:            sender,
		log:               logger.Discard(),
		botName:           "Sigmoydbot",
		completionTimeout: DefaultCompletionTimeout,
		newRequestID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func mentionPattern(handle string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(handle))
}

func mentions(text, handle string) bool {
	if handle == "" {
		return false
	}
	return mentionPattern(handle).MatchString(text)
}

func repliesToBot(msg *cmdpkg.Message, bot BotIdentity) bool {
	if msg.ReplyTo == nil || msg.ReplyTo.From == nil {
		return false
	}
	author := msg.ReplyTo.From
	if bot.ID != 0 && author.ID == bot.ID {
		return true
	}
	return bot.Handle != "" && strings.EqualFold(author.Username, bot.Handle)
}

// ShouldRespond reports whether msg mentions the bot's handle (case-insensitive)
// or replies to a message the bot sent.
func ShouldRespond(msg *cmdpkg.Message, bot BotIdentity) bool {
	if msg == nil {
		return false
	}
	return mentions(msg.TextOrEmpty(), bot.Handle) || repliesToBot(msg, bot)
}

// ExtractQuery strips the first mention of the bot and surrounding whitespace.
// Text without a mention is returned unchanged.
func ExtractQuery(msg *cmdpkg.Message, bot BotIdentity) string {
	text := msg.TextOrEmpty()
	if bot.Handle == "" {
		return text
	}
	loc := mentionPattern(bot.Handle).FindStringIndex(text)
	if loc == nil {
		return text
	}
	return strings.TrimSpace(text[:loc[0]] + text[loc[1]:])
}

// Dispatch routes one platform update: /start (optionally /start@handle) goes
// to Start, other commands are ignored and plain text goes to HandleMessage.
func (r *Relay) Dispatch(ctx context.Context, update cmdpkg.Update, bot BotIdentity) {
	msg := update.Message
	if msg == nil || msg.TextOrEmpty() == "" || msg.From == nil {
		return
	}
	text := msg.TextOrEmpty()
	if !strings.HasPrefix(text, "/") {
		r.HandleMessage(ctx, msg, bot)
		return
	}
	name, target, _ := strings.Cut(strings.Fields(text)[0], "@")
	if name == "/start" && (target == "" || strings.EqualFold(target, bot.Handle)) {
		r.Start(ctx, msg, bot)
		return
	}
	r.log.Debug("ignoring command", "command", name, "chat_id", msg.Chat.ID)
}

// HandleMessage answers msg if it is addressed to the bot. The user turn is
// stored before the completion call and is kept even when the call fails; the
// assistant turn is stored only on success.
func (r *Relay) HandleMessage(ctx context.Context, msg *cmdpkg.Message, bot BotIdentity) {
	if msg == nil || msg.From == nil || !ShouldRespond(msg, bot) {
		return
	}
	userID := msg.From.ID
	chatID := msg.Chat.ID
	requestID := r.newRequestID()
	l := r.log.With("request_id", requestID, "user_id", userID, "chat_id", chatID)

	query := ExtractQuery(msg, bot)
	eventID := r.record(ctx, nil, db.EventMessageAddressed, map[string]any{
		"request_id": requestID,
		"user_id":    userID,
		"chat_id":    chatID,
		"message_id": msg.MessageID,
		"query":      truncate(query, 1000),
	})
	l.Info("message addressed", "query_len", len(query))

	r.store.Append(userID, prompt.RoleUser, query)
	messages := r.store.SnapshotPrompt(userID)

	started := time.Now()
	reply, resp, err := r.complete(ctx, messages)
	latency := time.Since(started)
	if err != nil {
		l.Error("completion failed", "error", err, "latency", latency)
		r.record(ctx, eventID, db.EventCompletionFailed, map[string]any{
			"request_id": requestID,
			"error":      truncate(err.Error(), 1000),
			"latency_ms": latency.Milliseconds(),
		})
		r.send(ctx, l, eventID, requestID, chatID, msg.MessageID, fmt.Sprintf("Sorry, I encountered an error: %s", err))
		return
	}

	r.store.Append(userID, prompt.RoleAssistant, reply)
	l.Info("completion completed", "latency", latency, "input_tokens", resp.InputTokens, "output_tokens", resp.OutputTokens)
	r.record(ctx, eventID, db.EventCompletionCompleted, map[string]any{
		"request_id":    requestID,
		"messages":      len(messages),
		"input_tokens":  resp.InputTokens,
		"output_tokens": resp.OutputTokens,
		"latency_ms":    latency.Milliseconds(),
	})
	r.send(ctx, l, eventID, requestID, chatID, msg.MessageID, reply)
}

func (r *Relay) complete(ctx context.Context, messages []prompt.Message) (string, model.CompletionResponse, error) {
	cctx, cancel := context.WithTimeout(ctx, r.completionTimeout)
	defer cancel()

	resp, err := r.provider.ChatCompletion(cctx, messages)
	if err != nil {
		return "", resp, err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", resp, model.ErrEmptyResponse
	}
	return resp.Content, resp, nil
}

// Start clears the sender's history and sends the greeting.
func (r *Relay) Start(ctx context.Context, msg *cmdpkg.Message, bot BotIdentity) {
	if msg == nil || msg.From == nil {
		return
	}
	userID := msg.From.ID
	requestID := r.newRequestID()
	l := r.log.With("request_id", requestID, "user_id", userID, "chat_id", msg.Chat.ID)

	r.store.Reset(userID)
	l.Info("session reset")
	eventID := r.record(ctx, nil, db.EventSessionReset, map[string]any{
		"request_id": requestID,
		"user_id":    userID,
		"chat_id":    msg.Chat.ID,
	})
	r.send(ctx, l, eventID, requestID, msg.Chat.ID, msg.MessageID, r.Greeting(bot.Handle))
}

// Greeting is the /start reply. An empty handle falls back to the bot name.
func (r *Relay) Greeting(handle string) string {
	if handle == "" {
		handle = r.botName
	}
	return fmt.Sprintf("Hi! I'm %s. Tag me with @%s or reply to my messages to have a conversation! I'll remember what we talk about.", r.botName, handle)
}

func (r *Relay) send(ctx context.Context, l *log.Logger, parentID *int64, requestID string, chatID, replyTo int64, text string) {
	if err := r.sender.SendMessage(ctx, chatID, text, replyTo); err != nil {
		l.Error("reply failed", "error", err)
		r.record(ctx, parentID, db.EventReplyFailed, map[string]any{
			"request_id": requestID,
			"error":      truncate(err.Error(), 1000),
		})
		return
	}
	r.record(ctx, parentID, db.EventReplySent, map[string]any{
		"request_id": requestID,
		"chars":      len([]rune(text)),
	})
}

// record stores an event and returns its id, or nil when recording is off or
// failed. Failures are only logged.
func (r *Relay) record(ctx context.Context, parentID *int64, eventType string, payload map[string]any) *int64 {
	if r.recorder == nil {
		return nil
	}
	id, err := r.recorder.Record(ctx, parentID, eventType, payload)
	if err != nil {
		r.log.Warn("failed to record event", "event_type", eventType, "error", err)
		return nil
	}
	return &id
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars]) + "..."
}
