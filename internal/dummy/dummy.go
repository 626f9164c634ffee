// Package dummy provides scripted Commander and Provider implementations for
// offline runs and tests.
//
// A script is a comma-separated list of actions consumed one per call; the last
// action repeats once the list is exhausted. Supported actions:
//
//	ok            empty poll / successful send / "dummy-ok" completion
//	err:<class>   fail with the given error class
//	sleep:<ms>    block for ms milliseconds (or until ctx is done)
//	msg:<text>    deliver text (poll) or answer with text (completion)
//	msgb64:<b64>  like msg with base64-encoded text
//	reply:<text>  poll only: deliver text as a reply to a bot message
package dummy

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	cmdpkg "github.com/stupiduntilnot/sigmoyd/internal/commander"
	modelpkg "github.com/stupiduntilnot/sigmoyd/internal/model"
	"github.com/stupiduntilnot/sigmoyd/internal/prompt"
)

// Identity used by the dummy commander for GetMe and for its synthetic users.
const (
	BotID   int64 = 1000
	UserID  int64 = 42
	ChatID  int64 = 1
	botName       = "dummy_bot"
)

type action struct {
	kind string
	arg  string
}

var actionKinds = []string{"err", "sleep", "msg", "msgb64", "reply"}

func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return []action{{kind: "ok"}}, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
next:
	for _, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		if token == "ok" {
			actions = append(actions, action{kind: "ok"})
			continue
		}
		for _, kind := range actionKinds {
			if strings.HasPrefix(token, kind+":") {
				actions = append(actions, action{kind: kind, arg: strings.TrimPrefix(token, kind+":")})
				continue next
			}
		}
		return nil, fmt.Errorf("invalid dummy action: %s", token)
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: "ok"})
	}
	return actions, nil
}

type scriptRunner struct {
	actions []action
	index   int
}

func newRunner(script string) (*scriptRunner, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &scriptRunner{actions: actions}, nil
}

func (r *scriptRunner) next() action {
	if len(r.actions) == 0 {
		return action{kind: "ok"}
	}
	if r.index >= len(r.actions) {
		return r.actions[len(r.actions)-1]
	}
	a := r.actions[r.index]
	r.index++
	return a
}

func sleep(ctx context.Context, arg string) error {
	ms, _ := strconv.Atoi(arg)
	if ms <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SentMessage is a message the dummy commander was asked to send.
type SentMessage struct {
	ChatID  int64
	Text    string
	ReplyTo int64
}

// Commander is a scripted chat platform.
type Commander struct {
	mu        sync.Mutex
	handle    string
	poll      *scriptRunner
	send      *scriptRunner
	updateID  int64
	messageID int64
	sent      []SentMessage
}

var _ cmdpkg.Commander = (*Commander)(nil)

// NewCommander creates a commander driven by a poll and a send script. The bot
// reports handle from GetMe; an empty handle defaults to dummy_bot.
func NewCommander(handle, pollScript, sendScript string) (*Commander, error) {
	poll, err := newRunner(pollScript)
	if err != nil {
		return nil, err
	}
	send, err := newRunner(sendScript)
	if err != nil {
		return nil, err
	}
	return &Commander{handle: emptyAs(handle, botName), poll: poll, send: send, updateID: 1}, nil
}

func (c *Commander) GetMe(ctx context.Context) (cmdpkg.User, error) {
	return cmdpkg.User{ID: BotID, IsBot: true, Username: c.handle}, nil
}

func (c *Commander) GetUpdates(ctx context.Context, offset int64, timeout int) ([]cmdpkg.Update, error) {
	c.mu.Lock()
	a := c.poll.next()
	c.mu.Unlock()

	switch a.kind {
	case "err":
		return nil, fmt.Errorf("dummy commander error class=%s", emptyAs(a.arg, "command_source_api"))
	case "sleep":
		return nil, sleep(ctx, a.arg)
	case "msg":
		return c.deliver(a.arg, false), nil
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return nil, fmt.Errorf("dummy commander msgb64 decode failed: %w", err)
		}
		return c.deliver(string(raw), false), nil
	case "reply":
		return c.deliver(a.arg, true), nil
	default:
		return nil, nil
	}
}

func (c *Commander) deliver(text string, replyToBot bool) []cmdpkg.Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateID++
	c.messageID++
	msg := &cmdpkg.Message{
		MessageID: c.messageID,
		Chat:      cmdpkg.Chat{ID: ChatID},
		From:      &cmdpkg.User{ID: UserID, Username: "dummy_user"},
		Text:      &text,
		Date:      time.Now().Unix(),
	}
	if replyToBot {
		prev := "earlier reply"
		msg.ReplyTo = &cmdpkg.Message{
			MessageID: c.messageID - 1,
			Chat:      msg.Chat,
			From:      &cmdpkg.User{ID: BotID, IsBot: true, Username: c.handle},
			Text:      &prev,
		}
	}
	return []cmdpkg.Update{{UpdateID: c.updateID, Message: msg}}
}

func (c *Commander) SendMessage(ctx context.Context, chatID int64, text string, replyTo int64) error {
	c.mu.Lock()
	a := c.send.next()
	c.mu.Unlock()

	switch a.kind {
	case "err":
		return fmt.Errorf("dummy commander send error class=%s", emptyAs(a.arg, "command_source_api"))
	case "sleep":
		if err := sleep(ctx, a.arg); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.sent = append(c.sent, SentMessage{ChatID: chatID, Text: text, ReplyTo: replyTo})
	c.mu.Unlock()
	return nil
}

// Sent returns a copy of every successfully sent message.
func (c *Commander) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SentMessage, len(c.sent))
	copy(out, c.sent)
	return out
}

// Provider is a scripted completion service.
type Provider struct {
	mu     sync.Mutex
	model  string
	script *scriptRunner
	calls  [][]prompt.Message
}

var _ modelpkg.Provider = (*Provider)(nil)

func NewProvider(model, script string) (*Provider, error) {
	runner, err := newRunner(script)
	if err != nil {
		return nil, err
	}
	return &Provider{model: model, script: runner}, nil
}

func (p *Provider) ChatCompletion(ctx context.Context, messages []prompt.Message) (modelpkg.CompletionResponse, error) {
	p.mu.Lock()
	a := p.script.next()
	p.calls = append(p.calls, append([]prompt.Message(nil), messages...))
	p.mu.Unlock()

	ok := func(content string) (modelpkg.CompletionResponse, error) {
		return modelpkg.CompletionResponse{Content: content, InputTokens: 1, OutputTokens: 1}, nil
	}
	switch a.kind {
	case "ok":
		return ok(emptyAs(a.arg, "dummy-ok"))
	case "err":
		return modelpkg.CompletionResponse{}, fmt.Errorf("dummy provider error class=%s", emptyAs(a.arg, "provider_api"))
	case "sleep":
		if err := sleep(ctx, a.arg); err != nil {
			return modelpkg.CompletionResponse{}, err
		}
		return ok("dummy-after-sleep")
	case "msg", "reply":
		return ok(a.arg)
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return modelpkg.CompletionResponse{}, fmt.Errorf("dummy provider msgb64 decode failed: %w", err)
		}
		return ok(string(raw))
	default:
		return ok("dummy-ok")
	}
}

// Calls returns the prompts the provider received, in call order.
func (p *Provider) Calls() [][]prompt.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]prompt.Message, len(p.calls))
	copy(out, p.calls)
	return out
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
