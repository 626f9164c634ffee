package dummy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stupiduntilnot/sigmoyd/internal/prompt"
)

var hi = []prompt.Message{{Role: prompt.RoleUser, Content: "hi"}}

func TestNewProvider_InvalidScript(t *testing.T) {
	_, err := NewProvider("x", "boom")
	if err == nil {
		t.Fatal("expected parse error for invalid script")
	}
}

func TestProvider_ScriptedResponses(t *testing.T) {
	p, err := NewProvider("x", "err:provider_api,msg:hello")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := p.ChatCompletion(ctx, hi); err == nil {
		t.Fatal("expected first call to error")
	}

	resp, err := p.ChatCompletion(ctx, hi)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hello" {
		t.Fatalf("expected hello, got %q", resp.Content)
	}
	if n := len(p.Calls()); n != 2 {
		t.Fatalf("expected 2 recorded calls, got %d", n)
	}
}

func TestProvider_MsgB64Action(t *testing.T) {
	p, err := NewProvider("x", "msgb64:aGVsbG8=") // "hello"
	if err != nil {
		t.Fatal(err)
	}
	resp, err := p.ChatCompletion(context.Background(), hi)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hello" {
		t.Fatalf("expected hello, got %q", resp.Content)
	}
}

func TestProvider_SleepHonorsContext(t *testing.T) {
	p, err := NewProvider("x", "sleep:5000")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = p.ChatCompletion(ctx, hi)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestCommander_MsgAction(t *testing.T) {
	c, err := NewCommander("", "msg:test-msg", "ok")
	if err != nil {
		t.Fatal(err)
	}
	updates, err := c.GetUpdates(context.Background(), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(updates) != 1 || updates[0].Message == nil || updates[0].Message.Text == nil {
		t.Fatalf("unexpected updates: %+v", updates)
	}
	msg := updates[0].Message
	if *msg.Text != "test-msg" {
		t.Fatalf("expected test-msg, got %q", *msg.Text)
	}
	if msg.From == nil || msg.From.ID != UserID {
		t.Fatalf("unexpected sender: %+v", msg.From)
	}
	if msg.ReplyTo != nil {
		t.Fatal("msg action must not be a reply")
	}
}

func TestCommander_ReplyAction(t *testing.T) {
	c, err := NewCommander("Sigmoydbot", "reply:go on", "ok")
	if err != nil {
		t.Fatal(err)
	}
	me, err := c.GetMe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if me.Username != "Sigmoydbot" || me.ID != BotID {
		t.Fatalf("unexpected identity: %+v", me)
	}

	updates, err := c.GetUpdates(context.Background(), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	reply := updates[0].Message.ReplyTo
	if reply == nil || reply.From == nil || reply.From.ID != BotID {
		t.Fatalf("expected reply to bot, got %+v", reply)
	}
}

func TestCommander_SendRecordsMessages(t *testing.T) {
	c, err := NewCommander("", "ok", "err:boom,ok")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := c.SendMessage(ctx, 1, "first", 5); err == nil {
		t.Fatal("expected scripted send error")
	}
	if err := c.SendMessage(ctx, 1, "second", 6); err != nil {
		t.Fatal(err)
	}
	sent := c.Sent()
	if len(sent) != 1 || sent[0] != (SentMessage{ChatID: 1, Text: "second", ReplyTo: 6}) {
		t.Fatalf("unexpected sent messages: %+v", sent)
	}
}
