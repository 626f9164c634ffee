package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stupiduntilnot/sigmoyd/internal/model"
	"github.com/stupiduntilnot/sigmoyd/internal/prompt"
)

func completionBody(content string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   "test-model",
		"choices": []map[string]any{
			{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     42,
			"completion_tokens": 7,
			"total_tokens":      49,
		},
	}
}

func TestChatCompletion_SendsPromptAndMaxTokens(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completionBody("Hello!"))
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, "test-model", 500, 5*time.Second)
	result, err := client.ChatCompletion(context.Background(), []prompt.Message{
		{Role: prompt.RoleSystem, Content: "sys"},
		{Role: prompt.RoleUser, Content: "hi"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Content != "Hello!" {
		t.Errorf("expected content 'Hello!', got %q", result.Content)
	}
	if result.InputTokens != 42 || result.OutputTokens != 7 {
		t.Errorf("unexpected usage: %+v", result)
	}
	if got["model"] != "test-model" {
		t.Errorf("unexpected model: %v", got["model"])
	}
	if got["max_tokens"] != float64(500) {
		t.Errorf("expected max_tokens=500, got %v", got["max_tokens"])
	}
	msgs, _ := got["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	first, _ := msgs[0].(map[string]any)
	if first["role"] != "system" {
		t.Errorf("expected system role first, got %v", first["role"])
	}
}

func TestChatCompletion_EmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := completionBody("")
		body["choices"] = []map[string]any{}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, "test-model", 500, 5*time.Second)
	_, err := client.ChatCompletion(context.Background(), []prompt.Message{{Role: prompt.RoleUser, Content: "hi"}})
	if !errors.Is(err, model.ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestChatCompletion_BlankContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completionBody("   "))
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, "test-model", 500, 5*time.Second)
	_, err := client.ChatCompletion(context.Background(), []prompt.Message{{Role: prompt.RoleUser, Content: "hi"}})
	if !errors.Is(err, model.ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestChatCompletion_HTTPErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit"}}`))
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, "test-model", 500, 5*time.Second)
	_, err := client.ChatCompletion(context.Background(), []prompt.Message{{Role: prompt.RoleUser, Content: "hi"}})
	if err == nil {
		t.Fatal("expected error for 429 response")
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected a single attempt, got %d", n)
	}
}

func TestChatCompletion_ContextDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, "test-model", 500, 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.ChatCompletion(ctx, []prompt.Message{{Role: prompt.RoleUser, Content: "hi"}})
	if err == nil {
		t.Fatal("expected timeout error")
	}
}
