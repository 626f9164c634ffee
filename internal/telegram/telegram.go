package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	cmdpkg "github.com/stupiduntilnot/sigmoyd/internal/commander"
)

// MaxMessageChars is kept below Telegram's 4096 character limit.
const MaxMessageChars = 3900

// Client is a minimal Telegram Bot API client.
type Client struct {
	apiBase    string
	httpClient *http.Client
}

var _ cmdpkg.Commander = (*Client)(nil)

// NewClient creates a Telegram client for the given bot API base URL
// (e.g. "https://api.telegram.org/bot<token>").
func NewClient(apiBase string, requestTimeout time.Duration) *Client {
	return &Client{
		apiBase: apiBase,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// APIBase builds the Bot API base URL for a token.
func APIBase(token string) string {
	return "https://api.telegram.org/bot" + token
}

// Response is the generic Telegram API response wrapper.
type Response struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
}

type Update = cmdpkg.Update
type Message = cmdpkg.Message
type User = cmdpkg.User

// GetMe returns the bot's own identity.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/getMe", nil)
	if err != nil {
		return User{}, fmt.Errorf("telegram getMe request: %w", err)
	}
	var me User
	if err := c.do(req, "getMe", &me); err != nil {
		return User{}, err
	}
	return me, nil
}

// GetUpdates calls the getUpdates API, asking only for message updates.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("timeout", strconv.Itoa(timeout))
	params.Set("allowed_updates", `["message"]`)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/getUpdates?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("telegram getUpdates request: %w", err)
	}
	var updates []Update
	if err := c.do(req, "getUpdates", &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

type sendMessageRequest struct {
	ChatID          int64            `json:"chat_id"`
	Text            string           `json:"text"`
	ReplyParameters *replyParameters `json:"reply_parameters,omitempty"`
}

type replyParameters struct {
	MessageID                int64 `json:"message_id"`
	AllowSendingWithoutReply bool  `json:"allow_sending_without_reply"`
}

// SendMessage sends a text message to the given chat, threaded under replyTo
// when it is non-zero.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, replyTo int64) error {
	body := sendMessageRequest{ChatID: chatID, Text: truncate(text, MaxMessageChars)}
	if replyTo != 0 {
		body.ReplyParameters = &replyParameters{MessageID: replyTo, AllowSendingWithoutReply: true}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("telegram sendMessage marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/sendMessage", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("telegram sendMessage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, "sendMessage", nil)
}

func (c *Client) do(req *http.Request, method string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram %s: failed to read response: %w", method, err)
	}

	var tgResp Response
	if err := json.Unmarshal(body, &tgResp); err != nil {
		return fmt.Errorf("telegram %s: failed to parse response (status=%d): %s", method, resp.StatusCode, truncate(string(body), 400))
	}
	if !tgResp.OK {
		return fmt.Errorf("telegram %s failed: code=%d %s", method, tgResp.ErrorCode, tgResp.Description)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(tgResp.Result, out); err != nil {
		return fmt.Errorf("telegram %s: failed to parse result: %w", method, err)
	}
	return nil
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
