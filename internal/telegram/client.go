// Package telegram is a thin client for the Telegram Bot API covering the
// three calls the daemon needs: sendMessage, deleteMessage and long-polled
// getUpdates. Network errors are retried with exponential backoff; API-level
// errors (ok:false) are not.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotConfigured is returned by every call when no bot token is set.
var ErrNotConfigured = errors.New("telegram: bot token not configured")

// APIError is a Telegram-level failure (the ok:false response shape).
// These are never retried.
type APIError struct {
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram API error %d: %s", e.Code, e.Description)
}

// IsConflict reports whether err is the "terminated by other getUpdates
// request" conflict, meaning another daemon holds the long-poll slot.
func IsConflict(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == 409 || strings.Contains(apiErr.Description, "terminated by other getUpdates request")
}

const (
	maxAttempts    = 3
	initialBackoff = time.Second
)

// Update is one entry from getUpdates, restricted to message updates.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

type Message struct {
	MessageID int64    `json:"message_id"`
	From      *User    `json:"from,omitempty"`
	Chat      Chat     `json:"chat"`
	Date      int64    `json:"date"`
	Text      string   `json:"text"`
	ReplyTo   *Message `json:"reply_to_message,omitempty"`
}

type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type,omitempty"`
}

type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// Client talks to the Bot API for a single bot token.
type Client struct {
	baseURL    string
	httpClient *http.Client
	sleep      func(time.Duration)
}

// New creates a client for the given token. An empty token yields a client
// whose every call returns ErrNotConfigured.
func New(token string) *Client {
	c := &Client{
		// Long polls run up to 30s; leave headroom before the HTTP timeout.
		httpClient: &http.Client{Timeout: 45 * time.Second},
		sleep:      time.Sleep,
	}
	if token != "" {
		c.baseURL = "https://api.telegram.org/bot" + token
	}
	return c
}

// NewWithBaseURL creates a client against an explicit API base URL. Used by
// tests to point at a local httptest server.
func NewWithBaseURL(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 45 * time.Second},
		sleep:      func(time.Duration) {},
	}
}

// Configured reports whether a bot token (or test base URL) is present.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

// SendMessage sends text to chatID, optionally with Markdown parse mode, and
// returns the new message id.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, markdown bool) (int64, error) {
	payload := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if markdown {
		payload["parse_mode"] = "Markdown"
	}

	var result struct {
		MessageID int64 `json:"message_id"`
	}
	if err := c.call(ctx, "sendMessage", payload, &result); err != nil {
		return 0, err
	}
	return result.MessageID, nil
}

// DeleteMessage removes a previously sent message. Telegram refuses deletes
// outside its own window; callers treat failure as non-fatal.
func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	payload := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
	}
	return c.call(ctx, "deleteMessage", payload, nil)
}

// GetUpdates long-polls for message updates starting at offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	q := url.Values{}
	q.Set("offset", strconv.FormatInt(offset, 10))
	q.Set("timeout", strconv.Itoa(int(timeout/time.Second)))
	q.Set("allowed_updates", `["message"]`)

	var updates []Update
	err := c.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/getUpdates?"+q.Encode(), nil)
		if err != nil {
			return err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("getUpdates: %w", err)
		}
		defer resp.Body.Close()

		result, err := decodeEnvelope(resp.Body)
		if err != nil {
			return err
		}
		updates = updates[:0]
		return json.Unmarshal(result, &updates)
	})
	return updates, err
}

// call POSTs a JSON payload to a Bot API method and decodes result into out.
func (c *Client) call(ctx context.Context, method string, payload any, out any) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", method, err)
	}

	return c.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
		defer resp.Body.Close()

		result, err := decodeEnvelope(resp.Body)
		if err != nil {
			return err
		}
		if out != nil {
			if err := json.Unmarshal(result, out); err != nil {
				return fmt.Errorf("%s: decode result: %w", method, err)
			}
		}
		return nil
	})
}

// withRetry runs fn up to maxAttempts times for transport errors, doubling
// the delay each attempt. API errors surface immediately.
func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	delay := initialBackoff
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			c.sleep(delay)
			delay *= 2
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(lastErr, &apiErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func decodeEnvelope(r io.Reader) (json.RawMessage, error) {
	var envelope struct {
		OK          bool            `json:"ok"`
		ErrorCode   int             `json:"error_code"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(r).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !envelope.OK {
		return nil, &APIError{Code: envelope.ErrorCode, Description: envelope.Description}
	}
	return envelope.Result, nil
}
