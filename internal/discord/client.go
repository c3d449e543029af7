// Package discord posts messages to Discord webhooks.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zorkian/chibichonk/pkg/types"
)

const (
	userAgent         = "chibichonk/0.1 (+https://github.com/zorkian/chibichonk)"
	defaultRetryAfter = time.Second
	maxErrorBody      = 512
)

// Config holds the identity applied to outgoing messages.
type Config struct {
	Username  string
	AvatarURL string
}

// Dependencies allow test overrides for HTTP client, clock, and logging.
type Dependencies struct {
	HTTPClient *http.Client
	Now        func() time.Time
	Logger     *log.Logger
}

// Client posts formatted messages to webhook URLs.
type Client struct {
	httpClient *http.Client
	username   string
	avatarURL  string
	now        func() time.Time
	logger     *log.Logger
}

// RateLimitError is returned when Discord answers 429.
type RateLimitError struct {
	RetryAfter time.Duration
	Global     bool
}

func (e *RateLimitError) Error() string {
	scope := "webhook"
	if e.Global {
		scope = "global"
	}
	return fmt.Sprintf("discord: %s rate limited, retry after %s", scope, e.RetryAfter)
}

// StatusError reports a non-2xx response other than 429.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("discord: status %d", e.StatusCode)
	}
	return fmt.Sprintf("discord: status %d: %s", e.StatusCode, e.Body)
}

// Permanent reports whether retrying the same request cannot succeed.
func (e *StatusError) Permanent() bool {
	switch e.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

// IsPermanent reports whether err is a StatusError that should not be retried.
func IsPermanent(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Permanent()
}

// NewClient builds a webhook client from configuration and dependencies.
func NewClient(cfg Config, deps Dependencies) (*Client, error) {
	httpClient := deps.HTTPClient
	if httpClient == nil {
		return nil, fmt.Errorf("HTTP client is required")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Client{
		httpClient: httpClient,
		username:   cfg.Username,
		avatarURL:  cfg.AvatarURL,
		now:        now,
		logger:     logger,
	}, nil
}

// Post executes the webhook at webhookURL with msg. Username and avatar from
// the client config fill in when the message leaves them empty.
func (c *Client) Post(ctx context.Context, webhookURL string, msg types.Message) error {
	if webhookURL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	if msg.Username == "" {
		msg.Username = c.username
	}
	if msg.AvatarURL == "" {
		msg.AvatarURL = c.avatarURL
	}

	// Mentions like <@42> must reach Discord unescaped.
	var payload bytes.Buffer
	enc := json.NewEncoder(&payload)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(msg); err != nil {
		return fmt.Errorf("marshal webhook message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, &payload)
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		rlErr := parseRateLimit(resp.Header, body)
		c.logger.Printf("discord rate limited for %s", rlErr.RetryAfter)
		return rlErr
	default:
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
}

type rateLimitBody struct {
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

func parseRateLimit(header http.Header, body []byte) *RateLimitError {
	rlErr := &RateLimitError{RetryAfter: defaultRetryAfter}
	var parsed rateLimitBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		rlErr.Global = parsed.Global
		if parsed.RetryAfter > 0 {
			rlErr.RetryAfter = time.Duration(parsed.RetryAfter * float64(time.Second))
		}
	}
	if raw := strings.TrimSpace(header.Get("Retry-After")); raw != "" {
		if secs, err := strconv.ParseFloat(raw, 64); err == nil && secs > 0 {
			rlErr.RetryAfter = time.Duration(secs * float64(time.Second))
		}
	}
	if header.Get("X-RateLimit-Global") == "true" {
		rlErr.Global = true
	}
	return rlErr
}
