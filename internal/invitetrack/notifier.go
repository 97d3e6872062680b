package invitetrack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	notificationTitle = "Invite Tracker"
	// Platform blue, matching the embeds the alert channel has always shown.
	notificationColor = 3447003
)

// NotifyResult reports whether an outbound notification went out. A failed
// send is non-fatal by contract; callers log it and move on.
type NotifyResult struct {
	Sent bool
	Err  error
}

func notifySent() NotifyResult {
	return NotifyResult{Sent: true}
}

func notifyFailed(err error) NotifyResult {
	return NotifyResult{Err: err}
}

// Notifier delivers query results and welcome notifications out to the
// platform. PostAlert targets the configured alert channel; PostMessage
// replies in an arbitrary channel.
type Notifier interface {
	PostAlert(ctx context.Context, description string) NotifyResult
	PostMessage(ctx context.Context, channel ChannelID, content string) NotifyResult
}

type HTTPNotifierOptions struct {
	BaseURL       string
	AlertChannel  ChannelID
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	UserAgent     string
}

type HTTPNotifier struct {
	baseURL       string
	alertChannel  ChannelID
	tokenProvider TokenProvider
	httpClient    *http.Client
	userAgent     string
}

func NewHTTPNotifier(opts HTTPNotifierOptions) (*HTTPNotifier, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://discord.com/api/v10"
	}
	if opts.AlertChannel == 0 || opts.TokenProvider == nil {
		return nil, ErrInvalidInput
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPNotifier{
		baseURL:       baseURL,
		alertChannel:  opts.AlertChannel,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
	}, nil
}

func (n *HTTPNotifier) PostAlert(ctx context.Context, description string) NotifyResult {
	payload := map[string]any{
		"embeds": []map[string]any{{
			"title":       notificationTitle,
			"description": description,
			"color":       notificationColor,
		}},
	}
	return n.post(ctx, n.alertChannel, payload)
}

func (n *HTTPNotifier) PostMessage(ctx context.Context, channel ChannelID, content string) NotifyResult {
	return n.post(ctx, channel, map[string]any{"content": content})
}

func (n *HTTPNotifier) post(ctx context.Context, channel ChannelID, payload map[string]any) NotifyResult {
	if n == nil {
		return notifyFailed(ErrInvalidInput)
	}
	if channel == 0 {
		return notifyFailed(ErrInvalidInput)
	}
	token, err := n.tokenProvider(ctx)
	if err != nil {
		return notifyFailed(err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return notifyFailed(fmt.Errorf("platform token is empty"))
	}
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return notifyFailed(err)
	}
	requestURL := fmt.Sprintf("%s/channels/%d/messages", n.baseURL, int64(channel))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return notifyFailed(err)
	}
	req.Header.Set("Authorization", "Bot "+token)
	req.Header.Set("Content-Type", "application/json")
	if n.userAgent != "" {
		req.Header.Set("User-Agent", n.userAgent)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return notifyFailed(err)
	}
	payloadBytes, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return notifyFailed(readErr)
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return notifySent()
	}
	var decoded struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payloadBytes, &decoded)
	return notifyFailed(&HTTPError{StatusCode: resp.StatusCode, Code: decoded.Code, Message: decoded.Message})
}
