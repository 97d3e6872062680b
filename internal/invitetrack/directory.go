package invitetrack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// TokenProvider supplies the current platform credential. Implementations
// may reload it between calls (token rotation).
type TokenProvider func(ctx context.Context) (string, error)

// StaticToken wraps a fixed credential as a TokenProvider.
func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// HTTPError is a non-2xx response from the platform REST API.
type HTTPError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("http %d code=%d: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// missingAccessCode is the platform response code for insufficient
// permission on the member search endpoint.
const missingAccessCode = 50001

// SnapshotEntry is one member from the membership snapshot. Inviter is nil
// when the platform has no attributable inviter for the member.
type SnapshotEntry struct {
	Member   MemberID
	Inviter  *MemberID
	JoinedAt string
}

// MemberSource is the REST view of the tracked server's membership.
type MemberSource interface {
	// SearchMember resolves the current join record for one member by
	// username. When several candidates match, the most recent join wins.
	SearchMember(ctx context.Context, username string) (SnapshotEntry, error)
	// Snapshot pages through the full membership list. A permission
	// failure surfaces as ErrMissingAccess.
	Snapshot(ctx context.Context) ([]SnapshotEntry, error)
}

type HTTPMemberSourceOptions struct {
	BaseURL       string
	Server        ServerID
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	PageLimit     int
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

type HTTPMemberSource struct {
	baseURL       string
	server        ServerID
	tokenProvider TokenProvider
	httpClient    *http.Client
	userAgent     string
	pageLimit     int
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

func NewHTTPMemberSource(opts HTTPMemberSourceOptions) (*HTTPMemberSource, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://discord.com/api/v10"
	}
	if opts.Server == 0 {
		return nil, ErrInvalidInput
	}
	if opts.TokenProvider == nil {
		return nil, ErrInvalidInput
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	pageLimit := opts.PageLimit
	if pageLimit <= 0 {
		// The platform rejects member-search pages above this size.
		pageLimit = 350
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPMemberSource{
		baseURL:       baseURL,
		server:        opts.Server,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		pageLimit:     pageLimit,
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
	}, nil
}

type searchUser struct {
	ID string `json:"id"`
}

type searchMemberDetail struct {
	User     searchUser `json:"user"`
	JoinedAt string     `json:"joined_at"`
}

type searchMember struct {
	Member    searchMemberDetail `json:"member"`
	InviterID *string            `json:"inviter_id"`
}

type searchResponse struct {
	Members []searchMember `json:"members"`
	Code    int            `json:"code"`
	Message string         `json:"message"`
}

type searchAfter struct {
	GuildJoinedAt string `json:"guild_joined_at"`
	UserID        string `json:"user_id"`
}

func (s *HTTPMemberSource) SearchMember(ctx context.Context, username string) (SnapshotEntry, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return SnapshotEntry{}, ErrInvalidInput
	}
	body := map[string]any{
		"and_query": map[string]any{
			"usernames": map[string]any{"or_query": []string{username}},
		},
		"limit": 5,
	}
	resp, err := s.search(ctx, body)
	if err != nil {
		return SnapshotEntry{}, err
	}
	if len(resp.Members) == 0 {
		return SnapshotEntry{}, fmt.Errorf("%w: %s", ErrMemberNotFound, username)
	}
	// Rejoins can leave several records for one username; the latest join
	// is the one the join event refers to.
	latest := resp.Members[0]
	for _, candidate := range resp.Members[1:] {
		if candidate.Member.JoinedAt > latest.Member.JoinedAt {
			latest = candidate
		}
	}
	return decodeSnapshotEntry(latest)
}

func (s *HTTPMemberSource) Snapshot(ctx context.Context) ([]SnapshotEntry, error) {
	entries := make([]SnapshotEntry, 0, s.pageLimit)
	var after *searchAfter
	for {
		body := map[string]any{"limit": s.pageLimit}
		if after != nil {
			body["after"] = after
		}
		resp, err := s.search(ctx, body)
		if err != nil {
			return nil, err
		}
		for _, member := range resp.Members {
			entry, err := decodeSnapshotEntry(member)
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry)
		}
		if len(resp.Members) < s.pageLimit {
			return entries, nil
		}
		last := resp.Members[len(resp.Members)-1]
		after = &searchAfter{
			GuildJoinedAt: last.Member.JoinedAt,
			UserID:        last.Member.User.ID,
		}
	}
}

func (s *HTTPMemberSource) search(ctx context.Context, body map[string]any) (searchResponse, error) {
	if s == nil {
		return searchResponse{}, ErrInvalidInput
	}
	token, err := s.tokenProvider(ctx)
	if err != nil {
		return searchResponse{}, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return searchResponse{}, fmt.Errorf("platform token is empty")
	}
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return searchResponse{}, err
	}
	requestURL := fmt.Sprintf("%s/guilds/%d/members-search", s.baseURL, int64(s.server))

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader(bodyBytes))
		if err != nil {
			return searchResponse{}, err
		}
		req.Header.Set("Authorization", "Bot "+token)
		req.Header.Set("Content-Type", "application/json")
		if s.userAgent != "" {
			req.Header.Set("User-Agent", s.userAgent)
		}

		resp, err := s.httpClient.Do(req)
		if err != nil {
			if attempt < s.maxRetries {
				if waitErr := sleepContext(ctx, s.retryDelay(attempt+1, "")); waitErr != nil {
					return searchResponse{}, waitErr
				}
				continue
			}
			return searchResponse{}, err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return searchResponse{}, readErr
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < s.maxRetries {
			if waitErr := sleepContext(ctx, s.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return searchResponse{}, waitErr
			}
			continue
		}

		var decoded searchResponse
		if err := json.Unmarshal(payloadBytes, &decoded); err != nil {
			if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
				return searchResponse{}, err
			}
			return searchResponse{}, &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(payloadBytes))}
		}
		if decoded.Code == missingAccessCode {
			return searchResponse{}, fmt.Errorf("%w: %s", ErrMissingAccess, decoded.Message)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return searchResponse{}, &HTTPError{StatusCode: resp.StatusCode, Code: decoded.Code, Message: decoded.Message}
		}
		return decoded, nil
	}
}

func decodeSnapshotEntry(member searchMember) (SnapshotEntry, error) {
	memberID, err := parseSnowflake(member.Member.User.ID)
	if err != nil {
		return SnapshotEntry{}, err
	}
	entry := SnapshotEntry{
		Member:   MemberID(memberID),
		JoinedAt: member.Member.JoinedAt,
	}
	if member.InviterID != nil && strings.TrimSpace(*member.InviterID) != "" {
		inviterID, err := parseSnowflake(*member.InviterID)
		if err != nil {
			return SnapshotEntry{}, err
		}
		inviter := MemberID(inviterID)
		entry.Inviter = &inviter
	}
	return entry, nil
}

func parseSnowflake(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: snowflake %q", ErrInvalidInput, raw)
	}
	return id, nil
}

func (s *HTTPMemberSource) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > s.maxDelay {
			return s.maxDelay
		}
		return retryAfter
	}
	delay := s.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.maxDelay {
			return s.maxDelay
		}
	}
	if delay > s.maxDelay {
		return s.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
