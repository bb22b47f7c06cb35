// Package gamestatus provides the live-context sources: the public
// server-status API and the community player-profile API. Both are
// best-effort pass-throughs with a short-TTL cache; a failed lookup
// degrades to "no data" and never blocks the reply pipeline.
package gamestatus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/minebridge/bridgebot/internal/retry"
)

// maxErrBody bounds upstream error bodies kept in logs.
const maxErrBody = 300

type apiError struct {
	status int
}

func (e *apiError) Error() string {
	return fmt.Sprintf("status API: HTTP %d", e.status)
}

// Status is the parsed server-status payload.
type Status struct {
	Online  bool   `json:"online"`
	Version string `json:"version"`
	Players struct {
		Online *int `json:"online"`
		Max    *int `json:"max"`
	} `json:"players"`
	MOTD struct {
		Clean []string `json:"clean"`
	} `json:"motd"`
}

// ClientOptions configures a status/player client.
type ClientOptions struct {
	StatusURL  string // base URL of the status API
	ServerHost string // game server hostname appended to the status URL
	PlayerHost string // community API host for player lookups, may be IDN
	CacheTTL   time.Duration
	Timeout    time.Duration
	Policy     *retry.Policy
}

// Client fetches server status and player profiles.
type Client struct {
	opts   ClientOptions
	http   *http.Client
	cache  *gocache.Cache
	policy retry.Policy
}

// NewClient builds a client with a short-TTL response cache.
func NewClient(opts ClientOptions) *Client {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 20 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	policy := retry.Policy{MaxRetries: 2, BaseDelay: 1500 * time.Millisecond, MaxDelay: 10 * time.Second}
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	if policy.Retryable == nil {
		// 4xx lookups (unknown nick, bad request) are not worth retrying.
		policy.Retryable = func(err error) bool {
			var ae *apiError
			if errors.As(err, &ae) {
				return ae.status >= 500
			}
			return true
		}
	}
	return &Client{
		opts:   opts,
		http:   &http.Client{Timeout: opts.Timeout},
		cache:  gocache.New(opts.CacheTTL, time.Minute),
		policy: policy,
	}
}

// FetchStatus returns the current server status, served from cache within
// the TTL. Errors are returned to the caller, who treats them as "no
// context available".
func (c *Client) FetchStatus(ctx context.Context) (*Status, error) {
	key := "status:" + c.opts.ServerHost
	if v, ok := c.cache.Get(key); ok {
		return v.(*Status), nil
	}

	var status Status
	err := c.policy.Do(ctx, func() error {
		return c.getJSON(ctx, fmt.Sprintf("%s/%s", strings.TrimRight(c.opts.StatusURL, "/"), c.opts.ServerHost), &status)
	})
	if err != nil {
		return nil, err
	}

	c.cache.SetDefault(key, &status)
	return &status, nil
}

// FormatStatus renders the status payload into the context/reply string.
func (c *Client) FormatStatus(s *Status) string {
	state := "offline"
	if s.Online {
		state = "ONLINE"
	}
	lines := []string{
		"Server status",
		"IP: " + c.opts.ServerHost,
		"State: " + state,
	}
	if s.Version != "" {
		lines = append(lines, "Version: "+s.Version)
	}
	if s.Players.Online != nil && s.Players.Max != nil {
		lines = append(lines, fmt.Sprintf("Players: %d / %d", *s.Players.Online, *s.Players.Max))
	} else if s.Players.Online != nil {
		lines = append(lines, fmt.Sprintf("Players online: %d", *s.Players.Online))
	}
	if motd := strings.TrimSpace(strings.Join(s.MOTD.Clean, "\n")); motd != "" {
		lines = append(lines, motd)
	}
	return strings.Join(lines, "\n")
}

// FetchPlayer looks up a player profile by nickname and returns a compact
// JSON context line, or "" when the profile is unknown. Lookups are
// cached per lowercase nick.
func (c *Client) FetchPlayer(ctx context.Context, nick string) (string, error) {
	nick = strings.TrimSpace(nick)
	if nick == "" || c.opts.PlayerHost == "" {
		return "", nil
	}

	key := "player:" + strings.ToLower(nick)
	if v, ok := c.cache.Get(key); ok {
		return v.(string), nil
	}

	base := c.opts.PlayerHost
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	var profile map[string]any
	u := fmt.Sprintf("%s/api/name/%s", strings.TrimRight(base, "/"), url.PathEscape(nick))
	err := c.policy.Do(ctx, func() error {
		return c.getJSON(ctx, u, &profile)
	})
	if err != nil {
		return "", err
	}
	if len(profile) == 0 {
		c.cache.SetDefault(key, "")
		return "", nil
	}

	compact, err := json.Marshal(profile)
	if err != nil {
		return "", err
	}
	out := string(compact)
	c.cache.SetDefault(key, out)
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("status request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read status response: %w", err)
	}
	if resp.StatusCode >= 400 {
		body := raw
		if len(body) > maxErrBody {
			body = body[:maxErrBody]
		}
		slog.Warn("gamestatus: upstream error", "url", rawURL, "status", resp.StatusCode, "body", string(body))
		return &apiError{status: resp.StatusCode}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse status response: %w", err)
	}
	return nil
}
