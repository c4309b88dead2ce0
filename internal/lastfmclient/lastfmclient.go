// Package lastfmclient adapts github.com/shkh/lastfm-go to the
// client.Adapter / client.RecentFetcher contracts (spec §6), generalizing
// the teacher's internal/lastfm package (a desktop player's "now playing +
// scrobble" wrapper) into one of multi-scrobbler's pluggable client
// adapters: outbound calls never return a raw lastfm-go error; failures
// are wrapped in *errs.UpstreamError or in an *errs.Error carrying an
// errs.Kind (such as KindAuthRevoked or KindNetworkTransient), so the
// client core never needs to know this adapter exists.
package lastfmclient

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shkh/lastfm-go/lastfm"

	"github.com/multiscrobbler/multiscrobbler/internal/errs"
	"github.com/multiscrobbler/multiscrobbler/internal/lifecycle"
	"github.com/multiscrobbler/multiscrobbler/internal/play"
)

// Config configures a Client.
type Config struct {
	Name       string
	APIKey     string
	APISecret  string
	SessionKey string // pre-existing session key, loaded from creds.Store
}

// Client adapts Last.fm's scrobble API.
type Client struct {
	name      string
	apiKey    string
	apiSecret string

	mu         sync.Mutex
	api        *lastfm.Api
	sessionKey string
	username   string
	token      string
}

// New builds a Client. If cfg.SessionKey is set the client starts
// already authenticated (the common restart path: creds.Store already
// holds a session from a prior run).
func New(cfg Config) *Client {
	api := lastfm.New(cfg.APIKey, cfg.APISecret)
	if cfg.SessionKey != "" {
		api.SetSession(cfg.SessionKey)
	}
	return &Client{
		name:       cfg.Name,
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		api:        api,
		sessionKey: cfg.SessionKey,
	}
}

// Name returns the client's configured name, used as the creds.Store
// source name and lastfm auth URL return label.
func (c *Client) Name() string { return c.name }

// IsAuthenticated reports whether a session key is set.
func (c *Client) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionKey != ""
}

// SessionKey returns the current session key, for persisting to
// creds.Store after a successful auth.
func (c *Client) SessionKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionKey
}

// Username returns the Last.fm username resolved during auth, if any.
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// PendingAuthURL returns the authorize URL a user must visit to complete
// doAuthenticate's interactive handshake, or "" if there is no pending
// token (either already authenticated, or Initialize hasn't run the
// authenticate stage yet). The lifecycle scaffold itself discards
// StageResult.InteractionURL once Initialize returns, so callers that
// need to surface the URL (the daemon's startup log and notification,
// via client.Client.PendingAuthURL) read it back from here instead.
func (c *Client) PendingAuthURL() string {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token == "" {
		return ""
	}
	return fmt.Sprintf("https://www.last.fm/api/auth/?api_key=%s&token=%s", c.apiKey, token)
}

// Stages builds the lifecycle.Stages for this client (spec §4.5):
// doBuildInitData validates API key/secret are set, doCheckConnection
// is a no-op (Last.fm has no cheap unauthenticated ping), doAuthentication
// runs the desktop auth flow (request token -> user visits URL -> confirm
// -> exchange for session).
func (c *Client) Stages() lifecycle.Stages {
	return lifecycle.Stages{
		BuildInitData:   c.doBuildInitData,
		CheckConnection: c.doCheckConnection,
		Authenticate:    c.doAuthenticate,
	}
}

func (c *Client) doBuildInitData(context.Context) (lifecycle.StageResult, error) {
	if c.apiKey == "" || c.apiSecret == "" {
		return lifecycle.StageResult{}, errs.New(errs.KindConfigInvalid, "lastfmclient.doBuildInitData",
			fmt.Errorf("apiKey and apiSecret are required"))
	}
	return lifecycle.StageResult{}, nil
}

func (c *Client) doCheckConnection(context.Context) (lifecycle.StageResult, error) {
	return lifecycle.StageResult{Skipped: true}, nil
}

// doAuthenticate implements the desktop-auth handshake: if no session
// key is known yet, it requests a token and returns RequiresInteraction
// with the authorize URL; ConfirmAuth completes the exchange once the
// user has authorized in their browser (spec §4.5 "user must visit
// InteractionURL before auth completes").
func (c *Client) doAuthenticate(context.Context) (lifecycle.StageResult, error) {
	if c.IsAuthenticated() {
		return lifecycle.StageResult{}, nil
	}

	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token == "" {
		tok, err := c.api.GetToken()
		if err != nil {
			return lifecycle.StageResult{}, errs.New(errs.KindNetworkTransient, "lastfmclient.GetToken", err)
		}
		c.mu.Lock()
		c.token = tok
		c.mu.Unlock()
		token = tok
	}

	url := fmt.Sprintf("https://www.last.fm/api/auth/?api_key=%s&token=%s", c.apiKey, token)
	return lifecycle.StageResult{RequiresInteraction: true, InteractionURL: url}, nil
}

// ConfirmAuth exchanges the pending token for a session key after the
// user has authorized in their browser, completing doAuthenticate's
// RequiresInteraction handshake (spec §4.5 / §6 ingress callback route).
func (c *Client) ConfirmAuth(context.Context) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token == "" {
		return errs.New(errs.KindConfigInvalid, "lastfmclient.ConfirmAuth", fmt.Errorf("no pending auth token"))
	}

	if err := c.api.LoginWithToken(token); err != nil {
		return errs.New(errs.KindNetworkTransient, "lastfmclient.ConfirmAuth", err)
	}

	sessionKey := c.api.GetSessionKey()
	username := "unknown"
	if info, err := c.api.User.GetInfo(nil); err == nil {
		username = info.Name
	}

	c.mu.Lock()
	c.sessionKey = sessionKey
	c.username = username
	c.token = ""
	c.mu.Unlock()
	return nil
}

// Scrobble implements client.Adapter.
func (c *Client) Scrobble(_ context.Context, p play.Play) (play.Play, error) {
	if !c.IsAuthenticated() {
		return play.Play{}, errs.New(errs.KindAuthRevoked, "lastfmclient.Scrobble", fmt.Errorf("not authenticated"))
	}

	params := lastfm.P{
		"artist":    p.PrimaryArtist(),
		"track":     p.Track,
		"timestamp": p.PlayDate.Unix(),
	}
	if p.Album != "" {
		params["album"] = p.Album
	}
	if len(p.AlbumArtists) > 0 && p.AlbumArtists[0] != p.PrimaryArtist() {
		params["albumArtist"] = p.AlbumArtists[0]
	}
	if p.Duration > 0 {
		params["duration"] = int(p.Duration.Seconds())
	}

	if _, err := c.api.Track.Scrobble(params); err != nil {
		return play.Play{}, c.classify("scrobble", err)
	}
	return p, nil
}

// FetchRecent implements client.RecentFetcher, pulling the user's recent
// tracks for the fuzzy existing-scrobble check (spec §4.4).
func (c *Client) FetchRecent(_ context.Context) ([]play.Play, error) {
	if !c.IsAuthenticated() {
		return nil, errs.New(errs.KindAuthRevoked, "lastfmclient.FetchRecent", fmt.Errorf("not authenticated"))
	}

	username := c.Username()
	result, err := c.api.User.GetRecentTracks(lastfm.P{"user": username, "limit": 50})
	if err != nil {
		return nil, errs.New(errs.KindNetworkTransient, "lastfmclient.FetchRecent", err)
	}

	out := make([]play.Play, 0, len(result.Tracks))
	for _, t := range result.Tracks {
		if t.NowPlaying == "true" {
			continue // the currently-playing track has no scrobble timestamp yet
		}
		uts, _ := strconv.ParseInt(t.Date.Uts, 10, 64)
		out = append(out, play.Play{
			Track:    t.Name,
			Artists:  []string{t.Artist.Name},
			Album:    t.Album.Name,
			PlayDate: time.Unix(uts, 0),
			Source:   c.name,
		}.Normalize())
	}
	return out, nil
}

// classify maps a lastfm-go error to the client outbound contract.
// lastfm-go surfaces API errors as plain fmt-wrapped strings rather than
// a typed error, so this matches on the well-known Last.fm error
// messages (codes 9 "Invalid session key" and 4 "Authentication
// failed") to detect revocation; everything else is treated as a
// per-call failure worth dead-lettering rather than a show-stopper,
// since Last.fm's transient failures (rate limiting, momentary 5xx)
// dominate over permanently-malformed requests in practice.
func (c *Client) classify(op string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "invalid session key") || strings.Contains(msg, "authentication failed") ||
		strings.Contains(msg, "unauthorized") {
		c.mu.Lock()
		c.sessionKey = ""
		c.mu.Unlock()
		return errs.New(errs.KindAuthRevoked, "lastfmclient."+op, err)
	}
	return &errs.UpstreamError{ShowStopper: false, Err: fmt.Errorf("lastfmclient.%s: %w", op, err)}
}
