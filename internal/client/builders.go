package client

import (
	"fmt"

	"github.com/multiscrobbler/multiscrobbler/internal/errs"
	"github.com/multiscrobbler/multiscrobbler/internal/lastfmclient"
	"github.com/multiscrobbler/multiscrobbler/internal/listenbrainzclient"
	"github.com/multiscrobbler/multiscrobbler/internal/transform"
)

// RegisterDefaults registers multi-scrobbler's built-in client kinds
// against r: "lastfm" (github.com/shkh/lastfm-go) and "listenbrainz"
// (go-resty/resty/v2), the two outbound adapters SPEC_FULL.md's domain
// stack names.
func RegisterDefaults(r *Registry) {
	r.Register("lastfm", newLastfmClient)
	r.Register("listenbrainz", newListenbrainzClient)
}

func excludedFrom(raw map[string]any) []string {
	v, ok := raw["excludeSources"]
	if !ok {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func playTransformFrom(raw map[string]any) map[string]any {
	v, ok := raw["playTransform"]
	if !ok {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}

func stringField(raw map[string]any, key string) string {
	v, _ := raw[key].(string)
	return v
}

func newLastfmClient(cfg Config, raw map[string]any, deps Deps) (*Client, error) {
	apiKey := stringField(raw, "apiKey")
	apiSecret := stringField(raw, "apiSecret")
	if apiKey == "" || apiSecret == "" {
		return nil, errs.New(errs.KindConfigInvalid, "client.newLastfmClient", fmt.Errorf("apiKey and apiSecret are required"))
	}

	adapter := lastfmclient.New(lastfmclient.Config{
		Name:       cfg.Name,
		APIKey:     apiKey,
		APISecret:  apiSecret,
		SessionKey: stringField(raw, "sessionKey"),
	})

	tcfg, err := transform.ParseConfig(playTransformFrom(raw))
	if err != nil {
		return nil, errs.New(errs.KindConfigInvalid, "client.newLastfmClient", err)
	}

	c := New(Params{
		Config:     cfg,
		Capability: Capability{RequiresAuth: true},
		Adapter:    adapter,
		Recent:     adapter,
		Stages:     adapter.Stages(),
		Bus:        deps.Bus,
		Transform:  tcfg,
		Clock:      deps.Clock,
		Logger:     deps.Logger,
		Excluded:   excludedFrom(raw),
		Persist:    deps.Persist,
	})
	return c, nil
}

func newListenbrainzClient(cfg Config, raw map[string]any, deps Deps) (*Client, error) {
	token := stringField(raw, "userToken")
	if token == "" {
		return nil, errs.New(errs.KindConfigInvalid, "client.newListenbrainzClient", fmt.Errorf("userToken is required"))
	}

	adapter := listenbrainzclient.New(listenbrainzclient.Config{
		Name:      cfg.Name,
		BaseURL:   stringField(raw, "baseURL"),
		UserToken: token,
	})

	tcfg, err := transform.ParseConfig(playTransformFrom(raw))
	if err != nil {
		return nil, errs.New(errs.KindConfigInvalid, "client.newListenbrainzClient", err)
	}

	return New(Params{
		Config:     cfg,
		Capability: Capability{RequiresAuth: true},
		Adapter:    adapter,
		Recent:     adapter,
		Stages:     adapter.Stages(),
		Bus:        deps.Bus,
		Transform:  tcfg,
		Clock:      deps.Clock,
		Logger:     deps.Logger,
		Excluded:   excludedFrom(raw),
		Persist:    deps.Persist,
	}), nil
}
