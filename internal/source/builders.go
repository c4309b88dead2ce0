package source

import (
	"context"
	"fmt"

	"github.com/multiscrobbler/multiscrobbler/internal/errs"
	"github.com/multiscrobbler/multiscrobbler/internal/lifecycle"
	"github.com/multiscrobbler/multiscrobbler/internal/transform"
)

// PushKinds lists the webhook-family source types every push source
// shares: none of them poll or require auth, so one constructor covers
// all four (spec §6 "POST /api/webscrobbler", "/plex", "/tautulli",
// "/jellyfin" all funnel into the same Ingest path).
var PushKinds = []string{"webscrobbler", "plex", "tautulli", "jellyfin"}

// RegisterDefaults registers multi-scrobbler's built-in push source
// kinds against r, so config.Component.Type values from the config file
// resolve to a buildable Source without the daemon's main package
// needing to know each adapter's construction details.
func RegisterDefaults(r *Registry) {
	for _, kind := range PushKinds {
		r.Register(kind, newPushSource)
	}
}

// newPushSource builds a push-only Source: no Fetcher (nothing to poll),
// no auth required, doBuildInitData always succeeds since a webhook
// source has nothing to validate beyond its name being set, and
// doCheckConnection reports Skipped.
func newPushSource(cfg Config, raw map[string]any, deps Deps) (*Source, error) {
	if cfg.Name == "" {
		return nil, errs.New(errs.KindConfigInvalid, "source.newPushSource", fmt.Errorf("name is required"))
	}

	var playTransform map[string]any
	if v, ok := raw["playTransform"]; ok {
		playTransform, _ = v.(map[string]any)
	}
	tcfg, err := transform.ParseConfig(playTransform)
	if err != nil {
		return nil, errs.New(errs.KindConfigInvalid, "source.newPushSource", err)
	}

	p := Params{
		Config:     cfg,
		Capability: Capability{RequiresAuth: false, CanPoll: false, CanBacklog: false},
		Stages: lifecycle.Stages{
			BuildInitData: func(context.Context) (lifecycle.StageResult, error) {
				return lifecycle.StageResult{}, nil
			},
			CheckConnection: func(context.Context) (lifecycle.StageResult, error) {
				return lifecycle.StageResult{Skipped: true}, nil
			},
		},
		Bus:       deps.Bus,
		Transform: tcfg,
		Clock:     deps.Clock,
		Logger:    deps.Logger,
	}
	return New(p), nil
}
