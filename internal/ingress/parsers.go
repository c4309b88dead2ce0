package ingress

import (
	"net/http"

	"github.com/multiscrobbler/multiscrobbler/internal/play"
)

// parser converts one webhook family's raw request body into a Play.
// Each webhook kind has its own wire shape; parsers map kind name to the
// function that understands it.
var parsers = map[string]parserFunc{
	"webscrobbler": parseWebScrobbler,
	"plex":         parsePlex,
	"tautulli":     parseTautulli,
	"jellyfin":     parseJellyfin,
}

type parserFunc func(r *http.Request) (play.Play, error)
