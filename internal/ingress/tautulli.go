package ingress

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/multiscrobbler/multiscrobbler/internal/play"
)

// tautulliPayload mirrors the JSON body produced by a Tautulli
// notification agent configured with multi-scrobbler's recommended
// "on watched" trigger and a {track}/{artist}/{album}/{duration} JSON
// template (spec §6 "POST /tautulli"). Unlike Plex's own webhook,
// Tautulli always posts plain JSON, never multipart.
type tautulliPayload struct {
	Track    string  `json:"track"`
	Artist   string  `json:"artist"`
	Album    string  `json:"album"`
	Duration float64 `json:"duration"` // seconds
	User     string  `json:"user"`
}

func parseTautulli(r *http.Request) (play.Play, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return play.Play{}, fmt.Errorf("tautulli: read body: %w", err)
	}

	var body tautulliPayload
	if err := json.Unmarshal(data, &body); err != nil {
		return play.Play{}, fmt.Errorf("tautulli: decode: %w", err)
	}
	if body.Track == "" || body.Artist == "" {
		return play.Play{}, fmt.Errorf("tautulli: missing track or artist")
	}

	p := play.Play{
		Track:         body.Track,
		Artists:       []string{body.Artist},
		Album:         body.Album,
		Duration:      time.Duration(body.Duration * float64(time.Second)),
		PlayDate:      time.Now(),
		User:          body.User,
		NewFromSource: true,
	}
	return p.Normalize(), nil
}
