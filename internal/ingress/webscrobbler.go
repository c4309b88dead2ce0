package ingress

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/multiscrobbler/multiscrobbler/internal/play"
)

// webScrobblerPayload mirrors the shape the WebScrobbler browser
// extension posts: a "parsed" song description plus the client-observed
// play timestamp. Unknown/extra fields are ignored.
type webScrobblerPayload struct {
	Data struct {
		Song struct {
			Parsed struct {
				Artist      string  `json:"artist"`
				Track       string  `json:"track"`
				Album       string  `json:"album"`
				AlbumArtist string  `json:"albumArtist"`
				Duration    float64 `json:"duration"` // seconds
			} `json:"parsed"`
		} `json:"song"`
	} `json:"data"`
	PlayedAt int64 `json:"playedAt"` // unix seconds
}

func parseWebScrobbler(r *http.Request) (play.Play, error) {
	var body webScrobblerPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return play.Play{}, fmt.Errorf("webscrobbler: decode: %w", err)
	}

	parsed := body.Data.Song.Parsed
	if parsed.Track == "" || parsed.Artist == "" {
		return play.Play{}, fmt.Errorf("webscrobbler: missing track or artist")
	}

	playDate := time.Now()
	if body.PlayedAt > 0 {
		playDate = time.Unix(body.PlayedAt, 0)
	}

	p := play.Play{
		Track:         parsed.Track,
		Artists:       []string{parsed.Artist},
		Album:         parsed.Album,
		Duration:      time.Duration(parsed.Duration * float64(time.Second)),
		PlayDate:      playDate,
		NewFromSource: true,
	}
	if parsed.AlbumArtist != "" {
		p.AlbumArtists = []string{parsed.AlbumArtist}
	}
	return p.Normalize(), nil
}
