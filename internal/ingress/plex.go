package ingress

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/multiscrobbler/multiscrobbler/internal/play"
)

// plexPayload mirrors the subset of Plex's webhook JSON body (spec §6
// "POST /plex") multi-scrobbler cares about. Plex posts this as a
// multipart form field named "payload" alongside an optional thumbnail
// image; a bare JSON body (as Tautulli forwards) is accepted too.
type plexPayload struct {
	Event   string `json:"event"`
	Account struct {
		Title string `json:"title"`
	} `json:"Account"`
	Metadata struct {
		Type            string `json:"type"`
		Title           string `json:"title"`
		GrandparentTitle string `json:"grandparentTitle"` // artist, for a track item
		ParentTitle     string `json:"parentTitle"`       // album
		Duration        int64  `json:"duration"`          // ms
		ViewOffset      int64  `json:"viewOffset"`        // ms, "scrobble" events report progress here
	} `json:"Metadata"`
}

// plexScrobbleEvents are the Plex webhook events that represent a
// completed-enough listen to scrobble, mirroring the official client's
// own scrobble threshold (media.scrobble fires once Plex's own
// watched-percentage is crossed, so multi-scrobbler trusts it directly
// rather than re-deriving the Memory source's progress heuristic).
var plexScrobbleEvents = map[string]bool{
	"media.scrobble": true,
}

func parsePlex(r *http.Request) (play.Play, error) {
	raw, err := extractPlexPayload(r)
	if err != nil {
		return play.Play{}, err
	}

	var body plexPayload
	if err := json.Unmarshal(raw, &body); err != nil {
		return play.Play{}, fmt.Errorf("plex: decode: %w", err)
	}

	if !strings.EqualFold(body.Metadata.Type, "track") {
		return play.Play{}, fmt.Errorf("plex: ignoring non-track event type %q", body.Metadata.Type)
	}
	if !plexScrobbleEvents[body.Event] {
		return play.Play{}, fmt.Errorf("plex: ignoring event %q", body.Event)
	}
	if body.Metadata.Title == "" || body.Metadata.GrandparentTitle == "" {
		return play.Play{}, fmt.Errorf("plex: missing track or artist")
	}

	p := play.Play{
		Track:    body.Metadata.Title,
		Artists:  []string{body.Metadata.GrandparentTitle},
		Album:    body.Metadata.ParentTitle,
		Duration: time.Duration(body.Metadata.Duration) * time.Millisecond,
		PlayDate: time.Now(),
		User:     body.Account.Title,
		NewFromSource: true,
	}
	return p.Normalize(), nil
}

// extractPlexPayload pulls the "payload" form field Plex's multipart
// webhook body carries, falling back to a bare JSON body for
// Tautulli-style forwarders that skip the multipart wrapper.
func extractPlexPayload(r *http.Request) ([]byte, error) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/") {
		reader, err := r.MultipartReader()
		if err != nil {
			return nil, fmt.Errorf("plex: multipart reader: %w", err)
		}
		for {
			part, err := reader.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("plex: multipart read: %w", err)
			}
			if part.FormName() == "payload" {
				return readPart(part)
			}
		}
		return nil, fmt.Errorf("plex: no payload field in multipart body")
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("plex: read body: %w", err)
	}
	return data, nil
}

func readPart(part *multipart.Part) ([]byte, error) {
	defer part.Close()
	return io.ReadAll(part)
}
