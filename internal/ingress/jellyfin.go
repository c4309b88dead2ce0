package ingress

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/multiscrobbler/multiscrobbler/internal/play"
)

// jellyfinPayload mirrors Jellyfin's webhook plugin body with "Send All
// Properties" enabled (spec §6 requires this upstream setting; without
// it, NotificationType/ItemType are absent and the payload is rejected
// below). Jellyfin always posts application/json.
type jellyfinPayload struct {
	NotificationType string `json:"NotificationType"`
	ItemType         string `json:"ItemType"`
	Name             string `json:"Name"`
	Artist           string `json:"Artist"`
	Album            string `json:"Album"`
	RunTimeTicks     int64  `json:"RunTimeTicks"` // 100ns units
	NotificationUser string `json:"NotificationUsername"`
	DeviceId         string `json:"DeviceId"`
}

// jellyfinScrobbleTypes are the notification types that represent a
// completed-enough listen, matching the plugin's own "Playback Stop" and
// "Playback Progress with playback not paused" reports that cross its
// configurable scrobble threshold.
var jellyfinScrobbleTypes = map[string]bool{
	"PlaybackStop":     true,
	"PlaybackProgress": true,
}

const ticksPerSecond = 10_000_000 // Jellyfin's RunTimeTicks are 100ns units

func parseJellyfin(r *http.Request) (play.Play, error) {
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		return play.Play{}, fmt.Errorf("jellyfin: requires Content-Type: application/json, got %q", ct)
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return play.Play{}, fmt.Errorf("jellyfin: read body: %w", err)
	}

	var body jellyfinPayload
	if err := json.Unmarshal(data, &body); err != nil {
		return play.Play{}, fmt.Errorf("jellyfin: decode: %w", err)
	}

	if !strings.EqualFold(body.ItemType, "Audio") {
		return play.Play{}, fmt.Errorf("jellyfin: ignoring non-audio item type %q", body.ItemType)
	}
	if !jellyfinScrobbleTypes[body.NotificationType] {
		return play.Play{}, fmt.Errorf("jellyfin: ignoring notification type %q", body.NotificationType)
	}
	if body.Name == "" || body.Artist == "" {
		return play.Play{}, fmt.Errorf("jellyfin: missing track or artist; enable \"Send All Properties\" in the webhook plugin")
	}

	p := play.Play{
		Track:         body.Name,
		Artists:       []string{body.Artist},
		Album:         body.Album,
		Duration:      time.Duration(body.RunTimeTicks/ticksPerSecond) * time.Second,
		PlayDate:      time.Now(),
		User:          body.NotificationUser,
		DeviceID:      body.DeviceId,
		NewFromSource: true,
	}
	return p.Normalize(), nil
}
