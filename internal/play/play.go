// Package play defines the canonical Play record and the small set of
// value types that travel with it through the scrobble pipeline: the
// source ring buffer, the client queue, and the dead-letter queue.
package play

import (
	"strings"
	"time"
)

// URLs holds optional web/platform links associated with a Play.
type URLs struct {
	Web string
}

// Play is a single listen event as it moves through the pipeline.
//
// A Play is immutable once it has been enqueued toward a client:
// transforms that run on the client side (compare, postCompare) must
// produce a new Play rather than mutate the one already visible upstream.
// Callers that need to mutate in place should do so only before the Play
// has left the component that created it.
type Play struct {
	Track        string
	Artists      []string // ordered; Artists[0] is primary
	AlbumArtists []string // only meaningful if it differs from Artists
	Album        string
	Duration     time.Duration // 0 means unset
	PlayDate     time.Time
	ListenedFor  time.Duration // 0 means unset; always <= Duration when set

	Source        string // symbolic name of the originating adapter
	TrackID       string // platform-specific opaque id
	DeviceID      string
	User          string
	URL           URLs
	NewFromSource bool // true if observed live rather than backlogged
}

// Clone returns a deep copy of p. Because Artists/AlbumArtists are slices,
// a shallow copy would let a downstream mutation of one client's queue
// leak into another's; Clone is what the event bus and per-client queues
// use to hand out independent copies.
func (p Play) Clone() Play {
	cp := p
	if p.Artists != nil {
		cp.Artists = append([]string(nil), p.Artists...)
	}
	if p.AlbumArtists != nil {
		cp.AlbumArtists = append([]string(nil), p.AlbumArtists...)
	}
	return cp
}

// Normalize removes any field that has been reduced to the empty string
// or empty slice, per the "empty means unset" invariant. It also drops
// AlbumArtists when it is identical to Artists, since the field is only
// meaningful when it differs.
func (p Play) Normalize() Play {
	cp := p.Clone()
	if sameArtists(cp.AlbumArtists, cp.Artists) {
		cp.AlbumArtists = nil
	}
	var kept []string
	for _, a := range cp.Artists {
		if strings.TrimSpace(a) != "" {
			kept = append(kept, a)
		}
	}
	cp.Artists = kept
	var keptAlbumArtists []string
	for _, a := range cp.AlbumArtists {
		if strings.TrimSpace(a) != "" {
			keptAlbumArtists = append(keptAlbumArtists, a)
		}
	}
	cp.AlbumArtists = keptAlbumArtists
	return cp
}

func sameArtists(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Valid reports whether p satisfies the minimum invariants a Play must
// have to leave a source: a non-empty track title and at least one artist.
func (p Play) Valid() bool {
	return p.Track != "" && len(p.Artists) > 0
}

// PrimaryArtist returns the first artist, or "" if there are none.
func (p Play) PrimaryArtist() string {
	if len(p.Artists) == 0 {
		return ""
	}
	return p.Artists[0]
}

// QueuedScrobble is a Play waiting in a client's worker queue.
type QueuedScrobble struct {
	ID         string
	SourceName string
	Play       Play
}

// DeadLetterScrobble is a QueuedScrobble that failed non-fatally and is
// pending retry.
type DeadLetterScrobble struct {
	QueuedScrobble
	Retries   int
	Error     string
	LastRetry time.Time
}

// ScrobbledPlayObject records one of a client's own successful scrobbles,
// kept in a bounded ring for local dedup.
type ScrobbledPlayObject struct {
	Play     Play
	Scrobble Play // whatever the upstream returned, normalized into a Play
}
