package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/multiscrobbler/multiscrobbler/internal/play"
)

// SaveRecentScrobbles replaces clientName's cached recentScrobbles
// snapshot (the upstream "recently scrobbled" pull used by the fuzzy
// existing-scrobble check). Caching this means a client doesn't have to
// refetch it from the upstream API on every restart before it can
// safely resume.
func (s *Store) SaveRecentScrobbles(clientName string, items []play.Play) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin recent cache tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	if _, err := tx.Exec(`DELETE FROM client_recent_scrobbles_cache WHERE client_name = ?`, clientName); err != nil {
		return fmt.Errorf("store: clear recent cache: %w", err)
	}

	now := time.Now().Unix()
	for i, p := range items {
		playJSON, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("store: marshal recent item: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO client_recent_scrobbles_cache (client_name, position, play_json, fetched_at)
			VALUES (?, ?, ?, ?)
		`, clientName, i, string(playJSON), now); err != nil {
			return fmt.Errorf("store: insert recent item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit recent cache: %w", err)
	}
	return nil
}

// LoadRecentScrobbles returns clientName's cached recent-scrobbles
// snapshot along with the time it was fetched, so callers can decide
// whether it's stale enough to refresh immediately.
func (s *Store) LoadRecentScrobbles(clientName string) ([]play.Play, time.Time, error) {
	rows, err := s.db.Query(`
		SELECT play_json, fetched_at FROM client_recent_scrobbles_cache
		WHERE client_name = ? ORDER BY position ASC
	`, clientName)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("store: load recent cache: %w", err)
	}
	defer rows.Close()

	var out []play.Play
	var fetchedAt int64
	for rows.Next() {
		var playJSON string
		if err := rows.Scan(&playJSON, &fetchedAt); err != nil {
			return nil, time.Time{}, fmt.Errorf("store: scan recent item: %w", err)
		}
		var p play.Play
		if err := json.Unmarshal([]byte(playJSON), &p); err != nil {
			return nil, time.Time{}, fmt.Errorf("store: unmarshal recent item: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, err
	}

	var fetched time.Time
	if fetchedAt != 0 {
		fetched = time.Unix(fetchedAt, 0)
	}
	return out, fetched, nil
}
