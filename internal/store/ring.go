package store

import (
	"encoding/json"
	"fmt"

	"github.com/multiscrobbler/multiscrobbler/internal/play"
)

// SaveRingSnapshot replaces sourceName's durable ring-buffer snapshot
// with items, in order. Called periodically (not on every discovery
// tick) so a restart doesn't immediately re-discover and re-enqueue the
// last N plays a source had already processed.
func (s *Store) SaveRingSnapshot(sourceName string, items []play.Play) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin ring snapshot tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	if _, err := tx.Exec(`DELETE FROM source_ring_snapshot WHERE source_name = ?`, sourceName); err != nil {
		return fmt.Errorf("store: clear ring snapshot: %w", err)
	}

	for i, p := range items {
		playJSON, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("store: marshal ring item: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO source_ring_snapshot (source_name, position, play_json) VALUES (?, ?, ?)
		`, sourceName, i, string(playJSON)); err != nil {
			return fmt.Errorf("store: insert ring item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit ring snapshot: %w", err)
	}
	return nil
}

// LoadRingSnapshot returns sourceName's last saved ring-buffer contents,
// in their original order, for seeding a Source's Ring on startup.
func (s *Store) LoadRingSnapshot(sourceName string) ([]play.Play, error) {
	rows, err := s.db.Query(`
		SELECT play_json FROM source_ring_snapshot WHERE source_name = ? ORDER BY position ASC
	`, sourceName)
	if err != nil {
		return nil, fmt.Errorf("store: load ring snapshot: %w", err)
	}
	defer rows.Close()

	var out []play.Play
	for rows.Next() {
		var playJSON string
		if err := rows.Scan(&playJSON); err != nil {
			return nil, fmt.Errorf("store: scan ring item: %w", err)
		}
		var p play.Play
		if err := json.Unmarshal([]byte(playJSON), &p); err != nil {
			return nil, fmt.Errorf("store: unmarshal ring item: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
