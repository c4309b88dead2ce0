package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/multiscrobbler/multiscrobbler/internal/play"
)

// SaveDeadLetter upserts one dead-letter entry for clientName, so a
// restart resumes retrying it instead of silently dropping it.
func (s *Store) SaveDeadLetter(clientName string, d play.DeadLetterScrobble) error {
	playJSON, err := json.Marshal(d.QueuedScrobble.Play)
	if err != nil {
		return fmt.Errorf("store: marshal dead letter play: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO dead_letter_scrobbles
			(id, client_name, source_name, play_json, retries, error, last_retry, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			retries = excluded.retries,
			error = excluded.error,
			last_retry = excluded.last_retry
	`,
		d.QueuedScrobble.ID, clientName, d.QueuedScrobble.SourceName, string(playJSON),
		d.Retries, d.Error, d.LastRetry.Unix(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: save dead letter: %w", err)
	}
	return nil
}

// LoadDeadLetters returns every dead-letter entry stored for clientName,
// oldest first, for rehydrating a client's in-memory dead-letter queue
// on startup.
func (s *Store) LoadDeadLetters(clientName string) ([]play.DeadLetterScrobble, error) {
	rows, err := s.db.Query(`
		SELECT id, source_name, play_json, retries, error, last_retry
		FROM dead_letter_scrobbles
		WHERE client_name = ?
		ORDER BY created_at ASC
	`, clientName)
	if err != nil {
		return nil, fmt.Errorf("store: load dead letters: %w", err)
	}
	defer rows.Close()

	var out []play.DeadLetterScrobble
	for rows.Next() {
		var id, sourceName, playJSON string
		var retries int
		var lastError sql.NullString
		var lastRetry int64

		if err := rows.Scan(&id, &sourceName, &playJSON, &retries, &lastError, &lastRetry); err != nil {
			return nil, fmt.Errorf("store: scan dead letter: %w", err)
		}

		var p play.Play
		if err := json.Unmarshal([]byte(playJSON), &p); err != nil {
			return nil, fmt.Errorf("store: unmarshal dead letter play: %w", err)
		}

		out = append(out, play.DeadLetterScrobble{
			QueuedScrobble: play.QueuedScrobble{ID: id, SourceName: sourceName, Play: p},
			Retries:        retries,
			Error:          lastError.String,
			LastRetry:      time.Unix(lastRetry, 0),
		})
	}
	return out, rows.Err()
}

// DeleteDeadLetter removes one entry, called once it finally scrobbles
// or is abandoned permanently.
func (s *Store) DeleteDeadLetter(clientName, id string) error {
	_, err := s.db.Exec(`DELETE FROM dead_letter_scrobbles WHERE client_name = ? AND id = ?`, clientName, id)
	if err != nil {
		return fmt.Errorf("store: delete dead letter: %w", err)
	}
	return nil
}
