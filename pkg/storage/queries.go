package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dougsko/pcmhal/pkg/hal"
)

// EventQuery filters the stream event log
type EventQuery struct {
	Limit     int
	Offset    int
	Since     *time.Time
	StreamID  string
	Direction string // "playback", "capture", or "" for both
	Kind      hal.EventKind
}

// EventStats summarises the event log
type EventStats struct {
	TotalEvents    int       `json:"total_events"`
	TotalUnderruns int       `json:"total_underruns"`
	TotalErrors    int       `json:"total_errors"`
	LastCleanup    time.Time `json:"last_cleanup"`
}

// GetEvents returns events matching query, newest first
func (s *StateStore) GetEvents(query EventQuery) ([]hal.Event, error) {
	var args []interface{}

	sqlQuery := `
		SELECT timestamp, stream_id, direction, kind, profile, detail
		FROM stream_events
		WHERE 1=1
	`

	if query.Since != nil {
		sqlQuery += " AND timestamp >= ?"
		args = append(args, query.Since.UTC())
	}
	if query.StreamID != "" {
		sqlQuery += " AND stream_id = ?"
		args = append(args, query.StreamID)
	}
	if query.Direction != "" {
		sqlQuery += " AND direction = ?"
		args = append(args, query.Direction)
	}
	if query.Kind != "" {
		sqlQuery += " AND kind = ?"
		args = append(args, string(query.Kind))
	}

	sqlQuery += " ORDER BY id DESC"

	if query.Limit > 0 {
		sqlQuery += " LIMIT ?"
		args = append(args, query.Limit)

		if query.Offset > 0 {
			sqlQuery += " OFFSET ?"
			args = append(args, query.Offset)
		}
	}

	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []hal.Event
	for rows.Next() {
		var ev hal.Event
		var kind string
		if err := rows.Scan(&ev.Time, &ev.StreamID, &ev.Direction, &kind, &ev.Profile, &ev.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Kind = hal.EventKind(kind)
		events = append(events, ev)
	}

	return events, rows.Err()
}

// RecentEvents returns the newest limit events
func (s *StateStore) RecentEvents(limit int) ([]hal.Event, error) {
	return s.GetEvents(EventQuery{Limit: limit})
}

// EventsForStream returns every event of one stream, newest first
func (s *StateStore) EventsForStream(streamID string) ([]hal.Event, error) {
	return s.GetEvents(EventQuery{StreamID: streamID})
}

// GetEventStats returns the running event counters
func (s *StateStore) GetEventStats() (*EventStats, error) {
	var stats EventStats
	var lastCleanup sql.NullTime

	err := s.db.QueryRow(`
		SELECT total_events, total_underruns, total_errors, last_cleanup
		FROM event_stats WHERE id = 1
	`).Scan(&stats.TotalEvents, &stats.TotalUnderruns, &stats.TotalErrors, &lastCleanup)
	if err != nil {
		return nil, fmt.Errorf("failed to get event stats: %w", err)
	}

	if lastCleanup.Valid {
		stats.LastCleanup = lastCleanup.Time
	}
	return &stats, nil
}

// GetEventCount returns the number of events in the log
func (s *StateStore) GetEventCount() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM stream_events").Scan(&count)
	return count, err
}
