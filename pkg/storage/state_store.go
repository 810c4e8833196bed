package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dougsko/pcmhal/pkg/hal"
	"github.com/dougsko/pcmhal/pkg/logging"
	_ "github.com/mattn/go-sqlite3"
)

// StateStore persists the device routing state and a log of stream events
type StateStore struct {
	db        *sql.DB
	dbPath    string
	maxEvents int
}

// NewStateStore opens or creates the SQLite database at dbPath
func NewStateStore(dbPath string, maxEvents int) (*StateStore, error) {
	store := &StateStore{
		dbPath:    dbPath,
		maxEvents: maxEvents,
	}

	if err := store.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize state store: %w", err)
	}

	return store, nil
}

func (s *StateStore) initialize() error {
	if s.dbPath == "" {
		s.dbPath = "./pcmhal.db"
	}

	if err := os.MkdirAll(filepath.Dir(s.dbPath), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	connectionString := s.dbPath + "?_busy_timeout=10000&_journal_mode=WAL&_foreign_keys=on"

	db, err := sql.Open("sqlite3", connectionString)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	s.db = db

	if err := s.createTables(); err != nil {
		db.Close()
		return fmt.Errorf("failed to create tables: %w", err)
	}

	if err := s.createIndexes(); err != nil {
		db.Close()
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	logging.Info("storage", "state store initialized", logging.Fields{"path": s.dbPath, "max_events": s.maxEvents})
	return nil
}

func (s *StateStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS device_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		output_device INTEGER NOT NULL,
		input_device INTEGER NOT NULL,
		orientation TEXT NOT NULL DEFAULT 'undefined',
		screen_off BOOLEAN NOT NULL DEFAULT FALSE,
		mic_mute BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS stream_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		stream_id TEXT NOT NULL,
		direction TEXT NOT NULL CHECK (direction IN ('playback', 'capture')),
		kind TEXT NOT NULL,
		profile TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS event_stats (
		id INTEGER PRIMARY KEY,
		total_events INTEGER NOT NULL DEFAULT 0,
		total_underruns INTEGER NOT NULL DEFAULT 0,
		total_errors INTEGER NOT NULL DEFAULT 0,
		last_cleanup DATETIME,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	INSERT OR IGNORE INTO event_stats (id, total_events, total_underruns, total_errors)
	VALUES (1, 0, 0, 0);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *StateStore) createIndexes() error {
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_stream_events_timestamp ON stream_events(timestamp DESC)",
		"CREATE INDEX IF NOT EXISTS idx_stream_events_stream_id ON stream_events(stream_id)",
		"CREATE INDEX IF NOT EXISTS idx_stream_events_kind ON stream_events(kind)",
	}

	for _, indexSQL := range indexes {
		if _, err := s.db.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// SaveState replaces the persisted device state
func (s *StateStore) SaveState(st hal.State) error {
	_, err := s.db.Exec(`
		INSERT INTO device_state (id, output_device, input_device, orientation, screen_off, mic_mute, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			output_device = excluded.output_device,
			input_device = excluded.input_device,
			orientation = excluded.orientation,
			screen_off = excluded.screen_off,
			mic_mute = excluded.mic_mute,
			updated_at = CURRENT_TIMESTAMP
	`, uint32(st.OutputDevice), uint32(st.InputDevice), st.Orientation.String(), st.ScreenOff, st.MicMute)
	if err != nil {
		return fmt.Errorf("failed to save device state: %w", err)
	}
	return nil
}

// LoadState returns the persisted device state. ok is false when nothing has been saved yet.
func (s *StateStore) LoadState() (st hal.State, ok bool, err error) {
	var out, in uint32
	var orientation string

	err = s.db.QueryRow(`
		SELECT output_device, input_device, orientation, screen_off, mic_mute
		FROM device_state WHERE id = 1
	`).Scan(&out, &in, &orientation, &st.ScreenOff, &st.MicMute)
	if err == sql.ErrNoRows {
		return hal.State{}, false, nil
	}
	if err != nil {
		return hal.State{}, false, fmt.Errorf("failed to load device state: %w", err)
	}

	st.OutputDevice = hal.DeviceMask(out)
	st.InputDevice = hal.DeviceMask(in)
	st.Orientation = hal.ParseOrientation(orientation)
	return st, true, nil
}

// RecordEvent appends a stream event and trims the log to the configured maximum
func (s *StateStore) RecordEvent(ev hal.Event) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err = tx.Exec(`
		INSERT INTO stream_events (timestamp, stream_id, direction, kind, profile, detail)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ts.UTC(), ev.StreamID, ev.Direction, string(ev.Kind), ev.Profile, ev.Detail)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	if err := s.updateStats(tx, ev.Kind); err != nil {
		return fmt.Errorf("failed to update stats: %w", err)
	}

	if err := s.cleanupOldEvents(tx); err != nil {
		logging.Warn("storage", "failed to cleanup old events", logging.Fields{"error": err})
	}

	return tx.Commit()
}

func (s *StateStore) updateStats(tx *sql.Tx, kind hal.EventKind) error {
	isError := kind == hal.EventTransportError || kind == hal.EventPullError || kind == hal.EventOpenFailed
	_, err := tx.Exec(`
		UPDATE event_stats SET
			total_events = total_events + 1,
			total_underruns = CASE WHEN ? THEN total_underruns + 1 ELSE total_underruns END,
			total_errors = CASE WHEN ? THEN total_errors + 1 ELSE total_errors END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = 1
	`, kind == hal.EventUnderrun, isError)
	return err
}

// Cleanup trims the event log to the configured maximum
func (s *StateStore) Cleanup() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.cleanupOldEvents(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *StateStore) cleanupOldEvents(tx *sql.Tx) error {
	if s.maxEvents <= 0 {
		return nil
	}

	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM stream_events").Scan(&count); err != nil {
		return err
	}
	if count <= s.maxEvents {
		return nil
	}

	_, err := tx.Exec(`
		DELETE FROM stream_events
		WHERE id IN (
			SELECT id FROM stream_events
			ORDER BY id ASC
			LIMIT ?
		)
	`, count-s.maxEvents)
	if err != nil {
		return err
	}

	_, err = tx.Exec("UPDATE event_stats SET last_cleanup = CURRENT_TIMESTAMP WHERE id = 1")
	return err
}

func (s *StateStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
