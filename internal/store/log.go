package store

import (
	"fmt"
	"time"
)

// LogEntry is one lifecycle event of a run (stop requested, killed, ...).
type LogEntry struct {
	ID        int64
	RunID     string
	Timestamp time.Time
	Event     string
	Detail    *string
}

func (s *Store) AppendLog(runID, event string, detail *string) error {
	_, err := s.db.Exec("INSERT INTO run_log (run_id, event, detail) VALUES (?, ?, ?)", runID, event, detail)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

func (s *Store) ListLogByRun(runID string) ([]*LogEntry, error) {
	rows, err := s.db.Query(`SELECT id, run_id, timestamp, event, detail
		FROM run_log WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list log by run: %w", err)
	}
	defer rows.Close()
	var entries []*LogEntry
	for rows.Next() {
		e := &LogEntry{}
		var ts string
		if err := rows.Scan(&e.ID, &e.RunID, &ts, &e.Event, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.Timestamp = parseTime(ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
