package store

import (
	"database/sql"
	"fmt"
	"time"
)

const timeFmt = "2006-01-02T15:04:05Z"

// Run is one task execution in a chat session.
type Run struct {
	RunID      string
	ChatID     int64
	UserID     int64
	TaskID     int
	Kind       string // command, sudo, download, keyauth
	Label      string
	State      string
	ExitCode   *int
	Error      *string
	StartedAt  time.Time
	FinishedAt *time.Time
}

func (s *Store) CreateRun(r *Run) error {
	if r.State == "" {
		r.State = "running"
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO runs (run_id, chat_id, user_id, task_id, kind, label, state, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.ChatID, r.UserID, r.TaskID, r.Kind, r.Label, r.State, r.StartedAt.UTC().Format(timeFmt))
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// FinishRun records the terminal state of a run.
func (s *Store) FinishRun(runID, state string, exitCode *int, errMsg *string) error {
	now := time.Now().UTC().Format(timeFmt)
	res, err := s.db.Exec("UPDATE runs SET state = ?, exit_code = ?, error = ?, finished_at = ? WHERE run_id = ?",
		state, exitCode, errMsg, now, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run: %s not found", runID)
	}
	return nil
}

func (s *Store) GetRun(runID string) (*Run, error) {
	rows, err := s.db.Query(`SELECT run_id, chat_id, user_id, task_id, kind, label, state, exit_code, error,
		started_at, finished_at FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	defer rows.Close()
	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return runs[0], nil
}

// RecentRuns returns up to n runs of one session, newest first.
func (s *Store) RecentRuns(chatID, userID int64, n int) ([]*Run, error) {
	rows, err := s.db.Query(`SELECT run_id, chat_id, user_id, task_id, kind, label, state, exit_code, error,
		started_at, finished_at
		FROM runs WHERE chat_id = ? AND user_id = ? ORDER BY started_at DESC, rowid DESC LIMIT ?`, chatID, userID, n)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// MarkAbandoned closes out runs still marked running, e.g. after a crash.
func (s *Store) MarkAbandoned() (int64, error) {
	now := time.Now().UTC().Format(timeFmt)
	res, err := s.db.Exec("UPDATE runs SET state = 'abandoned', finished_at = ? WHERE state = 'running'", now)
	if err != nil {
		return 0, fmt.Errorf("mark abandoned: %w", err)
	}
	return res.RowsAffected()
}

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		r := &Run{}
		var startedAt string
		var finishedAt *string
		var exitCode sql.NullInt64
		if err := rows.Scan(&r.RunID, &r.ChatID, &r.UserID, &r.TaskID, &r.Kind, &r.Label, &r.State,
			&exitCode, &r.Error, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			r.ExitCode = &code
		}
		r.StartedAt = parseTime(startedAt)
		r.FinishedAt = parseTimePtr(finishedAt)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func parseTime(s string) time.Time {
	for _, fmt := range []string{timeFmt, "2006-01-02 15:04:05", time.RFC3339} {
		if t, err := time.Parse(fmt, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func parseTimePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t := parseTime(*s)
	if t.IsZero() {
		return nil
	}
	return &t
}
