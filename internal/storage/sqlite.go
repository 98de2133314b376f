package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mpataki/simlaunch/internal/models"
	_ "modernc.org/sqlite"
)

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	// kill and status run in other processes while a launch is writing.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		completed_at TIMESTAMP,
		session_name TEXT NOT NULL,
		workspace_path TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		error TEXT,
		pid INTEGER
	);

	CREATE TABLE IF NOT EXISTS executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES runs(id),
		step_id TEXT NOT NULL,
		entity TEXT,
		kind TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		exit_code INTEGER,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		sequence_num INTEGER NOT NULL,
		pid INTEGER,
		UNIQUE(run_id, step_id)
	);

	CREATE TABLE IF NOT EXISTS entity_states (
		run_id INTEGER NOT NULL REFERENCES runs(id),
		entity TEXT NOT NULL,
		state TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (run_id, entity)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_executions_run ON executions(run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Storage) CreateRun(run *models.Run) (int64, error) {
	result, err := s.db.Exec(
		`INSERT INTO runs (session_name, workspace_path, status, error, pid)
		 VALUES (?, ?, ?, ?, ?)`,
		run.SessionName, run.WorkspacePath, run.Status, run.Error, run.LauncherPID,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

const runColumns = `id, created_at, completed_at, session_name, workspace_path, status, error, pid`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*models.Run, error) {
	var run models.Run
	var completedAt sql.NullTime
	var runErr sql.NullString
	var pid sql.NullInt64

	err := row.Scan(
		&run.ID, &run.CreatedAt, &completedAt, &run.SessionName,
		&run.WorkspacePath, &run.Status, &runErr, &pid,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if runErr.Valid {
		run.Error = runErr.String
	}
	if pid.Valid {
		p := int(pid.Int64)
		run.LauncherPID = &p
	}
	return &run, nil
}

func (s *Storage) GetRun(id int64) (*models.Run, error) {
	return scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
}

func (s *Storage) UpdateRun(run *models.Run) error {
	_, err := s.db.Exec(
		`UPDATE runs SET completed_at = ?, status = ?, workspace_path = ?, error = ?, pid = ? WHERE id = ?`,
		run.CompletedAt, run.Status, run.WorkspacePath, run.Error, run.LauncherPID, run.ID,
	)
	return err
}

func (s *Storage) ListRuns(limit int) ([]*models.Run, error) {
	rows, err := s.db.Query(
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

func (s *Storage) CreateExecution(exec *models.Execution) (int64, error) {
	result, err := s.db.Exec(
		`INSERT INTO executions (run_id, step_id, entity, kind, status, exit_code, started_at, completed_at, sequence_num, pid)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.RunID, exec.StepID, exec.Entity, exec.Kind, exec.Status,
		exec.ExitCode, exec.StartedAt, exec.CompletedAt, exec.SequenceNum, exec.PID,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Storage) GetExecutionsForRun(runID int64) ([]*models.Execution, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, step_id, entity, kind, status, exit_code, started_at, completed_at, sequence_num, pid
		 FROM executions WHERE run_id = ? ORDER BY sequence_num`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*models.Execution
	for rows.Next() {
		var exec models.Execution
		var entity sql.NullString
		var exitCode, pid sql.NullInt64
		var startedAt, completedAt sql.NullTime

		err := rows.Scan(
			&exec.ID, &exec.RunID, &exec.StepID, &entity, &exec.Kind, &exec.Status,
			&exitCode, &startedAt, &completedAt, &exec.SequenceNum, &pid,
		)
		if err != nil {
			return nil, err
		}

		if entity.Valid {
			exec.Entity = entity.String
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			exec.ExitCode = &code
		}
		if startedAt.Valid {
			exec.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			exec.CompletedAt = &completedAt.Time
		}
		if pid.Valid {
			p := int(pid.Int64)
			exec.PID = &p
		}

		execs = append(execs, &exec)
	}

	return execs, rows.Err()
}

// GetRunningExecutionsForRun returns every execution still marked running.
// A session keeps several processes alive at once.
func (s *Storage) GetRunningExecutionsForRun(runID int64) ([]*models.Execution, error) {
	execs, err := s.GetExecutionsForRun(runID)
	if err != nil {
		return nil, err
	}
	var running []*models.Execution
	for _, exec := range execs {
		if exec.Status == models.ExecStatusRunning {
			running = append(running, exec)
		}
	}
	return running, nil
}

func (s *Storage) UpdateExecutionPID(execID int64, pid int) error {
	_, err := s.db.Exec(`UPDATE executions SET pid = ? WHERE id = ?`, pid, execID)
	return err
}

func (s *Storage) UpdateExecution(exec *models.Execution) error {
	_, err := s.db.Exec(
		`UPDATE executions SET status = ?, exit_code = ?, started_at = ?, completed_at = ?, pid = ?
		 WHERE id = ?`,
		exec.Status, exec.ExitCode, exec.StartedAt, exec.CompletedAt, exec.PID, exec.ID,
	)
	return err
}

func (s *Storage) SetEntityState(runID int64, entity string, state models.EntityState) error {
	_, err := s.db.Exec(
		`INSERT INTO entity_states (run_id, entity, state, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(run_id, entity) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		runID, entity, state, time.Now(),
	)
	return err
}

func (s *Storage) GetEntityStates(runID int64) ([]*models.EntityRecord, error) {
	rows, err := s.db.Query(
		`SELECT run_id, entity, state, updated_at FROM entity_states WHERE run_id = ? ORDER BY entity`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.EntityRecord
	for rows.Next() {
		var rec models.EntityRecord
		if err := rows.Scan(&rec.RunID, &rec.Entity, &rec.State, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func (s *Storage) DeleteRun(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM entity_states WHERE run_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM executions WHERE run_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM runs WHERE id = ?`, id); err != nil {
		return err
	}

	return tx.Commit()
}

// FormatTimeAgo renders t relative to now for list output.
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
