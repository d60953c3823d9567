package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run status values.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunWarning   = "warning"
	RunFailed    = "failed"
)

// CalibrationRun records one calibration operation and its outcome.
type CalibrationRun struct {
	RunID        string          `json:"run_id"`
	Kind         string          `json:"kind"`
	Status       string          `json:"status"`
	Cameras      int             `json:"cameras"`
	Samples      int             `json:"samples"`
	Iterations   int             `json:"iterations"`
	MeanError    float64         `json:"mean_error"`
	Converged    bool            `json:"converged"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ResultJSON   json.RawMessage `json:"result,omitempty"`
	CostPlot     string          `json:"cost_plot,omitempty"`
	StartedAt    int64           `json:"started_at"`
	FinishedAt   int64           `json:"finished_at,omitempty"`
}

// RunStore persists calibration runs.
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a RunStore.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// Start inserts a running record and returns it with a fresh id.
func (s *RunStore) Start(kind string, cameras, samples int) (*CalibrationRun, error) {
	run := &CalibrationRun{
		RunID:     uuid.New().String(),
		Kind:      kind,
		Status:    RunRunning,
		Cameras:   cameras,
		Samples:   samples,
		StartedAt: time.Now().UnixNano(),
	}
	err := retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO calibration_runs (run_id, kind, status, cameras, samples, started_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			run.RunID, run.Kind, run.Status, run.Cameras, run.Samples, run.StartedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert calibration run: %w", err)
	}
	return run, nil
}

// Finish stores the final state of run.
func (s *RunStore) Finish(run *CalibrationRun) error {
	if run.FinishedAt == 0 {
		run.FinishedAt = time.Now().UnixNano()
	}
	var result interface{}
	if len(run.ResultJSON) > 0 {
		result = string(run.ResultJSON)
	}
	return retryOnBusy(func() error {
		res, err := s.db.Exec(`
			UPDATE calibration_runs SET
				status = ?, iterations = ?, mean_error = ?, converged = ?,
				error_kind = ?, error_message = ?, result_json = ?, cost_plot = ?, finished_at = ?
			WHERE run_id = ?`,
			run.Status, run.Iterations, run.MeanError, run.Converged,
			nullString(run.ErrorKind), nullString(run.ErrorMessage), result, nullString(run.CostPlot), run.FinishedAt,
			run.RunID)
		if err != nil {
			return fmt.Errorf("update calibration run: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("calibration run %s not found", run.RunID)
		}
		return nil
	})
}

const runColumns = `run_id, kind, status, cameras, samples, iterations, mean_error, converged,
	error_kind, error_message, result_json, cost_plot, started_at, finished_at`

// Get returns a run by id.
func (s *RunStore) Get(runID string) (*CalibrationRun, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM calibration_runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("calibration run %s not found", runID)
	}
	return run, err
}

// List returns the most recent runs, newest first.
func (s *RunStore) List(limit int) ([]*CalibrationRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM calibration_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query calibration runs: %w", err)
	}
	defer rows.Close()
	var runs []*CalibrationRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*CalibrationRun, error) {
	var r CalibrationRun
	var meanErr sql.NullFloat64
	var errKind, errMsg, result, plot sql.NullString
	var finished sql.NullInt64
	err := row.Scan(&r.RunID, &r.Kind, &r.Status, &r.Cameras, &r.Samples, &r.Iterations, &meanErr, &r.Converged,
		&errKind, &errMsg, &result, &plot, &r.StartedAt, &finished)
	if err != nil {
		return nil, err
	}
	r.MeanError = meanErr.Float64
	r.ErrorKind = errKind.String
	r.ErrorMessage = errMsg.String
	r.CostPlot = plot.String
	r.FinishedAt = finished.Int64
	if result.Valid {
		r.ResultJSON = json.RawMessage(result.String)
	}
	return &r, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
