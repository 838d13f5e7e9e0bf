package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sharpctl/internal/model"

	"github.com/google/uuid"
)

// CurrentVersion tags stored runs. Loads reject any other version: older
// formats carried accumulated-grid timestamps that no longer match the
// index-multiplied grids, newer ones are unknown.
const CurrentVersion = 2

// ErrUnsupportedVersion is returned when a stored run was written by an
// incompatible version of the tool.
var ErrUnsupportedVersion = errors.New("stored run has unsupported version")

// StoredRun is one persisted analysis run. Thumbnails are never stored; they
// are regenerated from the video when needed.
type StoredRun struct {
	ID        string
	VideoPath string
	Version   int
	Params    model.AnalysisParams
	Samples   []model.FrameSample
	Selected  []model.FrameSample
	CreatedAt time.Time
}

// RunRepository persists analysis runs keyed by video path.
type RunRepository struct {
	db *DB
}

// NewRunRepository creates a new SQLite run repository.
func NewRunRepository(db *DB) *RunRepository {
	return &RunRepository{db: db}
}

// Save stores a completed run, replacing any previous run for the same video
// path. Only timestamps and scores of the two series are persisted.
func (r *RunRepository) Save(videoPath string, params model.AnalysisParams, result *model.AnalysisResult) (string, error) {
	r.db.Lock()
	defer r.db.Unlock()

	tx, err := r.db.Conn().Begin()
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM runs WHERE video_path = ?`, videoPath); err != nil {
		return "", fmt.Errorf("failed to delete previous run: %w", err)
	}

	id := uuid.NewString()
	_, err = tx.Exec(`
		INSERT INTO runs (id, video_path, version, interval_sec, window_sec, step_sec, sample_step_sec, algorithm)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, videoPath, CurrentVersion, params.IntervalSec, params.SearchWindowSec,
		params.SearchStepSec, params.SampleStepSec, params.Algorithm.String())
	if err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}

	if err := insertSeries(tx, "samples", id, result.AllSamples); err != nil {
		return "", err
	}
	if err := insertSeries(tx, "selections", id, result.SelectedFrames); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit run: %w", err)
	}
	return id, nil
}

func insertSeries(tx *sql.Tx, table, runID string, series []model.FrameSample) error {
	stmt, err := tx.Prepare(fmt.Sprintf(`INSERT INTO %s (run_id, seq, time_sec, sharpness) VALUES (?, ?, ?, ?)`, table))
	if err != nil {
		return fmt.Errorf("failed to prepare %s insert: %w", table, err)
	}
	defer stmt.Close()

	for i, s := range series {
		if _, err := stmt.Exec(runID, i, s.Time, s.Sharpness); err != nil {
			return fmt.Errorf("failed to insert into %s: %w", table, err)
		}
	}
	return nil
}

// Load retrieves the stored run for a video path, or nil if none exists.
func (r *RunRepository) Load(videoPath string) (*StoredRun, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	run := StoredRun{VideoPath: videoPath}
	var algorithm string
	err := r.db.Conn().QueryRow(`
		SELECT id, version, interval_sec, window_sec, step_sec, sample_step_sec, algorithm, created_at
		FROM runs WHERE video_path = ?
	`, videoPath).Scan(&run.ID, &run.Version, &run.Params.IntervalSec, &run.Params.SearchWindowSec,
		&run.Params.SearchStepSec, &run.Params.SampleStepSec, &algorithm, &run.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	if run.Version != CurrentVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, run.Version, CurrentVersion)
	}

	if run.Params.Algorithm, err = model.ParseAlgorithm(algorithm); err != nil {
		return nil, fmt.Errorf("failed to parse stored run: %w", err)
	}

	if run.Samples, err = r.loadSeries("samples", run.ID, false); err != nil {
		return nil, err
	}
	if run.Selected, err = r.loadSeries("selections", run.ID, true); err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *RunRepository) loadSeries(table, runID string, selected bool) ([]model.FrameSample, error) {
	rows, err := r.db.Conn().Query(
		fmt.Sprintf(`SELECT time_sec, sharpness FROM %s WHERE run_id = ? ORDER BY seq`, table), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var series []model.FrameSample
	for rows.Next() {
		s := model.FrameSample{Selected: selected}
		if err := rows.Scan(&s.Time, &s.Sharpness); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		series = append(series, s)
	}
	return series, rows.Err()
}

// Delete removes the stored run for a video path, if any.
func (r *RunRepository) Delete(videoPath string) error {
	r.db.Lock()
	defer r.db.Unlock()

	if _, err := r.db.Conn().Exec(`DELETE FROM runs WHERE video_path = ?`, videoPath); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return nil
}
