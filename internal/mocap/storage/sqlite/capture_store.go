package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang/geo/r2"
	"github.com/google/uuid"

	"github.com/banshee-data/mocap/internal/mocap"
)

// CaptureSet is a persisted calibration capture: Samples[s][c] is camera
// c's observation of the calibration marker at sample s.
type CaptureSet struct {
	SetID     string
	Samples   [][]mocap.Observation
	CreatedAt time.Time
}

// CaptureStore persists captured correspondence sets.
type CaptureStore struct {
	db *sql.DB
}

// NewCaptureStore creates a CaptureStore.
func NewCaptureStore(db *sql.DB) *CaptureStore {
	return &CaptureStore{db: db}
}

// EncodeSamples renders samples as nested [x, y] pairs with null for an
// absent observation.
func EncodeSamples(samples [][]mocap.Observation) ([]byte, error) {
	out := make([][]*[2]float64, len(samples))
	for s, row := range samples {
		out[s] = make([]*[2]float64, len(row))
		for c, o := range row {
			if o.Present {
				out[s][c] = &[2]float64{o.Point.X, o.Point.Y}
			}
		}
	}
	return json.Marshal(out)
}

// DecodeSamples is the inverse of EncodeSamples.
func DecodeSamples(data []byte) ([][]mocap.Observation, error) {
	var raw [][]*[2]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode capture samples: %w", err)
	}
	out := make([][]mocap.Observation, len(raw))
	for s, row := range raw {
		out[s] = make([]mocap.Observation, len(row))
		for c, p := range row {
			if p != nil {
				out[s][c] = mocap.Seen(r2.Point{X: p[0], Y: p[1]})
			}
		}
	}
	return out, nil
}

// Save stores samples and returns the new set id.
func (s *CaptureStore) Save(samples [][]mocap.Observation) (string, error) {
	data, err := EncodeSamples(samples)
	if err != nil {
		return "", err
	}
	cameras := 0
	if len(samples) > 0 {
		cameras = len(samples[0])
	}
	id := uuid.New().String()
	err = retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO capture_sets (set_id, cameras, samples, points_json, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			id, cameras, len(samples), string(data), time.Now().UnixNano())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert capture set: %w", err)
	}
	return id, nil
}

// Get loads a capture set by id.
func (s *CaptureStore) Get(setID string) (*CaptureSet, error) {
	return s.load(s.db.QueryRow(`SELECT set_id, points_json, created_at FROM capture_sets WHERE set_id = ?`, setID))
}

// Latest loads the most recently saved capture set.
func (s *CaptureStore) Latest() (*CaptureSet, error) {
	return s.load(s.db.QueryRow(`SELECT set_id, points_json, created_at FROM capture_sets ORDER BY created_at DESC LIMIT 1`))
}

func (s *CaptureStore) load(row *sql.Row) (*CaptureSet, error) {
	var set CaptureSet
	var data string
	var created int64
	if err := row.Scan(&set.SetID, &data, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("capture set not found")
		}
		return nil, fmt.Errorf("scan capture set: %w", err)
	}
	samples, err := DecodeSamples([]byte(data))
	if err != nil {
		return nil, err
	}
	set.Samples = samples
	set.CreatedAt = time.Unix(0, created)
	return &set, nil
}
