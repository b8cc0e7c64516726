package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session modes.
const (
	ModeMeasure   = "measure"
	ModeCalibrate = "calibrate"
)

// ErrNotFound is returned when a catalog row does not exist.
var ErrNotFound = errors.New("catalog: not found")

// Session is one capture session.
type Session struct {
	SessionID        string     `json:"session_id"`
	Mode             string     `json:"mode"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	FramesPlanned    int        `json:"frames_planned"`
	FramesProcessed  int        `json:"frames_processed"`
	DegenerateFrames int        `json:"degenerate_frames"`
	FailedFrames     int        `json:"failed_frames"`
	ConfigJSON       string     `json:"config_json,omitempty"`
	Error            string     `json:"error,omitempty"`
}

// ElevationStats summarises one ground elevation reduction.
type ElevationStats struct {
	Rows, Cols   int
	GroundPoints int
	AirPoints    int
	OutOfGrid    int
	OutsideCaps  int
}

// DensityStats summarises one density histogram reduction.
type DensityStats struct {
	Total   float64
	Dropped int
}

// FrameRecord is one processed frame. Elevation and Density are nil when
// the matching reducer did not run.
type FrameRecord struct {
	FrameID     string
	SessionID   string
	FrameIndex  int
	Seq         uint64
	Label       string
	ValidCount  int
	Truncated   int
	ProcessedAt time.Time
	Elevation   *ElevationStats
	Density     *DensityStats
	Degenerate  bool
	Error       string
}

// ArtifactRecord is one exported array file. FrameID is empty for
// session-level artifacts such as the calibration ground truth.
type ArtifactRecord struct {
	ArtifactID string
	FrameID    string
	SessionID  string
	Kind       string
	Path       string
	Shape      []int
}

// CatalogStore reads and writes the capture catalog.
type CatalogStore struct {
	db *sql.DB
}

// NewCatalogStore creates a CatalogStore over a migrated catalog database.
func NewCatalogStore(db *sql.DB) *CatalogStore {
	return &CatalogStore{db: db}
}

// StartSession inserts a session row. A missing SessionID is generated and
// a zero StartedAt is set to now.
func (s *CatalogStore) StartSession(sess *Session) error {
	if sess.SessionID == "" {
		sess.SessionID = uuid.New().String()
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now()
	}
	if sess.Mode == "" {
		sess.Mode = ModeMeasure
	}
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO capture_sessions (session_id, mode, started_at_ns, frames_planned, config_json)
			VALUES (?, ?, ?, ?, ?)`,
			sess.SessionID, sess.Mode, sess.StartedAt.UnixNano(), sess.FramesPlanned, nullString(sess.ConfigJSON))
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

// FinishSession stores the totals, end time and error (empty for a clean
// run) of a session started with StartSession.
func (s *CatalogStore) FinishSession(sess *Session) error {
	if sess.FinishedAt == nil {
		now := time.Now()
		sess.FinishedAt = &now
	}
	return retryOnBusy(func() error {
		res, err := s.db.Exec(`
			UPDATE capture_sessions
			SET finished_at_ns = ?, frames_processed = ?, degenerate_frames = ?, failed_frames = ?, error = ?
			WHERE session_id = ?`,
			sess.FinishedAt.UnixNano(), sess.FramesProcessed, sess.DegenerateFrames, sess.FailedFrames,
			nullString(sess.Error), sess.SessionID)
		if err != nil {
			return fmt.Errorf("finish session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("finish session %s: %w", sess.SessionID, ErrNotFound)
		}
		return nil
	})
}

// GetSession loads one session.
func (s *CatalogStore) GetSession(id string) (*Session, error) {
	var (
		sess       Session
		startedNs  int64
		finishedNs sql.NullInt64
		configJSON sql.NullString
		errMsg     sql.NullString
	)
	err := s.db.QueryRow(`
		SELECT session_id, mode, started_at_ns, finished_at_ns, frames_planned, frames_processed,
		       degenerate_frames, failed_frames, config_json, error
		FROM capture_sessions WHERE session_id = ?`, id).Scan(
		&sess.SessionID, &sess.Mode, &startedNs, &finishedNs, &sess.FramesPlanned, &sess.FramesProcessed,
		&sess.DegenerateFrames, &sess.FailedFrames, &configJSON, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.StartedAt = time.Unix(0, startedNs)
	if finishedNs.Valid {
		t := time.Unix(0, finishedNs.Int64)
		sess.FinishedAt = &t
	}
	sess.ConfigJSON = configJSON.String
	sess.Error = errMsg.String
	return &sess, nil
}

// InsertFrame records a processed frame. A missing FrameID is generated.
func (s *CatalogStore) InsertFrame(f *FrameRecord) error {
	if f.FrameID == "" {
		f.FrameID = uuid.New().String()
	}
	if f.ProcessedAt.IsZero() {
		f.ProcessedAt = time.Now()
	}
	var rows, cols, ground, air, oog, caps sql.NullInt64
	if e := f.Elevation; e != nil {
		rows, cols = nullInt(e.Rows), nullInt(e.Cols)
		ground, air = nullInt(e.GroundPoints), nullInt(e.AirPoints)
		oog, caps = nullInt(e.OutOfGrid), nullInt(e.OutsideCaps)
	}
	var total sql.NullFloat64
	var dropped sql.NullInt64
	if d := f.Density; d != nil {
		total = sql.NullFloat64{Float64: d.Total, Valid: true}
		dropped = nullInt(d.Dropped)
	}
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO capture_frames (
				frame_id, session_id, frame_index, seq, label, valid_count, truncated, processed_at_ns,
				grid_rows, grid_cols, ground_points, air_points, out_of_grid, outside_caps,
				density_total, density_dropped, degenerate, error
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.FrameID, f.SessionID, f.FrameIndex, int64(f.Seq), f.Label, f.ValidCount, f.Truncated,
			f.ProcessedAt.UnixNano(), rows, cols, ground, air, oog, caps,
			total, dropped, f.Degenerate, nullString(f.Error))
		if err != nil {
			return fmt.Errorf("insert frame %d: %w", f.FrameIndex, err)
		}
		return nil
	})
}

// ListFrames returns a session's frames in frame order.
func (s *CatalogStore) ListFrames(sessionID string) ([]FrameRecord, error) {
	rows, err := s.db.Query(`
		SELECT frame_id, session_id, frame_index, seq, label, valid_count, truncated, processed_at_ns,
		       grid_rows, grid_cols, ground_points, air_points, out_of_grid, outside_caps,
		       density_total, density_dropped, degenerate, error
		FROM capture_frames WHERE session_id = ? ORDER BY frame_index`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list frames: %w", err)
	}
	defer rows.Close()

	var out []FrameRecord
	for rows.Next() {
		var (
			f                                  FrameRecord
			seq, processedNs                   int64
			gRows, gCols, ground, air, oog, cp sql.NullInt64
			total                              sql.NullFloat64
			dropped                            sql.NullInt64
			errMsg                             sql.NullString
		)
		if err := rows.Scan(&f.FrameID, &f.SessionID, &f.FrameIndex, &seq, &f.Label, &f.ValidCount,
			&f.Truncated, &processedNs, &gRows, &gCols, &ground, &air, &oog, &cp,
			&total, &dropped, &f.Degenerate, &errMsg); err != nil {
			return nil, fmt.Errorf("scan frame: %w", err)
		}
		f.Seq = uint64(seq)
		f.ProcessedAt = time.Unix(0, processedNs)
		if gRows.Valid {
			f.Elevation = &ElevationStats{
				Rows:         int(gRows.Int64),
				Cols:         int(gCols.Int64),
				GroundPoints: int(ground.Int64),
				AirPoints:    int(air.Int64),
				OutOfGrid:    int(oog.Int64),
				OutsideCaps:  int(cp.Int64),
			}
		}
		if total.Valid {
			f.Density = &DensityStats{Total: total.Float64, Dropped: int(dropped.Int64)}
		}
		f.Error = errMsg.String
		out = append(out, f)
	}
	return out, rows.Err()
}

// InsertArtifact records an exported file. A missing ArtifactID is
// generated.
func (s *CatalogStore) InsertArtifact(a *ArtifactRecord) error {
	if a.ArtifactID == "" {
		a.ArtifactID = uuid.New().String()
	}
	shape, err := json.Marshal(a.Shape)
	if err != nil {
		return fmt.Errorf("encode artifact shape: %w", err)
	}
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO frame_artifacts (artifact_id, frame_id, session_id, kind, path, shape)
			VALUES (?, ?, ?, ?, ?, ?)`,
			a.ArtifactID, nullString(a.FrameID), a.SessionID, a.Kind, a.Path, string(shape))
		if err != nil {
			return fmt.Errorf("insert artifact %s: %w", a.Path, err)
		}
		return nil
	})
}

// ListArtifacts returns a session's artifacts in insertion order.
func (s *CatalogStore) ListArtifacts(sessionID string) ([]ArtifactRecord, error) {
	rows, err := s.db.Query(`
		SELECT artifact_id, frame_id, session_id, kind, path, shape
		FROM frame_artifacts WHERE session_id = ? ORDER BY rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []ArtifactRecord
	for rows.Next() {
		var (
			a       ArtifactRecord
			frameID sql.NullString
			shape   string
		)
		if err := rows.Scan(&a.ArtifactID, &frameID, &a.SessionID, &a.Kind, &a.Path, &shape); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.FrameID = frameID.String
		if err := json.Unmarshal([]byte(shape), &a.Shape); err != nil {
			return nil, fmt.Errorf("decode artifact shape %q: %w", shape, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: true}
}
