package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// SQLiteSink records the run in a SQLite database. Several runs may share one
// file; each gets its own id.
type SQLiteSink struct {
	db    *sql.DB
	runID string
}

// OpenSQLite opens (or creates) the database at path and registers a new run.
// meta is stored as JSON alongside the run.
func OpenSQLite(ctx context.Context, path string, meta map[string]any) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open run db %s", path)
	}
	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	raw, err := json.Marshal(meta)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "encode run metadata")
	}
	s := &SQLiteSink{db: db, runID: uuid.New().String()}
	_, err = db.ExecContext(ctx, "INSERT INTO runs(id, started, meta) VALUES(?,?,?)",
		s.runID, time.Now().UTC().Format(time.RFC3339), string(raw))
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "register run")
	}
	return s, nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs(
			id TEXT PRIMARY KEY,
			started TEXT,
			meta TEXT
		)`)
	if err != nil {
		return errors.Wrap(err, "create runs table")
	}
	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS steps(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run TEXT,
			epoch INTEGER,
			step INTEGER,
			global_step INTEGER,
			size INTEGER,
			loss REAL,
			lbox REAL,
			lobj REAL,
			lcls REAL,
			lr0 REAL,
			lr1 REAL,
			lr2 REAL,
			loss_scale REAL,
			finite INTEGER,
			applied INTEGER,
			fwd_bwd_ms REAL,
			step_ms REAL
		)`)
	if err != nil {
		return errors.Wrap(err, "create steps table")
	}
	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS checkpoints(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run TEXT,
			epoch INTEGER,
			step INTEGER,
			path TEXT,
			ema INTEGER
		)`)
	return errors.Wrap(err, "create checkpoints table")
}

// RunID is the id this run was registered under
func (s *SQLiteSink) RunID() string { return s.runID }

func (s *SQLiteSink) RecordStep(ctx context.Context, r StepRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO steps(run, epoch, step, global_step, size, loss, lbox, lobj, lcls,
		lr0, lr1, lr2, loss_scale, finite, applied, fwd_bwd_ms, step_ms) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.runID, r.Epoch, r.Step, r.GlobalStep, r.Size, r.Loss, r.LBox, r.LObj, r.LCls,
		r.LR[0], r.LR[1], r.LR[2], r.LossScale, r.Finite, r.Applied,
		millis(r.FwdBwd), millis(r.StepTime))
	return errors.Wrap(err, "record step")
}

func (s *SQLiteSink) RecordCheckpoint(ctx context.Context, r CheckpointRecord) error {
	_, err := s.db.ExecContext(ctx, "INSERT INTO checkpoints(run, epoch, step, path, ema) VALUES(?,?,?,?,?)",
		s.runID, r.Epoch, r.Step, r.Path, r.EMA)
	return errors.Wrap(err, "record checkpoint")
}

// Steps returns the recorded steps of this run in insertion order
func (s *SQLiteSink) Steps(ctx context.Context) ([]StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT epoch, step, global_step, size, loss, lbox, lobj, lcls,
		lr0, lr1, lr2, loss_scale, finite, applied FROM steps WHERE run = ? ORDER BY id ASC`, s.runID)
	if err != nil {
		return nil, errors.Wrap(err, "query steps")
	}
	defer rows.Close()

	var out []StepRecord
	for rows.Next() {
		var r StepRecord
		if err := rows.Scan(&r.Epoch, &r.Step, &r.GlobalStep, &r.Size, &r.Loss, &r.LBox, &r.LObj, &r.LCls,
			&r.LR[0], &r.LR[1], &r.LR[2], &r.LossScale, &r.Finite, &r.Applied); err != nil {
			return nil, errors.Wrap(err, "scan step")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Checkpoints returns the recorded checkpoint files of this run
func (s *SQLiteSink) Checkpoints(ctx context.Context) ([]CheckpointRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT epoch, step, path, ema FROM checkpoints WHERE run = ? ORDER BY id ASC", s.runID)
	if err != nil {
		return nil, errors.Wrap(err, "query checkpoints")
	}
	defer rows.Close()

	var out []CheckpointRecord
	for rows.Next() {
		var r CheckpointRecord
		if err := rows.Scan(&r.Epoch, &r.Step, &r.Path, &r.EMA); err != nil {
			return nil, errors.Wrap(err, "scan checkpoint")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
