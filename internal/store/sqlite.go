package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dj-oyu/maskguard/detection-server/pkg/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS detections (
	id              TEXT PRIMARY KEY,
	ts              INTEGER NOT NULL,
	has_mask        INTEGER NOT NULL,
	confidence      REAL NOT NULL,
	bbox_x          INTEGER NOT NULL,
	bbox_y          INTEGER NOT NULL,
	bbox_w          INTEGER NOT NULL,
	bbox_h          INTEGER NOT NULL,
	alert_triggered INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_detections_ts ON detections(ts);
`

// SQLiteLog stores detections in a SQLite database.
type SQLiteLog struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	return NewSQLiteLog(db)
}

// NewSQLiteLog wraps an existing handle and applies the schema.
func NewSQLiteLog(db *sql.DB) (*SQLiteLog, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteLog{db: db}, nil
}

// Append inserts a batch in one transaction.
func (l *SQLiteLog) Append(ctx context.Context, ds []types.Detection) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO detections
		(id, ts, has_mask, confidence, bbox_x, bbox_y, bbox_w, bbox_h, alert_triggered)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, d := range ds {
		if _, err := stmt.ExecContext(ctx, d.ID, d.Timestamp.UnixNano(), boolInt(d.HasMask), d.Confidence,
			d.BBox.X, d.BBox.Y, d.BBox.W, d.BBox.H, boolInt(d.AlertTriggered)); err != nil {
			return fmt.Errorf("insert %s: %w", d.ID, err)
		}
	}
	return tx.Commit()
}

// History returns up to limit detections, newest first.
func (l *SQLiteLog) History(ctx context.Context, limit int) ([]types.Detection, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `SELECT id, ts, has_mask, confidence, bbox_x, bbox_y, bbox_w, bbox_h, alert_triggered
		FROM detections ORDER BY ts DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	out := make([]types.Detection, 0, limit)
	for rows.Next() {
		var d types.Detection
		var ts int64
		var hasMask, alerted int
		if err := rows.Scan(&d.ID, &ts, &hasMask, &d.Confidence,
			&d.BBox.X, &d.BBox.Y, &d.BBox.W, &d.BBox.H, &alerted); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		d.Timestamp = time.Unix(0, ts).UTC()
		d.HasMask = hasMask != 0
		d.AlertTriggered = alerted != 0
		out = append(out, d)
	}
	return out, rows.Err()
}

// Prune deletes detections older than before.
func (l *SQLiteLog) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM detections WHERE ts < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (l *SQLiteLog) Close() error {
	return l.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
