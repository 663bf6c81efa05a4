// Package anchorstore persists created anchors so a restarted tracker can
// re-query the most recent anchor without being handed its ID again.
package anchorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	// Registers the pure-Go "sqlite" driver.
	_ "modernc.org/sqlite"

	"go.viam.com/rdk/spatialmath"

	"github.com/chriswsuarez/azure-spatial-anchors-ros/engine"
)

const schema = `
	CREATE TABLE IF NOT EXISTS anchors (
		id TEXT PRIMARY KEY,
		frame TEXT NOT NULL,
		pose TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
`

// A Record is one created anchor.
type Record struct {
	ID        string
	Frame     string
	Pose      spatialmath.Pose
	CreatedAt time.Time
}

// Store is a SQLite-backed anchor log.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the anchor database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening anchor store")
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Wrap(err, "initializing anchor store schema")
	}
	return &Store{db: db}, nil
}

// SaveCreated records a successfully created anchor. Saving the same ID twice
// updates the existing row.
func (s *Store) SaveCreated(ctx context.Context, id, frame string, pose spatialmath.Pose) error {
	poseJSON, err := json.Marshal(engine.PoseToMap(pose))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO anchors (id, frame, pose) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET frame = excluded.frame, pose = excluded.pose`,
		id, frame, string(poseJSON))
	return errors.Wrap(err, "saving anchor")
}

// LastCreatedID returns the most recently created anchor ID, or "" if the
// store is empty.
func (s *Store) LastCreatedID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM anchors ORDER BY created_at DESC, rowid DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "reading last created anchor")
	}
	return id, nil
}

// List returns all stored anchors, newest first.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, frame, pose, created_at FROM anchors ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "listing anchors")
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec      Record
			poseJSON string
		)
		if err := rows.Scan(&rec.ID, &rec.Frame, &poseJSON, &rec.CreatedAt); err != nil {
			return nil, err
		}
		var poseMap map[string]interface{}
		if err := json.Unmarshal([]byte(poseJSON), &poseMap); err != nil {
			return nil, errors.Wrapf(err, "decoding pose for anchor %q", rec.ID)
		}
		pose, err := engine.PoseFromMap(poseMap)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding pose for anchor %q", rec.ID)
		}
		rec.Pose = pose
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
