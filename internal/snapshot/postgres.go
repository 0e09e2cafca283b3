package snapshot

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PostgresStore is an additional backend beyond the two spec.md §4.12
// names, grounded directly on
// internal/service/syncservice/task_list_service.go's versioned-upsert
// pattern. That code accepts a write only `WHERE EXCLUDED.updated_at_ms >
// task_list.updated_at_ms`, relying on last-write-wins by timestamp;
// PostgresStore instead relies on the (task_id, version) primary key
// plus an explicit check, inside the same transaction, that the new
// version exceeds the current MAX(version), since task
// snapshots must strictly increase in version rather than merely advance
// in time.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool. Callers are expected to have
// already run a migration creating:
//
//	CREATE TABLE task_snapshots (
//	    task_id     TEXT NOT NULL,
//	    version     INT NOT NULL,
//	    data        JSONB NOT NULL,
//	    checkpoint  BOOLEAN NOT NULL DEFAULT false,
//	    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    PRIMARY KEY (task_id, version)
//	);
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Save(ctx context.Context, s Snapshot) error {
	if err := ValidateJSONSafe(s.Data); err != nil {
		return err
	}

	dataJSON, err := json.Marshal(s.Data)
	if err != nil {
		return err
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var currentVersion int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM task_snapshots WHERE task_id = $1`,
		s.TaskID).Scan(&currentVersion)
	if err != nil {
		log.Error().Err(err).Str("task_id", s.TaskID).Msg("failed to read current snapshot version")
		return err
	}
	if s.Version <= currentVersion {
		return &VersionConflictError{TaskID: s.TaskID, AttemptedVersion: s.Version, CurrentVersion: currentVersion}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO task_snapshots (task_id, version, data, checkpoint, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, s.TaskID, s.Version, dataJSON, s.Checkpoint, s.CreatedAt)
	if err != nil {
		log.Error().Err(err).Str("task_id", s.TaskID).Int("version", s.Version).Msg("failed to insert snapshot")
		return err
	}

	return tx.Commit(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, taskID string, version *int) (Snapshot, bool, error) {
	var row pgx.Row
	if version == nil {
		row = p.db.QueryRow(ctx, `
			SELECT task_id, version, data, checkpoint, created_at
			FROM task_snapshots WHERE task_id = $1
			ORDER BY version DESC LIMIT 1
		`, taskID)
	} else {
		row = p.db.QueryRow(ctx, `
			SELECT task_id, version, data, checkpoint, created_at
			FROM task_snapshots WHERE task_id = $1 AND version = $2
		`, taskID, *version)
	}

	var s Snapshot
	var dataJSON []byte
	err := row.Scan(&s.TaskID, &s.Version, &dataJSON, &s.Checkpoint, &s.CreatedAt)
	if err == pgx.ErrNoRows {
		return Snapshot{}, false, nil
	}
	if err != nil {
		log.Error().Err(err).Str("task_id", taskID).Msg("failed to read snapshot")
		return Snapshot{}, false, err
	}
	if err := json.Unmarshal(dataJSON, &s.Data); err != nil {
		return Snapshot{}, false, err
	}
	return s, true, nil
}

func (p *PostgresStore) ListVersions(ctx context.Context, taskID string) ([]int, error) {
	rows, err := p.db.Query(ctx,
		`SELECT version FROM task_snapshots WHERE task_id = $1 ORDER BY version`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (p *PostgresStore) Delete(ctx context.Context, taskID string, version *int) error {
	var err error
	if version == nil {
		_, err = p.db.Exec(ctx, `DELETE FROM task_snapshots WHERE task_id = $1`, taskID)
	} else {
		_, err = p.db.Exec(ctx, `DELETE FROM task_snapshots WHERE task_id = $1 AND version = $2`, taskID, *version)
	}
	return err
}
