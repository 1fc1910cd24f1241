// Package archive keeps finished scrape sessions in PostgreSQL.
package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/causelist/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const (
	sqlCreateTable = `
        CREATE TABLE IF NOT EXISTS cause_list_sessions (
            session_id     TEXT PRIMARY KEY,
            status         TEXT NOT NULL,
            message        TEXT NOT NULL,
            error_kind     TEXT NOT NULL,
            selection_path JSONB NOT NULL,
            list_date      DATE NOT NULL,
            case_type      TEXT NOT NULL,
            tables         JSONB NOT NULL,
            artifact_ref   TEXT NOT NULL,
            created_at     TIMESTAMPTZ NOT NULL,
            updated_at     TIMESTAMPTZ NOT NULL
        );
    `
	sqlUpsertSession = `
        INSERT INTO cause_list_sessions (session_id, status, message, error_kind, selection_path, list_date, case_type, tables, artifact_ref, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        ON CONFLICT (session_id) DO UPDATE SET
            status = EXCLUDED.status,
            message = EXCLUDED.message,
            error_kind = EXCLUDED.error_kind,
            tables = EXCLUDED.tables,
            artifact_ref = EXCLUDED.artifact_ref,
            updated_at = EXCLUDED.updated_at;
    `
	sqlHistory = `
        SELECT session_id, status, message, error_kind, selection_path, list_date, case_type, tables, artifact_ref, created_at, updated_at
        FROM cause_list_sessions
        ORDER BY updated_at DESC
        LIMIT $1;
    `
)

// DefaultHistoryLimit applies when History is asked for a non-positive limit.
const DefaultHistoryLimit = 50

// Archive is the PostgreSQL-backed session archive.
type Archive struct {
	pool DBPool
	log  *zap.Logger
}

// New creates an archive over pool and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Archive, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Archive{pool: pool, log: logger.Named("archive")}, nil
}

// Connect opens a pgx pool for url, creates the archive table if needed and
// returns the archive with a function that closes the pool.
func Connect(ctx context.Context, url string, logger *zap.Logger) (*Archive, func(), error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	a, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := a.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return a, pool.Close, nil
}

// Migrate creates the archive table.
func (a *Archive) Migrate(ctx context.Context) error {
	if _, err := a.pool.Exec(ctx, sqlCreateTable); err != nil {
		return fmt.Errorf("failed to create archive table: %w", err)
	}
	return nil
}

// Save upserts snap. Re-saving a session updates its outcome but keeps its request.
func (a *Archive) Save(ctx context.Context, snap schemas.SessionSnapshot) error {
	path, err := json.MarshalToString(snap.Request.Path)
	if err != nil {
		return fmt.Errorf("failed to encode selection path: %w", err)
	}
	tables := snap.Tables
	if tables == nil {
		tables = []schemas.CauseListTable{}
	}
	encodedTables, err := json.MarshalToString(tables)
	if err != nil {
		return fmt.Errorf("failed to encode tables: %w", err)
	}

	_, err = a.pool.Exec(ctx, sqlUpsertSession,
		snap.ID, string(snap.Status), snap.Message, string(snap.ErrorKind),
		path, snap.Request.Date.Time, string(snap.Request.CaseType),
		encodedTables, snap.ArtifactRef,
		snap.CreatedAt.UTC(), snap.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to archive session %s: %w", snap.ID, err)
	}
	a.log.Debug("Session archived.", zap.String("session_id", snap.ID), zap.String("status", string(snap.Status)))
	return nil
}

// History returns up to limit archived sessions, most recently updated first.
func (a *Archive) History(ctx context.Context, limit int) ([]schemas.SessionSnapshot, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := a.pool.Query(ctx, sqlHistory, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	out := []schemas.SessionSnapshot{}
	for rows.Next() {
		var (
			snap                        schemas.SessionSnapshot
			status, errorKind, caseType string
			path, tables                string
		)
		if err := rows.Scan(
			&snap.ID, &status, &snap.Message, &errorKind,
			&path, &snap.Request.Date.Time, &caseType,
			&tables, &snap.ArtifactRef,
			&snap.CreatedAt, &snap.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		snap.Status = schemas.SessionStatus(status)
		snap.ErrorKind = schemas.ErrorKind(errorKind)
		snap.Request.CaseType = schemas.CaseType(caseType)
		snap.Request.Date = schemas.NewCalendarDate(snap.Request.Date.Time)
		if err := json.UnmarshalFromString(path, &snap.Request.Path); err != nil {
			return nil, fmt.Errorf("failed to decode selection path of %s: %w", snap.ID, err)
		}
		if err := json.UnmarshalFromString(tables, &snap.Tables); err != nil {
			return nil, fmt.Errorf("failed to decode tables of %s: %w", snap.ID, err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return out, nil
}
