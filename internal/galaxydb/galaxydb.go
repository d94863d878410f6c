// Package galaxydb reads export records, datasets and session state straight
// from a Galaxy instance's PostgreSQL database.
package galaxydb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrInvalidSession is returned for unknown, invalid or anonymous sessions.
	ErrInvalidSession = errors.New("invalid session")
)

// Export is one history export job.
type Export struct {
	ExportID   int64     `db:"export_id"`
	DatasetID  int64     `db:"dataset_id"`
	HistoryID  int64     `db:"history_id"`
	Name       string    `db:"name"`
	CreateTime time.Time `db:"create_time"`
	State      string    `db:"state"`
	JobID      int64     `db:"job_id"`
}

// TOS is a user's terms-of-service record.
type TOS struct {
	UserID  int64
	Status  string
	TOSDate time.Time

	// Found is false when the user has no nels_tos row yet.
	Found bool
}

// DB is a read-only handle on the Galaxy database.
type DB struct {
	pool *pgxpool.Pool
}

// Open connects to the Galaxy database.
func Open(ctx context.Context, url string) (*DB, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to galaxy database: %w", err)
	}
	return &DB{pool: pool}, nil
}

func (db *DB) Close() {
	db.pool.Close()
}

const exportColumns = `ha.id AS export_id, ha.dataset_id, ha.history_id, h.name, job.create_time, job.state, job.id AS job_id
	FROM job_export_history_archive AS ha
	JOIN history AS h ON h.id = ha.history_id
	JOIN job ON job.id = ha.job_id`

func (db *DB) queryExports(ctx context.Context, query string, args ...any) ([]*Export, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query exports: %w", err)
	}
	exports, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[Export])
	if err != nil {
		return nil, fmt.Errorf("failed to read exports: %w", err)
	}
	return exports, nil
}

// GetExport returns the export with the given id.
func (db *DB) GetExport(ctx context.Context, exportID int64) (*Export, error) {
	exports, err := db.queryExports(ctx, "SELECT "+exportColumns+" WHERE ha.id = $1", exportID)
	if err != nil {
		return nil, err
	}
	if len(exports) == 0 {
		return nil, fmt.Errorf("export %d: %w", exportID, ErrNotFound)
	}
	return exports[0], nil
}

// LatestExportForHistory returns the most recent export of a history.
func (db *DB) LatestExportForHistory(ctx context.Context, historyID int64) (*Export, error) {
	exports, err := db.queryExports(ctx,
		"SELECT "+exportColumns+" WHERE ha.history_id = $1 ORDER BY ha.id DESC LIMIT 1", historyID)
	if err != nil {
		return nil, err
	}
	if len(exports) == 0 {
		return nil, fmt.Errorf("export for history %d: %w", historyID, ErrNotFound)
	}
	return exports[0], nil
}

// ListExports returns the newest export of every history, optionally only
// those whose job is in state.
func (db *DB) ListExports(ctx context.Context, state string) ([]*Export, error) {
	exports, err := db.queryExports(ctx, "SELECT "+exportColumns+" ORDER BY ha.id")
	if err != nil {
		return nil, err
	}
	return latestPerHistory(exports, state), nil
}

// GetDatasetID returns the dataset holding an export's archive.
func (db *DB) GetDatasetID(ctx context.Context, exportID int64) (int64, error) {
	e, err := db.GetExport(ctx, exportID)
	if err != nil {
		return 0, err
	}
	return e.DatasetID, nil
}

// SessionTOS resolves a decoded galaxysession key to the user's terms of
// service record. It never writes.
func (db *DB) SessionTOS(ctx context.Context, sessionKey string) (*TOS, error) {
	var userID *int64
	var valid bool
	err := db.pool.QueryRow(ctx,
		"SELECT user_id, is_valid FROM galaxy_session WHERE session_key = $1", sessionKey).Scan(&userID, &valid)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvalidSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	if !valid || userID == nil {
		return nil, ErrInvalidSession
	}

	tos := &TOS{UserID: *userID}
	err = db.pool.QueryRow(ctx,
		"SELECT status, tos_date FROM nels_tos WHERE user_id = $1 ORDER BY id DESC LIMIT 1", *userID).Scan(&tos.Status, &tos.TOSDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return tos, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read terms of service: %w", err)
	}
	tos.Found = true
	return tos, nil
}

func latestPerHistory(exports []*Export, state string) []*Export {
	latest := map[int64]*Export{}
	var order []int64
	for _, e := range exports {
		cur, ok := latest[e.HistoryID]
		if !ok {
			order = append(order, e.HistoryID)
			latest[e.HistoryID] = e
			continue
		}
		if cur.CreateTime.Before(e.CreateTime) {
			latest[e.HistoryID] = e
		}
	}

	out := make([]*Export, 0, len(order))
	for _, id := range order {
		e := latest[id]
		if state != "" && e.State != state {
			continue
		}
		out = append(out, e)
	}
	return out
}
