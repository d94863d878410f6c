// Package postgres stores tracking records in PostgreSQL. The schema is
// applied from embedded migrations on startup.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/alphauslabs/ferry/internal/database"
	"github.com/alphauslabs/ferry/internal/states"
)

//go:embed migrations/*.sql
var migrations embed.FS

func init() {
	database.Register("postgres", func(ctx context.Context, cfg database.Config) (database.Store, error) {
		return NewStore(ctx, cfg.URL)
	})
}

// Store implements database.Store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to databaseURL and applies pending migrations.
func NewStore(ctx context.Context, databaseURL string) (*Store, error) {
	if err := Migrate(databaseURL); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate runs all up migrations against databaseURL.
func Migrate(databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const trackerColumns = `kind, id, instance, user_email, history_id, export_id, state, create_time, update_time,
	nels_id, destination, source, tmpfile, log, lease_owner, lease_expires_at, log_seq`

type trackerRow struct {
	Kind           string     `db:"kind"`
	ID             int64      `db:"id"`
	Instance       string     `db:"instance"`
	UserEmail      string     `db:"user_email"`
	HistoryID      string     `db:"history_id"`
	ExportID       *string    `db:"export_id"`
	State          string     `db:"state"`
	CreateTime     time.Time  `db:"create_time"`
	UpdateTime     time.Time  `db:"update_time"`
	NelsID         int64      `db:"nels_id"`
	Destination    string     `db:"destination"`
	Source         string     `db:"source"`
	TmpFile        *string    `db:"tmpfile"`
	Log            *string    `db:"log"`
	LeaseOwner     *string    `db:"lease_owner"`
	LeaseExpiresAt *time.Time `db:"lease_expires_at"`
	LogSeq         int64      `db:"log_seq"`
}

func (r *trackerRow) toModel() *database.Tracker {
	return &database.Tracker{
		ID:             r.ID,
		Kind:           states.Kind(r.Kind),
		Instance:       r.Instance,
		UserEmail:      r.UserEmail,
		HistoryID:      r.HistoryID,
		ExportID:       r.ExportID,
		State:          r.State,
		CreateTime:     r.CreateTime.UTC(),
		UpdateTime:     r.UpdateTime.UTC(),
		NelsID:         r.NelsID,
		Destination:    r.Destination,
		Source:         r.Source,
		TmpFile:        r.TmpFile,
		Log:            r.Log,
		LeaseOwner:     r.LeaseOwner,
		LeaseExpiresAt: r.LeaseExpiresAt,
		LogSeq:         r.LogSeq,
	}
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func selectTracker(ctx context.Context, q querier, kind states.Kind, id int64, forUpdate bool) (*database.Tracker, error) {
	stmt := `SELECT ` + trackerColumns + ` FROM trackers WHERE kind = $1 AND id = $2`
	if forUpdate {
		stmt += ` FOR UPDATE`
	}
	rows, err := q.Query(ctx, stmt, string(kind), id)
	if err != nil {
		return nil, fmt.Errorf("failed to get tracker: %w", err)
	}
	row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[trackerRow])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("failed to parse tracker: %w", err)
	}
	return row.toModel(), nil
}

func insertTracker(ctx context.Context, tx pgx.Tx, t *database.Tracker) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO trackers (kind, instance, user_email, history_id, export_id, state, create_time, update_time,
		                      nels_id, destination, source, tmpfile, log, log_seq)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`,
		string(t.Kind), t.Instance, t.UserEmail, t.HistoryID, t.ExportID, t.State, t.CreateTime, t.UpdateTime,
		t.NelsID, t.Destination, t.Source, t.TmpFile, t.Log, t.LogSeq,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert tracker: %w", err)
	}
	return id, nil
}

func insertLog(ctx context.Context, tx pgx.Tx, t *database.Tracker, message string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO tracker_logs (kind, tracker_id, seq, create_time, message) VALUES ($1, $2, $3, $4, $5)`,
		string(t.Kind), t.ID, t.LogSeq, t.UpdateTime, message)
	if err != nil {
		return fmt.Errorf("failed to insert tracker log: %w", err)
	}
	return nil
}

func (s *Store) CreateTracker(ctx context.Context, t *database.Tracker) (*database.Tracker, error) {
	if !states.Valid(t.Kind, t.State) {
		return nil, fmt.Errorf("%w: %q", database.ErrInvalidState, t.State)
	}

	now := time.Now().UTC()
	row := *t
	row.CreateTime, row.UpdateTime = now, now
	row.LogSeq = 0

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		id, err := insertTracker(ctx, tx, &row)
		row.ID = id
		return err
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *Store) GetTracker(ctx context.Context, kind states.Kind, id int64) (*database.Tracker, error) {
	return selectTracker(ctx, s.pool, kind, id, false)
}

func (s *Store) ListTrackers(ctx context.Context, kind states.Kind, filter database.TrackerFilter) ([]*database.Tracker, error) {
	where := []string{"kind = $1"}
	args := []any{string(kind)}
	if len(filter.States) > 0 {
		args = append(args, filter.States)
		where = append(where, fmt.Sprintf("state = ANY($%d)", len(args)))
	}
	if filter.Instance != "" {
		args = append(args, filter.Instance)
		where = append(where, fmt.Sprintf("instance = $%d", len(args)))
	}
	if filter.UserEmail != "" {
		args = append(args, filter.UserEmail)
		where = append(where, fmt.Sprintf("user_email = $%d", len(args)))
	}
	if !filter.UpdatedBefore.IsZero() {
		args = append(args, filter.UpdatedBefore)
		where = append(where, fmt.Sprintf("update_time < $%d", len(args)))
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+trackerColumns+` FROM trackers WHERE `+strings.Join(where, " AND ")+` ORDER BY id DESC`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list trackers: %w", err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowToStructByName[trackerRow])
	if err != nil {
		return nil, fmt.Errorf("failed to parse trackers: %w", err)
	}

	trackers := make([]*database.Tracker, 0, len(found))
	for i := range found {
		trackers = append(trackers, found[i].toModel())
	}
	return trackers, nil
}

func (s *Store) UpdateTracker(ctx context.Context, kind states.Kind, id int64, upd database.TrackerUpdate) (*database.Tracker, error) {
	var out *database.Tracker
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		t, err := selectTracker(ctx, tx, kind, id, true)
		if err != nil {
			return err
		}
		message, err := database.ApplyUpdate(t, upd, time.Now().UTC())
		if err != nil {
			return err
		}
		if message != "" {
			t.LogSeq++
			if err := insertLog(ctx, tx, t, message); err != nil {
				return err
			}
		}

		_, err = tx.Exec(ctx, `
			UPDATE trackers
			SET state = $3, export_id = $4, tmpfile = $5, log = $6, update_time = $7, log_seq = $8
			WHERE kind = $1 AND id = $2`,
			string(kind), id, t.State, t.ExportID, t.TmpFile, t.Log, t.UpdateTime, t.LogSeq)
		if err != nil {
			return fmt.Errorf("failed to update tracker: %w", err)
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListLogs(ctx context.Context, kind states.Kind, id int64) ([]*database.LogEntry, error) {
	if _, err := s.GetTracker(ctx, kind, id); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT tracker_id, seq, create_time, message FROM tracker_logs WHERE kind = $1 AND tracker_id = $2 ORDER BY seq`,
		string(kind), id)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracker logs: %w", err)
	}
	defer rows.Close()

	var entries []*database.LogEntry
	for rows.Next() {
		e := &database.LogEntry{Kind: kind}
		if err := rows.Scan(&e.TrackerID, &e.Seq, &e.CreateTime, &e.Message); err != nil {
			return nil, fmt.Errorf("failed to parse tracker log: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tracker logs: %w", err)
	}
	return entries, nil
}

func (s *Store) Requeue(ctx context.Context, kind states.Kind, id int64, state string) (*database.Tracker, error) {
	var out *database.Tracker
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		old, err := selectTracker(ctx, tx, kind, id, true)
		if err != nil {
			return err
		}
		cp, message, err := database.PrepareRequeue(old, state)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		cp.CreateTime, cp.UpdateTime = now, now
		cp.LogSeq = 1
		if cp.ID, err = insertTracker(ctx, tx, cp); err != nil {
			return err
		}
		if err := insertLog(ctx, tx, cp, message); err != nil {
			return err
		}
		out = cp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) TryClaimLease(ctx context.Context, kind states.Kind, id int64, holder string, until time.Time) (bool, error) {
	claimed := false
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		t, err := selectTracker(ctx, tx, kind, id, true)
		if err != nil {
			return err
		}
		if !database.CanClaim(t, holder, time.Now().UTC()) {
			return nil
		}
		_, err = tx.Exec(ctx,
			`UPDATE trackers SET lease_owner = $3, lease_expires_at = $4 WHERE kind = $1 AND id = $2`,
			string(kind), id, holder, until.UTC())
		if err != nil {
			return fmt.Errorf("failed to claim lease: %w", err)
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

func (s *Store) ReleaseLease(ctx context.Context, kind states.Kind, id int64, holder string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trackers SET lease_owner = NULL, lease_expires_at = NULL WHERE kind = $1 AND id = $2 AND lease_owner = $3`,
		string(kind), id, holder)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetTracker(ctx, kind, id); err != nil {
			return err
		}
	}
	return nil
}
