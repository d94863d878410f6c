package spanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"

	"github.com/alphauslabs/ferry/internal/database"
	"github.com/alphauslabs/ferry/internal/states"
)

type reader interface {
	ReadRow(ctx context.Context, table string, key spanner.Key, columns []string) (*spanner.Row, error)
}

func readTracker(ctx context.Context, r reader, kind states.Kind, id int64) (*trackerRow, error) {
	row, err := r.ReadRow(ctx, "Trackers", spanner.Key{string(kind), id}, trackerColumns)
	if err != nil {
		if spanner.ErrCode(err) == codes.NotFound {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get tracker: %w", err)
	}

	var tr trackerRow
	if err := row.ToStruct(&tr); err != nil {
		return nil, fmt.Errorf("failed to parse tracker: %w", err)
	}
	return &tr, nil
}

// insertTracker inserts t inside txn and returns the id the sequence assigned.
func insertTracker(ctx context.Context, txn *spanner.ReadWriteTransaction, t *database.Tracker) (int64, error) {
	r := fromModel(t)
	stmt := spanner.Statement{
		SQL: `INSERT INTO Trackers (Kind, Instance, UserEmail, HistoryId, ExportId, State, CreateTime, UpdateTime,
		                            NelsId, Destination, Source, TmpFile, Log, LogSeq)
		      VALUES (@kind, @instance, @userEmail, @historyId, @exportId, @state, @createTime, @updateTime,
		              @nelsId, @destination, @source, @tmpFile, @log, @logSeq)
		      THEN RETURN Id`,
		Params: map[string]interface{}{
			"kind":        r.Kind,
			"instance":    r.Instance,
			"userEmail":   r.UserEmail,
			"historyId":   r.HistoryId,
			"exportId":    r.ExportId,
			"state":       r.State,
			"createTime":  r.CreateTime,
			"updateTime":  r.UpdateTime,
			"nelsId":      r.NelsId,
			"destination": r.Destination,
			"source":      r.Source,
			"tmpFile":     r.TmpFile,
			"log":         r.Log,
			"logSeq":      r.LogSeq,
		},
	}

	iter := txn.Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err != nil {
		return 0, fmt.Errorf("failed to insert tracker: %w", err)
	}
	var id int64
	if err := row.Columns(&id); err != nil {
		return 0, fmt.Errorf("failed to read tracker id: %w", err)
	}
	return id, nil
}

func logMutation(t *database.Tracker, message string) (*spanner.Mutation, error) {
	return spanner.InsertStruct("TrackerLogs", &logRow{
		Kind:       string(t.Kind),
		Id:         t.ID,
		Seq:        t.LogSeq,
		CreateTime: t.UpdateTime,
		Message:    message,
	})
}

// CreateTracker inserts a new tracker.
func (c *Client) CreateTracker(ctx context.Context, t *database.Tracker) (*database.Tracker, error) {
	if !states.Valid(t.Kind, t.State) {
		return nil, fmt.Errorf("%w: %q", database.ErrInvalidState, t.State)
	}

	now := time.Now().UTC()
	row := *t
	row.CreateTime, row.UpdateTime = now, now
	row.LogSeq = 0

	_, err := c.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		id, err := insertTracker(ctx, txn, &row)
		if err != nil {
			return err
		}
		row.ID = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// GetTracker retrieves a tracker by kind and id.
func (c *Client) GetTracker(ctx context.Context, kind states.Kind, id int64) (*database.Tracker, error) {
	row, err := readTracker(ctx, c.client.Single(), kind, id)
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// ListTrackers returns trackers of kind matching filter, newest first.
func (c *Client) ListTrackers(ctx context.Context, kind states.Kind, filter database.TrackerFilter) ([]*database.Tracker, error) {
	where := []string{"Kind = @kind"}
	params := map[string]interface{}{"kind": string(kind)}
	if len(filter.States) > 0 {
		where = append(where, "State IN UNNEST(@states)")
		params["states"] = filter.States
	}
	if filter.Instance != "" {
		where = append(where, "Instance = @instance")
		params["instance"] = filter.Instance
	}
	if filter.UserEmail != "" {
		where = append(where, "UserEmail = @userEmail")
		params["userEmail"] = filter.UserEmail
	}
	if !filter.UpdatedBefore.IsZero() {
		where = append(where, "UpdateTime < @updatedBefore")
		params["updatedBefore"] = filter.UpdatedBefore
	}

	stmt := spanner.Statement{
		SQL: `SELECT ` + strings.Join(trackerColumns, ", ") + `
		      FROM Trackers
		      WHERE ` + strings.Join(where, " AND ") + `
		      ORDER BY CreateTime DESC`,
		Params: params,
	}

	iter := c.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var trackers []*database.Tracker
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate trackers: %w", err)
		}

		var tr trackerRow
		if err := row.ToStruct(&tr); err != nil {
			return nil, fmt.Errorf("failed to parse tracker: %w", err)
		}
		trackers = append(trackers, tr.toModel())
	}

	return trackers, nil
}

// UpdateTracker applies upd and records the transition in TrackerLogs.
func (c *Client) UpdateTracker(ctx context.Context, kind states.Kind, id int64, upd database.TrackerUpdate) (*database.Tracker, error) {
	var out *database.Tracker
	_, err := c.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		row, err := readTracker(ctx, txn, kind, id)
		if err != nil {
			return err
		}
		t := row.toModel()

		message, err := database.ApplyUpdate(t, upd, time.Now().UTC())
		if err != nil {
			return err
		}

		mutations := []*spanner.Mutation{}
		if message != "" {
			t.LogSeq++
			m, err := logMutation(t, message)
			if err != nil {
				return fmt.Errorf("failed to build log mutation: %w", err)
			}
			mutations = append(mutations, m)
		}
		m, err := spanner.UpdateStruct("Trackers", fromModel(t))
		if err != nil {
			return fmt.Errorf("failed to build tracker mutation: %w", err)
		}
		mutations = append(mutations, m)

		if err := txn.BufferWrite(mutations); err != nil {
			return fmt.Errorf("failed to buffer tracker update: %w", err)
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, unwrapSentinel(err)
	}
	return out, nil
}

// ListLogs returns the log entries for a tracker in insertion order.
func (c *Client) ListLogs(ctx context.Context, kind states.Kind, id int64) ([]*database.LogEntry, error) {
	ro := c.client.ReadOnlyTransaction()
	defer ro.Close()

	if _, err := readTracker(ctx, ro, kind, id); err != nil {
		return nil, err
	}

	stmt := spanner.Statement{
		SQL: `SELECT Kind, Id, Seq, CreateTime, Message
		      FROM TrackerLogs
		      WHERE Kind = @kind AND Id = @id
		      ORDER BY Seq`,
		Params: map[string]interface{}{
			"kind": string(kind),
			"id":   id,
		},
	}

	iter := ro.Query(ctx, stmt)
	defer iter.Stop()

	var entries []*database.LogEntry
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate tracker logs: %w", err)
		}

		var lr logRow
		if err := row.ToStruct(&lr); err != nil {
			return nil, fmt.Errorf("failed to parse tracker log: %w", err)
		}
		entries = append(entries, &database.LogEntry{
			TrackerID:  lr.Id,
			Kind:       states.Kind(lr.Kind),
			Seq:        lr.Seq,
			CreateTime: lr.CreateTime,
			Message:    lr.Message,
		})
	}

	return entries, nil
}

// Requeue copies a terminal tracker into a new row and logs the requeue on it.
func (c *Client) Requeue(ctx context.Context, kind states.Kind, id int64, state string) (*database.Tracker, error) {
	var out *database.Tracker
	_, err := c.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		row, err := readTracker(ctx, txn, kind, id)
		if err != nil {
			return err
		}
		cp, message, err := database.PrepareRequeue(row.toModel(), state)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		cp.CreateTime, cp.UpdateTime = now, now
		cp.LogSeq = 1
		newID, err := insertTracker(ctx, txn, cp)
		if err != nil {
			return err
		}
		cp.ID = newID

		m, err := logMutation(cp, message)
		if err != nil {
			return fmt.Errorf("failed to build log mutation: %w", err)
		}
		if err := txn.BufferWrite([]*spanner.Mutation{m}); err != nil {
			return fmt.Errorf("failed to buffer requeue log: %w", err)
		}
		out = cp
		return nil
	})
	if err != nil {
		return nil, unwrapSentinel(err)
	}
	return out, nil
}

// unwrapSentinel keeps errors.Is working for store sentinels returned from
// inside a transaction function.
func unwrapSentinel(err error) error {
	for _, sentinel := range []error{database.ErrNotFound, database.ErrInvalidTransition, database.ErrInvalidState, database.ErrNotTerminal} {
		if errors.Is(err, sentinel) {
			return fmt.Errorf("%w: %v", sentinel, err)
		}
	}
	return err
}
