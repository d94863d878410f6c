package spanner

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"

	"github.com/alphauslabs/ferry/internal/database"
	"github.com/alphauslabs/ferry/internal/states"
)

// TryClaimLease attempts to claim/renew the processing lease for a tracker.
// Returns true when holder becomes/continues owner.
func (c *Client) TryClaimLease(ctx context.Context, kind states.Kind, id int64, holder string, until time.Time) (bool, error) {
	claimed := false
	_, err := c.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		claimed = false
		row, err := readTracker(ctx, txn, kind, id)
		if err != nil {
			return err
		}

		if !database.CanClaim(row.toModel(), holder, time.Now().UTC()) {
			return nil
		}

		mutation := spanner.Update("Trackers",
			[]string{"Kind", "Id", "LeaseOwner", "LeaseExpiresAt"},
			[]interface{}{string(kind), id, holder, until.UTC()},
		)
		if err := txn.BufferWrite([]*spanner.Mutation{mutation}); err != nil {
			return fmt.Errorf("failed to buffer lease mutation: %w", err)
		}
		claimed = true
		return nil
	})

	if err != nil {
		return false, unwrapSentinel(fmt.Errorf("failed to claim/renew lease: %w", err))
	}

	return claimed, nil
}

// ReleaseLease clears the lease when holder owns it.
func (c *Client) ReleaseLease(ctx context.Context, kind states.Kind, id int64, holder string) error {
	_, err := c.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		row, err := readTracker(ctx, txn, kind, id)
		if err != nil {
			return err
		}
		if !row.LeaseOwner.Valid || row.LeaseOwner.StringVal != holder {
			return nil
		}

		mutation := spanner.Update("Trackers",
			[]string{"Kind", "Id", "LeaseOwner", "LeaseExpiresAt"},
			[]interface{}{string(kind), id, nil, nil},
		)
		return txn.BufferWrite([]*spanner.Mutation{mutation})
	})
	if err != nil {
		return unwrapSentinel(fmt.Errorf("failed to release lease: %w", err))
	}
	return nil
}
