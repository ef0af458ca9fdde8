package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delivery-dispatch/internal/repo/postgres"
	"delivery-dispatch/internal/testutil"
)

func TestIsUniqueViolation(t *testing.T) {
	dup := &pq.Error{Code: "23505", Constraint: "deliveries_active_driver_uniq"}

	assert.True(t, postgres.IsUniqueViolation(dup))
	assert.True(t, postgres.IsUniqueViolation(fmt.Errorf("insert: %w", dup), "deliveries_active_driver_uniq"))
	assert.False(t, postgres.IsUniqueViolation(dup, "deliveries_live_order_uniq"))
	assert.False(t, postgres.IsUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, postgres.IsUniqueViolation(errors.New("boom")))
}

func TestMigrations_RoundTrip(t *testing.T) {
	db := testutil.Postgres(t)

	require.NoError(t, postgres.RunMigrationsDown(db))
	var n int
	require.NoError(t, db.Get(&n, `SELECT COUNT(*) FROM information_schema.tables WHERE table_name = 'deliveries'`))
	assert.Zero(t, n)

	require.NoError(t, postgres.RunMigrationsUp(db))
	require.NoError(t, db.Get(&n, `SELECT COUNT(*) FROM information_schema.tables WHERE table_name IN ('deliveries', 'earnings_reports', 'delivery_effects')`))
	assert.Equal(t, 3, n)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	db := testutil.Postgres(t)
	ctx := context.Background()

	err := postgres.WithTx(ctx, db, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO earnings_reports (driver_id, year, month) VALUES ('d1', 2026, 3)`)
		require.NoError(t, err)
		return errors.New("abort")
	})
	require.Error(t, err)

	var n int
	require.NoError(t, db.Get(&n, `SELECT COUNT(*) FROM earnings_reports`))
	assert.Zero(t, n)
}
