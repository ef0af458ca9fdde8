package earnings_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delivery-dispatch/internal/delivery"
	"delivery-dispatch/internal/earnings"
	"delivery-dispatch/internal/testutil"
)

type credit struct {
	driverID, deliveryID string
	year, month          int
	amount               float64
}

type fakeRepo struct {
	credits []credit
	seen    map[string]bool
	report  *earnings.Report
}

func (f *fakeRepo) Credit(_ context.Context, _ sqlx.ExtContext, driverID, deliveryID string, year, month int, amount float64, _ time.Time) (bool, error) {
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	if f.seen[deliveryID] {
		return false, nil
	}
	f.seen[deliveryID] = true
	f.credits = append(f.credits, credit{driverID, deliveryID, year, month, amount})
	return true, nil
}

func (f *fakeRepo) Get(context.Context, sqlx.ExtContext, string, int, int) (*earnings.Report, error) {
	return f.report, nil
}

func (f *fakeRepo) Contributors(context.Context, sqlx.ExtContext, string, int, int) ([]string, error) {
	return nil, nil
}

func delivered(amount float64) *delivery.Delivery {
	return &delivery.Delivery{
		ID:             uuid.NewString(),
		Status:         delivery.StatusDelivered,
		Driver:         &delivery.Driver{ID: "d1"},
		EarningsAmount: amount,
		UpdatedAt:      time.Date(2026, 3, 31, 23, 30, 0, 0, time.UTC),
	}
}

func TestRecordOnDelivered(t *testing.T) {
	ctx := context.Background()

	t.Run("credits once and sets the guard", func(t *testing.T) {
		repo := &fakeRepo{}
		svc := earnings.NewService(nil, repo)
		d := delivered(500)

		require.NoError(t, svc.RecordOnDeliveredWithTx(ctx, nil, d))
		assert.True(t, d.EarningsRecorded)
		require.Len(t, repo.credits, 1)
		assert.Equal(t, credit{"d1", d.ID, 2026, 3, 500}, repo.credits[0])

		require.NoError(t, svc.RecordOnDeliveredWithTx(ctx, nil, d))
		assert.Len(t, repo.credits, 1)
	})

	t.Run("guard survives a reloaded copy", func(t *testing.T) {
		repo := &fakeRepo{}
		svc := earnings.NewService(nil, repo)
		d := delivered(120)
		require.NoError(t, svc.RecordOnDeliveredWithTx(ctx, nil, d))

		copyWithoutFlag := *d
		copyWithoutFlag.EarningsRecorded = false
		require.NoError(t, svc.RecordOnDeliveredWithTx(ctx, nil, &copyWithoutFlag))
		assert.Len(t, repo.credits, 1)
		assert.True(t, copyWithoutFlag.EarningsRecorded)
	})

	t.Run("no driver is a no-op", func(t *testing.T) {
		repo := &fakeRepo{}
		svc := earnings.NewService(nil, repo)
		d := delivered(10)
		d.Driver = nil

		require.NoError(t, svc.RecordOnDeliveredWithTx(ctx, nil, d))
		assert.Empty(t, repo.credits)
	})
}

func TestCurrentMonthTotal_EmptyMonth(t *testing.T) {
	svc := earnings.NewService(nil, &fakeRepo{})

	rep, err := svc.CurrentMonthTotal(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "d1", rep.DriverID)
	assert.Zero(t, rep.Total)
	assert.Zero(t, rep.DeliveryCount)
	assert.NotZero(t, rep.Year)
}

func TestPeriod_UsesUTC(t *testing.T) {
	colombo := time.FixedZone("IST", 5*3600+1800)
	y, m := earnings.Period(time.Date(2026, 4, 1, 2, 0, 0, 0, colombo))
	assert.Equal(t, 2026, y)
	assert.Equal(t, 3, m)
}

func TestRepository_CreditIsIdempotent(t *testing.T) {
	db := testutil.Postgres(t)
	ctx := context.Background()
	repo := earnings.NewRepository()
	now := time.Now().UTC()

	first, second := uuid.NewString(), uuid.NewString()

	ok, err := repo.Credit(ctx, db, "d1", first, 2026, 3, -500, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.Credit(ctx, db, "d1", first, 2026, 3, -500, now)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = repo.Credit(ctx, db, "d1", second, 2026, 3, 250, now)
	require.NoError(t, err)
	assert.True(t, ok)

	rep, err := repo.Get(ctx, db, "d1", 2026, 3)
	require.NoError(t, err)
	require.NotNil(t, rep)
	assert.InDelta(t, -250, rep.Total, 0.001)
	assert.Equal(t, 2, rep.DeliveryCount)

	ids, err := repo.Contributors(ctx, db, "d1", 2026, 3)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first, second}, ids)
}
