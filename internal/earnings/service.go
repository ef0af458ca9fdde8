package earnings

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"delivery-dispatch/internal/delivery"
	domainerrors "delivery-dispatch/internal/errors"
)

type Service interface {
	RecordOnDeliveredWithTx(ctx context.Context, tx sqlx.ExtContext, d *delivery.Delivery) error
	CurrentMonthTotal(ctx context.Context, driverID string) (*Report, error)
}

type service struct {
	db     *sqlx.DB
	repo   Repository
	now    func() time.Time
	logger *slog.Logger
}

func NewService(db *sqlx.DB, repo Repository) Service {
	return &service{
		db:     db,
		repo:   repo,
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default().With("component", "earnings"),
	}
}

// -------------------------------------------------------------------------------------------------
// RecordOnDeliveredWithTx credits d to its driver's report for the month it
// was delivered in. It runs inside the caller's transaction so the credit
// commits or rolls back with the status change. Calling it again for the
// same delivery is a no-op.
func (s *service) RecordOnDeliveredWithTx(ctx context.Context, tx sqlx.ExtContext, d *delivery.Delivery) error {
	if d.EarningsRecorded || d.Driver == nil {
		return nil
	}
	year, month := Period(d.UpdatedAt)

	credited, err := s.repo.Credit(ctx, tx, d.Driver.ID, d.ID, year, month, d.EarningsAmount, s.now())
	if err != nil {
		return err
	}
	if !credited {
		s.logger.InfoContext(ctx, "delivery already credited", slog.String("delivery_id", d.ID))
	}
	d.EarningsRecorded = true
	return nil
}

// -------------------------------------------------------------------------------------------------
// CurrentMonthTotal reads the running report. A driver with no deliveries
// this month gets a zero report.
func (s *service) CurrentMonthTotal(ctx context.Context, driverID string) (*Report, error) {
	year, month := Period(s.now())
	rep, err := s.repo.Get(ctx, s.db, driverID, year, month)
	if err != nil {
		return nil, domainerrors.NewInternal("failed to load earnings", err)
	}
	if rep == nil {
		rep = &Report{DriverID: driverID, Year: year, Month: month}
	}
	return rep, nil
}
