package earnings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

type Repository interface {
	// Credit adds amount to the driver's report for the period and records
	// deliveryID as a contributor. It reports false, changing nothing, when
	// the delivery was already credited.
	Credit(ctx context.Context, ext sqlx.ExtContext, driverID, deliveryID string, year, month int, amount float64, now time.Time) (bool, error)
	Get(ctx context.Context, ext sqlx.ExtContext, driverID string, year, month int) (*Report, error)
	Contributors(ctx context.Context, ext sqlx.ExtContext, driverID string, year, month int) ([]string, error)
}

type earningsRepository struct{}

func NewRepository() Repository {
	return &earningsRepository{}
}

func (r *earningsRepository) Credit(ctx context.Context, ext sqlx.ExtContext, driverID, deliveryID string, year, month int, amount float64, now time.Time) (bool, error) {
	// the report row must exist before a contributor can reference it
	_, err := ext.ExecContext(ctx, `INSERT INTO earnings_reports (driver_id, year, month, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (driver_id, year, month) DO NOTHING`, driverID, year, month, now)
	if err != nil {
		return false, fmt.Errorf("ensure earnings report: %w", err)
	}

	res, err := ext.ExecContext(ctx, `INSERT INTO earnings_report_deliveries (delivery_id, driver_id, year, month, amount, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (delivery_id) DO NOTHING`, deliveryID, driverID, year, month, amount, now)
	if err != nil {
		return false, fmt.Errorf("insert earnings contributor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert earnings contributor: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	_, err = ext.ExecContext(ctx, `UPDATE earnings_reports
		SET total = total + $4, delivery_count = delivery_count + 1, updated_at = $5
		WHERE driver_id = $1 AND year = $2 AND month = $3`, driverID, year, month, amount, now)
	if err != nil {
		return false, fmt.Errorf("increment earnings report: %w", err)
	}
	return true, nil
}

func (r *earningsRepository) Get(ctx context.Context, ext sqlx.ExtContext, driverID string, year, month int) (*Report, error) {
	var rep Report
	err := sqlx.GetContext(ctx, ext, &rep, `SELECT driver_id, year, month, total, delivery_count, updated_at
		FROM earnings_reports WHERE driver_id = $1 AND year = $2 AND month = $3`, driverID, year, month)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get earnings report: %w", err)
	}
	return &rep, nil
}

func (r *earningsRepository) Contributors(ctx context.Context, ext sqlx.ExtContext, driverID string, year, month int) ([]string, error) {
	var ids []string
	err := sqlx.SelectContext(ctx, ext, &ids, `SELECT delivery_id FROM earnings_report_deliveries
		WHERE driver_id = $1 AND year = $2 AND month = $3 ORDER BY recorded_at`, driverID, year, month)
	if err != nil {
		return nil, fmt.Errorf("list earnings contributors: %w", err)
	}
	return ids, nil
}
