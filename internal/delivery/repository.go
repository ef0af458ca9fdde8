package delivery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"delivery-dispatch/internal/geo"
)

// ErrNotFound is returned by the repository when no row matches.
var ErrNotFound = errors.New("delivery not found")

const (
	constraintActiveDriver = "deliveries_active_driver_uniq"
	constraintLiveOrder    = "deliveries_live_order_uniq"
)

type Repository interface {
	Insert(ctx context.Context, ext sqlx.ExtContext, d *Delivery) error
	GetByID(ctx context.Context, ext sqlx.ExtContext, id string) (*Delivery, error)
	// Update writes d if the row still has expectStatus and expectVersion and
	// reports whether it did. On success d.Version is advanced.
	Update(ctx context.Context, ext sqlx.ExtContext, d *Delivery, expectStatus Status, expectVersion int) (bool, error)
	AppendHistory(ctx context.Context, ext sqlx.ExtContext, deliveryID string, entries []StatusEntry) error
	// MoveDriver updates the driver's position on an active delivery held by
	// driverID. It returns ErrNotFound when any of those conditions fails.
	MoveDriver(ctx context.Context, ext sqlx.ExtContext, id, driverID string, p LocationPoint) (*Delivery, error)
	LastLocation(ctx context.Context, ext sqlx.ExtContext, id string) (*LocationPoint, error)
	AppendLocation(ctx context.Context, ext sqlx.ExtContext, id string, p LocationPoint, keep int) error
	Locations(ctx context.Context, ext sqlx.ExtContext, id string, limit int) ([]LocationPoint, error)
	ActiveIDForDriver(ctx context.Context, ext sqlx.ExtContext, driverID string) (string, error)
	Query(ctx context.Context, ext sqlx.ExtContext, f Filter) ([]*Delivery, int, error)
	ListDueForRetry(ctx context.Context, ext sqlx.ExtContext, now time.Time, limit int) ([]*Delivery, error)
	ListStalePending(ctx context.Context, ext sqlx.ExtContext, createdBefore time.Time, limit int) ([]*Delivery, error)
}

type deliveryRepository struct{}

func NewRepository() Repository {
	return &deliveryRepository{}
}

type deliveryRow struct {
	ID              string          `db:"id"`
	OrderID         string          `db:"order_id"`
	OrderRef        string          `db:"order_ref"`
	RestaurantID    string          `db:"restaurant_id"`
	RestaurantName  string          `db:"restaurant_name"`
	RestaurantLat   float64         `db:"restaurant_lat"`
	RestaurantLng   float64         `db:"restaurant_lng"`
	CustomerID      string          `db:"customer_id"`
	CustomerName    string          `db:"customer_name"`
	CustomerPhone   string          `db:"customer_phone"`
	DeliveryAddress string          `db:"delivery_address"`
	CustomerLat     sql.NullFloat64 `db:"customer_lat"`
	CustomerLng     sql.NullFloat64 `db:"customer_lng"`

	DriverID         sql.NullString  `db:"driver_id"`
	DriverName       string          `db:"driver_name"`
	DriverPhone      string          `db:"driver_phone"`
	DriverLat        sql.NullFloat64 `db:"driver_lat"`
	DriverLng        sql.NullFloat64 `db:"driver_lng"`
	DriverAssignedAt sql.NullTime    `db:"driver_assigned_at"`
	DriverLocationAt sql.NullTime    `db:"driver_location_at"`

	Status          string         `db:"status"`
	ProposedDrivers pq.StringArray `db:"proposed_drivers"`
	DeclinedDrivers pq.StringArray `db:"declined_drivers"`
	RetryAttempt    int            `db:"retry_attempt"`
	NextRetryAt     sql.NullTime   `db:"next_retry_at"`

	DeliveryFee      float64 `db:"delivery_fee"`
	PaymentMethod    string  `db:"payment_method"`
	PaymentStatus    string  `db:"payment_status"`
	EarningsAmount   float64 `db:"earnings_amount"`
	EarningsRecorded bool    `db:"earnings_recorded"`
	FailureReason    string  `db:"failure_reason"`

	Version   int       `db:"version"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

const deliveryColumns = `id, order_id, order_ref,
	restaurant_id, restaurant_name, restaurant_lat, restaurant_lng,
	customer_id, customer_name, customer_phone, delivery_address, customer_lat, customer_lng,
	driver_id, driver_name, driver_phone, driver_lat, driver_lng, driver_assigned_at, driver_location_at,
	status, proposed_drivers, declined_drivers, retry_attempt, next_retry_at,
	delivery_fee, payment_method, payment_status, earnings_amount, earnings_recorded, failure_reason,
	version, created_at, updated_at`

func toRow(d *Delivery) deliveryRow {
	r := deliveryRow{
		ID:               d.ID,
		OrderID:          d.OrderID,
		OrderRef:         d.OrderRef,
		RestaurantID:     d.Restaurant.ID,
		RestaurantName:   d.Restaurant.Name,
		RestaurantLat:    d.Restaurant.Location.Lat,
		RestaurantLng:    d.Restaurant.Location.Lng,
		CustomerID:       d.Customer.ID,
		CustomerName:     d.Customer.Name,
		CustomerPhone:    d.Customer.Phone,
		DeliveryAddress:  d.Customer.DeliveryAddress,
		Status:           string(d.Status),
		ProposedDrivers:  pq.StringArray(nonNil(d.ProposedDrivers)),
		DeclinedDrivers:  pq.StringArray(nonNil(d.DeclinedDrivers)),
		RetryAttempt:     d.RetryAttempt,
		DeliveryFee:      d.DeliveryFee,
		PaymentMethod:    d.Payment.Method,
		PaymentStatus:    d.Payment.Status,
		EarningsAmount:   d.EarningsAmount,
		EarningsRecorded: d.EarningsRecorded,
		FailureReason:    d.FailureReason,
		Version:          d.Version,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
	if d.Customer.Location != nil {
		r.CustomerLat = sql.NullFloat64{Float64: d.Customer.Location.Lat, Valid: true}
		r.CustomerLng = sql.NullFloat64{Float64: d.Customer.Location.Lng, Valid: true}
	}
	if d.Driver != nil {
		r.DriverID = sql.NullString{String: d.Driver.ID, Valid: true}
		r.DriverName = d.Driver.Name
		r.DriverPhone = d.Driver.Phone
		r.DriverAssignedAt = sql.NullTime{Time: d.Driver.AssignedAt, Valid: true}
		if d.Driver.CurrentLocation != nil {
			r.DriverLat = sql.NullFloat64{Float64: d.Driver.CurrentLocation.Lat, Valid: true}
			r.DriverLng = sql.NullFloat64{Float64: d.Driver.CurrentLocation.Lng, Valid: true}
		}
		if d.Driver.LocationUpdatedAt != nil {
			r.DriverLocationAt = sql.NullTime{Time: *d.Driver.LocationUpdatedAt, Valid: true}
		}
	}
	if d.NextRetryAt != nil {
		r.NextRetryAt = sql.NullTime{Time: *d.NextRetryAt, Valid: true}
	}
	return r
}

func (r deliveryRow) toDelivery() *Delivery {
	d := &Delivery{
		ID:       r.ID,
		OrderID:  r.OrderID,
		OrderRef: r.OrderRef,
		Restaurant: Restaurant{
			ID:       r.RestaurantID,
			Name:     r.RestaurantName,
			Location: geo.NewLocation(r.RestaurantLat, r.RestaurantLng),
		},
		Customer: Customer{
			ID:              r.CustomerID,
			Name:            r.CustomerName,
			Phone:           r.CustomerPhone,
			DeliveryAddress: r.DeliveryAddress,
		},
		Status:           Status(r.Status),
		ProposedDrivers:  []string(r.ProposedDrivers),
		DeclinedDrivers:  []string(r.DeclinedDrivers),
		RetryAttempt:     r.RetryAttempt,
		DeliveryFee:      r.DeliveryFee,
		Payment:          Payment{Method: r.PaymentMethod, Status: r.PaymentStatus},
		EarningsAmount:   r.EarningsAmount,
		EarningsRecorded: r.EarningsRecorded,
		FailureReason:    r.FailureReason,
		Version:          r.Version,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.CustomerLat.Valid && r.CustomerLng.Valid {
		loc := geo.NewLocation(r.CustomerLat.Float64, r.CustomerLng.Float64)
		d.Customer.Location = &loc
	}
	if r.DriverID.Valid {
		d.Driver = &Driver{
			ID:         r.DriverID.String,
			Name:       r.DriverName,
			Phone:      r.DriverPhone,
			AssignedAt: r.DriverAssignedAt.Time,
		}
		if r.DriverLat.Valid && r.DriverLng.Valid {
			loc := geo.NewLocation(r.DriverLat.Float64, r.DriverLng.Float64)
			d.Driver.CurrentLocation = &loc
		}
		if r.DriverLocationAt.Valid {
			t := r.DriverLocationAt.Time
			d.Driver.LocationUpdatedAt = &t
		}
	}
	if r.NextRetryAt.Valid {
		t := r.NextRetryAt.Time
		d.NextRetryAt = &t
	}
	return d
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// -------------------------------------------------------------------------------------------------
func (r *deliveryRepository) Insert(ctx context.Context, ext sqlx.ExtContext, d *Delivery) error {
	query := `INSERT INTO deliveries (` + deliveryColumns + `) VALUES (
		:id, :order_id, :order_ref,
		:restaurant_id, :restaurant_name, :restaurant_lat, :restaurant_lng,
		:customer_id, :customer_name, :customer_phone, :delivery_address, :customer_lat, :customer_lng,
		:driver_id, :driver_name, :driver_phone, :driver_lat, :driver_lng, :driver_assigned_at, :driver_location_at,
		:status, :proposed_drivers, :declined_drivers, :retry_attempt, :next_retry_at,
		:delivery_fee, :payment_method, :payment_status, :earnings_amount, :earnings_recorded, :failure_reason,
		:version, :created_at, :updated_at)`

	if _, err := sqlx.NamedExecContext(ctx, ext, query, toRow(d)); err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return r.AppendHistory(ctx, ext, d.ID, d.StatusHistory)
}

// -------------------------------------------------------------------------------------------------
func (r *deliveryRepository) GetByID(ctx context.Context, ext sqlx.ExtContext, id string) (*Delivery, error) {
	var row deliveryRow
	err := sqlx.GetContext(ctx, ext, &row, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get delivery: %w", err)
	}

	d := row.toDelivery()
	var history []struct {
		Status    string    `db:"status"`
		Notes     string    `db:"notes"`
		CreatedAt time.Time `db:"created_at"`
	}
	if err := sqlx.SelectContext(ctx, ext, &history,
		`SELECT status, notes, created_at FROM delivery_status_history WHERE delivery_id = $1 ORDER BY id`, id); err != nil {
		return nil, fmt.Errorf("get delivery history: %w", err)
	}
	d.StatusHistory = make([]StatusEntry, 0, len(history))
	for _, h := range history {
		d.StatusHistory = append(d.StatusHistory, StatusEntry{Status: Status(h.Status), Notes: h.Notes, Timestamp: h.CreatedAt})
	}
	return d, nil
}

// -------------------------------------------------------------------------------------------------
// Update leaves driver_lat/driver_lng/driver_location_at alone: those belong
// to MoveDriver and must not be overwritten by a writer holding an older read.
func (r *deliveryRepository) Update(ctx context.Context, ext sqlx.ExtContext, d *Delivery, expectStatus Status, expectVersion int) (bool, error) {
	args := struct {
		deliveryRow
		ExpectStatus  string `db:"expect_status"`
		ExpectVersion int    `db:"expect_version"`
	}{toRow(d), string(expectStatus), expectVersion}

	query := `UPDATE deliveries SET
		driver_id = :driver_id,
		driver_name = :driver_name,
		driver_phone = :driver_phone,
		driver_assigned_at = :driver_assigned_at,
		driver_lat = COALESCE(driver_lat, :driver_lat),
		driver_lng = COALESCE(driver_lng, :driver_lng),
		status = :status,
		proposed_drivers = :proposed_drivers,
		declined_drivers = :declined_drivers,
		retry_attempt = :retry_attempt,
		next_retry_at = :next_retry_at,
		earnings_amount = :earnings_amount,
		earnings_recorded = :earnings_recorded,
		failure_reason = :failure_reason,
		version = version + 1,
		updated_at = :updated_at
	WHERE id = :id AND status = :expect_status AND version = :expect_version`

	res, err := sqlx.NamedExecContext(ctx, ext, query, args)
	if err != nil {
		return false, fmt.Errorf("update delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update delivery rows: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	d.Version = expectVersion + 1
	return true, nil
}

// -------------------------------------------------------------------------------------------------
func (r *deliveryRepository) AppendHistory(ctx context.Context, ext sqlx.ExtContext, deliveryID string, entries []StatusEntry) error {
	for _, e := range entries {
		if _, err := ext.ExecContext(ctx,
			`INSERT INTO delivery_status_history (delivery_id, status, notes, created_at) VALUES ($1, $2, $3, $4)`,
			deliveryID, string(e.Status), e.Notes, e.Timestamp); err != nil {
			return fmt.Errorf("insert status history: %w", err)
		}
	}
	return nil
}

// -------------------------------------------------------------------------------------------------
func (r *deliveryRepository) MoveDriver(ctx context.Context, ext sqlx.ExtContext, id, driverID string, p LocationPoint) (*Delivery, error) {
	var row deliveryRow
	err := sqlx.GetContext(ctx, ext, &row, `UPDATE deliveries SET
			driver_lat = $3, driver_lng = $4, driver_location_at = $5
		WHERE id = $1 AND driver_id = $2 AND status = ANY($6)
		RETURNING `+deliveryColumns,
		id, driverID, p.Location.Lat, p.Location.Lng, p.Timestamp, pq.Array(activeStatuses()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("move driver: %w", err)
	}
	return row.toDelivery(), nil
}

func activeStatuses() []string {
	var out []string
	for s := range ordinals {
		if s.IsActive() {
			out = append(out, string(s))
		}
	}
	return out
}

// -------------------------------------------------------------------------------------------------
func (r *deliveryRepository) LastLocation(ctx context.Context, ext sqlx.ExtContext, id string) (*LocationPoint, error) {
	var row struct {
		Lat        float64   `db:"lat"`
		Lng        float64   `db:"lng"`
		RecordedAt time.Time `db:"recorded_at"`
	}
	err := sqlx.GetContext(ctx, ext, &row,
		`SELECT lat, lng, recorded_at FROM delivery_locations WHERE delivery_id = $1 ORDER BY id DESC LIMIT 1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last location: %w", err)
	}
	return &LocationPoint{Location: geo.NewLocation(row.Lat, row.Lng), Timestamp: row.RecordedAt}, nil
}

// -------------------------------------------------------------------------------------------------
// AppendLocation stores p and trims the history to the newest keep points.
func (r *deliveryRepository) AppendLocation(ctx context.Context, ext sqlx.ExtContext, id string, p LocationPoint, keep int) error {
	if _, err := ext.ExecContext(ctx,
		`INSERT INTO delivery_locations (delivery_id, lat, lng, recorded_at) VALUES ($1, $2, $3, $4)`,
		id, p.Location.Lat, p.Location.Lng, p.Timestamp); err != nil {
		return fmt.Errorf("insert location: %w", err)
	}
	if keep <= 0 {
		return nil
	}
	if _, err := ext.ExecContext(ctx, `DELETE FROM delivery_locations
		WHERE delivery_id = $1 AND id < (
			SELECT MIN(id) FROM (
				SELECT id FROM delivery_locations WHERE delivery_id = $1 ORDER BY id DESC LIMIT $2
			) newest
		)`, id, keep); err != nil {
		return fmt.Errorf("trim locations: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------------------------------
func (r *deliveryRepository) Locations(ctx context.Context, ext sqlx.ExtContext, id string, limit int) ([]LocationPoint, error) {
	var rows []struct {
		Lat        float64   `db:"lat"`
		Lng        float64   `db:"lng"`
		RecordedAt time.Time `db:"recorded_at"`
	}
	err := sqlx.SelectContext(ctx, ext, &rows, `SELECT lat, lng, recorded_at FROM (
			SELECT id, lat, lng, recorded_at FROM delivery_locations WHERE delivery_id = $1 ORDER BY id DESC LIMIT $2
		) newest ORDER BY id`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	out := make([]LocationPoint, 0, len(rows))
	for _, row := range rows {
		out = append(out, LocationPoint{Location: geo.NewLocation(row.Lat, row.Lng), Timestamp: row.RecordedAt})
	}
	return out, nil
}

// -------------------------------------------------------------------------------------------------
func (r *deliveryRepository) ActiveIDForDriver(ctx context.Context, ext sqlx.ExtContext, driverID string) (string, error) {
	var id string
	err := sqlx.GetContext(ctx, ext, &id, `SELECT id FROM deliveries
		WHERE driver_id = $1 AND status NOT IN ('DELIVERED', 'CANCELLED', 'FAILED')
		LIMIT 1`, driverID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("active delivery for driver: %w", err)
	}
	return id, nil
}

// -------------------------------------------------------------------------------------------------
func (r *deliveryRepository) Query(ctx context.Context, ext sqlx.ExtContext, f Filter) ([]*Delivery, int, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.DriverID != "" {
		add("driver_id = $%d", f.DriverID)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at < $%d", *f.To)
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := sqlx.GetContext(ctx, ext, &total, `SELECT COUNT(*) FROM deliveries`+clause, args...); err != nil {
		return nil, 0, fmt.Errorf("count deliveries: %w", err)
	}

	page, limit := f.Page, f.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	args = append(args, limit, (page-1)*limit)
	query := fmt.Sprintf(`SELECT %s FROM deliveries%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		deliveryColumns, clause, len(args)-1, len(args))

	var rows []deliveryRow
	if err := sqlx.SelectContext(ctx, ext, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("query deliveries: %w", err)
	}
	return toDeliveries(rows), total, nil
}

// -------------------------------------------------------------------------------------------------
func (r *deliveryRepository) ListDueForRetry(ctx context.Context, ext sqlx.ExtContext, now time.Time, limit int) ([]*Delivery, error) {
	var rows []deliveryRow
	err := sqlx.SelectContext(ctx, ext, &rows, `SELECT `+deliveryColumns+` FROM deliveries
		WHERE status = 'PENDING_ASSIGNMENT' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		ORDER BY next_retry_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due deliveries: %w", err)
	}
	return toDeliveries(rows), nil
}

// -------------------------------------------------------------------------------------------------
func (r *deliveryRepository) ListStalePending(ctx context.Context, ext sqlx.ExtContext, createdBefore time.Time, limit int) ([]*Delivery, error) {
	var rows []deliveryRow
	err := sqlx.SelectContext(ctx, ext, &rows, `SELECT `+deliveryColumns+` FROM deliveries
		WHERE status = 'PENDING_ASSIGNMENT' AND created_at <= $1
		ORDER BY created_at
		LIMIT $2`, createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale deliveries: %w", err)
	}
	return toDeliveries(rows), nil
}

func toDeliveries(rows []deliveryRow) []*Delivery {
	out := make([]*Delivery, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDelivery())
	}
	return out
}
