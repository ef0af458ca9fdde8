package earnings

import "time"

// Report is a driver's running total for one calendar month (UTC).
type Report struct {
	DriverID      string    `json:"driverId" db:"driver_id"`
	Year          int       `json:"year" db:"year"`
	Month         int       `json:"month" db:"month"`
	Total         float64   `json:"total" db:"total"`
	DeliveryCount int       `json:"deliveryCount" db:"delivery_count"`
	UpdatedAt     time.Time `json:"updatedAt" db:"updated_at"`
}

// Period returns the report period a point in time falls into.
func Period(t time.Time) (year, month int) {
	t = t.UTC()
	return t.Year(), int(t.Month())
}
