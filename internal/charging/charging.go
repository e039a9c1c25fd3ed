// Package charging implements the data-query functions over a user's
// charging sessions, transactions and vehicles, plus the reservation
// write path.
//
// Every query binds all of its inputs as parameters, including SQLite
// date modifiers. Aggregates return a single record, listing queries
// return a slice, and an empty result is reported as nil so the tool
// layer can emit its no-data sentinel.
package charging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/evchat/internal/tools"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("not found")

// Date and timestamp layouts accepted from the model.
const (
	DateLayout      = "2006-01-02"
	TimestampLayout = "2006-01-02 15:04:05"
)

// Bounds on model-supplied counts.
const (
	MaxMonths    = 120
	MaxRows      = 100
	MaxVehicles  = 50
	MaxDuration  = 24 * 60 // minutes
	MaxKWh       = 1000.0
	MaxSessionID = 64
)

// ReservationNotifier is told about each committed reservation.
type ReservationNotifier interface {
	ReservationCreated(ctx context.Context, r Reservation) error
}

// Service runs the charging queries against one database.
type Service struct {
	db       *sql.DB
	notifier ReservationNotifier
	logger   *slog.Logger

	// vehicleOwner is true when vehicles carries a user_id column, which
	// enables the ownership check on reservations.
	vehicleOwner bool
}

// NewService inspects the schema and returns a Service. notifier may be
// nil.
func NewService(ctx context.Context, db *sql.DB, notifier ReservationNotifier, logger *slog.Logger) (*Service, error) {
	s := &Service{db: db, notifier: notifier, logger: logger}

	cols, err := tableColumns(ctx, db, "vehicles")
	if err != nil {
		return nil, err
	}
	s.vehicleOwner = cols["user_id"]
	return s, nil
}

func tableColumns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// EnsureSchema creates the charging tables when they are missing. It is
// meant for development and test databases; production databases are
// provisioned separately.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			first_name TEXT,
			last_name TEXT
		);

		CREATE TABLE IF NOT EXISTS vehicles (
			id TEXT PRIMARY KEY,
			user_id TEXT,
			model TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			vehicle_id TEXT NOT NULL,
			duration INTEGER NOT NULL,
			kw_consumed REAL NOT NULL,
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, created_at);

		CREATE TABLE IF NOT EXISTS transactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			vehicle_id TEXT NOT NULL,
			session_id TEXT,
			amount REAL NOT NULL,
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, created_at);
	`)
	if err != nil {
		return fmt.Errorf("create charging schema: %w", err)
	}
	return nil
}

// UserName returns the user's first name, or "" when unknown.
func (s *Service) UserName(ctx context.Context, userID string) (string, error) {
	var name sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT first_name FROM users WHERE id = ?`, userID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("look up user: %w", err)
	}
	return name.String, nil
}

// Ping checks the database connection.
func (s *Service) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func parseDate(field, v string) (string, error) {
	t, err := time.Parse(DateLayout, v)
	if err != nil {
		return "", &tools.ErrInvalidArgument{Field: field, Reason: "must be a date in YYYY-MM-DD format"}
	}
	return t.Format(DateLayout), nil
}

func checkCount(field string, n, max int) error {
	if n < 1 || n > max {
		return &tools.ErrInvalidArgument{Field: field, Reason: fmt.Sprintf("must be between 1 and %d", max)}
	}
	return nil
}

// monthsAgo is the SQLite date modifier for n months back. n is validated
// by the caller and the modifier is bound as a parameter.
func monthsAgo(n int) string {
	return fmt.Sprintf("-%d months", n)
}
