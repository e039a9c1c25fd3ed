package charging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/nugget/evchat/internal/database"
	"github.com/nugget/evchat/internal/tools"
)

// ErrDuplicateSession matches a reservation whose session id is taken.
var ErrDuplicateSession = errors.New("session already exists")

// ConflictError is returned by Reserve when the session id already exists.
type ConflictError struct {
	SessionID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("session %q already exists", e.SessionID)
}

// Code implements tools.Coder.
func (e *ConflictError) Code() string { return "conflict" }

// Is lets errors.Is(err, ErrDuplicateSession) match.
func (e *ConflictError) Is(target error) bool { return target == ErrDuplicateSession }

// Reservation is a booked charging session.
type Reservation struct {
	SessionID    string  `json:"session_id"`
	UserID       string  `json:"user_id"`
	VehicleID    string  `json:"vehicle_id"`
	VehicleModel string  `json:"vehicle_model,omitempty"`
	Duration     int     `json:"duration"`
	KWConsumed   float64 `json:"kw_consumed"`
	CreatedAt    string  `json:"created_at"`
}

func (r *Reservation) validate() error {
	r.SessionID = strings.TrimSpace(r.SessionID)
	r.VehicleID = strings.TrimSpace(r.VehicleID)

	switch {
	case r.UserID == "":
		return &tools.ErrInvalidArgument{Field: "user_id", Reason: "is required"}
	case r.VehicleID == "":
		return &tools.ErrInvalidArgument{Field: "vehicle_id", Reason: "is required"}
	case r.SessionID == "" || len(r.SessionID) > MaxSessionID:
		return &tools.ErrInvalidArgument{Field: "session_id", Reason: fmt.Sprintf("must be 1 to %d characters", MaxSessionID)}
	case r.Duration < 1 || r.Duration > MaxDuration:
		return &tools.ErrInvalidArgument{Field: "duration", Reason: fmt.Sprintf("must be between 1 and %d minutes", MaxDuration)}
	case math.IsNaN(r.KWConsumed) || r.KWConsumed < 0 || r.KWConsumed > MaxKWh:
		return &tools.ErrInvalidArgument{Field: "kw_consumed", Reason: fmt.Sprintf("must be between 0 and %g kWh", MaxKWh)}
	}

	t, err := time.Parse(TimestampLayout, strings.TrimSpace(r.CreatedAt))
	if err != nil {
		return &tools.ErrInvalidArgument{Field: "created_at", Reason: "must be a timestamp in YYYY-MM-DD HH:MM:SS format"}
	}
	r.CreatedAt = t.Format(TimestampLayout)
	return nil
}

// Reserve books a charging session. The insert and the vehicle check run
// in one statement inside a transaction, so a vehicle that is missing (or,
// when vehicles record an owner, belongs to someone else) inserts nothing.
// A duplicate session id returns a *ConflictError. The notifier runs after
// commit and its failure does not undo the reservation.
func (s *Service) Reserve(ctx context.Context, r Reservation) (*Reservation, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reservation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO sessions (id, user_id, vehicle_id, duration, kw_consumed, created_at)
		SELECT ?, ?, v.id, ?, ?, ?
		FROM vehicles v
		WHERE v.id = ?`
	args := []any{r.SessionID, r.UserID, r.Duration, r.KWConsumed, r.CreatedAt, r.VehicleID}
	if s.vehicleOwner {
		query += ` AND (v.user_id IS NULL OR v.user_id = ?)`
		args = append(args, r.UserID)
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		if database.IsConstraintViolation(err) {
			return nil, &ConflictError{SessionID: r.SessionID}
		}
		return nil, fmt.Errorf("insert session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	if n == 0 {
		return nil, &tools.ErrInvalidArgument{Field: "vehicle_id", Reason: "is not one of the user's vehicles"}
	}

	var model sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT model FROM vehicles WHERE id = ?`, r.VehicleID).Scan(&model); err != nil {
		return nil, fmt.Errorf("load vehicle: %w", err)
	}
	r.VehicleModel = model.String

	if err := tx.Commit(); err != nil {
		if database.IsConstraintViolation(err) {
			return nil, &ConflictError{SessionID: r.SessionID}
		}
		return nil, fmt.Errorf("commit reservation: %w", err)
	}

	s.logger.Info("session reserved",
		"user_id", r.UserID, "session_id", r.SessionID, "vehicle_id", r.VehicleID)

	if s.notifier != nil {
		if err := s.notifier.ReservationCreated(ctx, r); err != nil {
			s.logger.Warn("reservation notification failed",
				"session_id", r.SessionID, "error", err)
		}
	}
	return &r, nil
}

// Reservation looks up one of the user's sessions. It returns ErrNotFound
// when the session does not exist or belongs to another user.
func (s *Service) Reservation(ctx context.Context, userID, sessionID string) (*Reservation, error) {
	r := Reservation{UserID: userID}
	var model sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.vehicle_id, v.model, s.duration, s.kw_consumed,
			strftime('%Y-%m-%d %H:%M:%S', s.created_at)
		FROM sessions s
		LEFT JOIN vehicles v ON v.id = s.vehicle_id
		WHERE s.id = ? AND s.user_id = ?`,
		sessionID, userID).Scan(&r.SessionID, &r.VehicleID, &model, &r.Duration, &r.KWConsumed, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load reservation: %w", err)
	}
	r.VehicleModel = model.String
	return &r, nil
}
