package charging

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nugget/evchat/internal/tools"
)

// Spending is the total spent over a period.
type Spending struct {
	TotalSpent float64 `json:"total_spent"`
}

// AvgTransaction is the mean transaction amount over a window.
type AvgTransaction struct {
	AvgTransactionAmount float64 `json:"avg_transaction_amount"`
}

// Transaction is one charge with the vehicle it was made for.
type Transaction struct {
	CreatedAt    string  `json:"created_at"`
	Amount       float64 `json:"amount"`
	VehicleModel string  `json:"vehicle_model"`
}

// MonthlyEnergy is the energy consumed in one calendar month.
type MonthlyEnergy struct {
	Month    string  `json:"month"`
	TotalKWh float64 `json:"total_kwh"`
}

// VehicleEnergy is the energy consumed by one vehicle.
type VehicleEnergy struct {
	VehicleModel string  `json:"vehicle_model"`
	TotalKWh     float64 `json:"total_kwh"`
}

// VehicleDuration is the mean session length of one vehicle.
type VehicleDuration struct {
	VehicleModel       string  `json:"vehicle_model"`
	AvgDurationMinutes float64 `json:"avg_duration_minutes"`
}

// WeekdayCount is the number of sessions started on a weekday.
// Weekday follows SQLite's strftime('%w'): 0 is Sunday.
type WeekdayCount struct {
	Weekday      int    `json:"weekday"`
	WeekdayName  string `json:"weekday_name"`
	SessionCount int    `json:"session_count"`
}

// MonthlyTrend summarises one month of activity.
type MonthlyTrend struct {
	Month         string  `json:"month"`
	TotalSessions int     `json:"total_sessions"`
	TotalKWh      float64 `json:"total_kwh"`
	TotalSpent    float64 `json:"total_spent"`
}

// MonthEfficiency is the energy delivered per minute of charging in a month.
type MonthEfficiency struct {
	Month               string  `json:"month"`
	EfficiencyKWhPerMin float64 `json:"efficiency_kwh_per_min"`
}

// SessionStats are averages over all of a user's sessions.
type SessionStats struct {
	AvgDuration     float64 `json:"avg_duration"`
	AvgKWhPerMinute float64 `json:"avg_kwh_per_minute"`
}

// MonthlySpending returns the total the user spent on charging between
// start and end inclusive. Both dates are YYYY-MM-DD.
func (s *Service) MonthlySpending(ctx context.Context, userID, start, end string) (*Spending, error) {
	from, err := parseDate("start_of_period", start)
	if err != nil {
		return nil, err
	}
	to, err := parseDate("end_of_period", end)
	if err != nil {
		return nil, err
	}
	if to < from {
		return nil, &tools.ErrInvalidArgument{Field: "end_of_period", Reason: "must not be before start_of_period"}
	}

	var total sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
		SELECT SUM(amount)
		FROM transactions
		WHERE user_id = ?
			AND DATE(created_at) BETWEEN ? AND ?`,
		userID, from, to).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("monthly spending: %w", err)
	}
	if !total.Valid {
		return nil, nil
	}
	return &Spending{TotalSpent: total.Float64}, nil
}

// AvgTransactionAmount returns the mean transaction amount over the
// months months before today.
func (s *Service) AvgTransactionAmount(ctx context.Context, userID, today string, months int) (*AvgTransaction, error) {
	day, err := parseDate("today", today)
	if err != nil {
		return nil, err
	}
	if err := checkCount("n_months", months, MaxMonths); err != nil {
		return nil, err
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
		SELECT AVG(amount)
		FROM transactions
		WHERE user_id = ?
			AND DATE(created_at) >= DATE(?, ?)`,
		userID, day, monthsAgo(months)).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("average transaction: %w", err)
	}
	if !avg.Valid {
		return nil, nil
	}
	return &AvgTransaction{AvgTransactionAmount: avg.Float64}, nil
}

// MaxTransactions returns the user's n largest transactions.
func (s *Service) MaxTransactions(ctx context.Context, userID string, n int) ([]Transaction, error) {
	if err := checkCount("n_highest", n, MaxRows); err != nil {
		return nil, err
	}
	return queryList(ctx, s.db, "max transactions", func(rows *sql.Rows) (Transaction, error) {
		var t Transaction
		var model sql.NullString
		err := rows.Scan(&t.CreatedAt, &t.Amount, &model)
		t.VehicleModel = model.String
		return t, err
	}, `
		SELECT strftime('%Y-%m-%d %H:%M:%S', t.created_at), t.amount, v.model
		FROM transactions t
		LEFT JOIN vehicles v ON v.id = t.vehicle_id
		WHERE t.user_id = ?
		ORDER BY t.amount DESC, t.created_at DESC
		LIMIT ?`,
		userID, n)
}

// MonthlyEnergyUsage returns kWh per month for the months months before
// start, oldest first.
func (s *Service) MonthlyEnergyUsage(ctx context.Context, userID, start string, months int) ([]MonthlyEnergy, error) {
	day, err := parseDate("st_date", start)
	if err != nil {
		return nil, err
	}
	if err := checkCount("n_months", months, MaxMonths); err != nil {
		return nil, err
	}
	return queryList(ctx, s.db, "monthly energy", func(rows *sql.Rows) (MonthlyEnergy, error) {
		var m MonthlyEnergy
		err := rows.Scan(&m.Month, &m.TotalKWh)
		return m, err
	}, `
		SELECT strftime('%Y-%m', created_at) AS month, SUM(kw_consumed)
		FROM sessions
		WHERE user_id = ?
			AND DATE(created_at) >= DATE(?, ?)
		GROUP BY month
		ORDER BY month`,
		userID, day, monthsAgo(months))
}

// MonthlyEnergyPerVehicle returns kWh per vehicle over the months months
// before today, largest consumer first, at most limit vehicles.
func (s *Service) MonthlyEnergyPerVehicle(ctx context.Context, userID, today string, months, limit int) ([]VehicleEnergy, error) {
	day, err := parseDate("today", today)
	if err != nil {
		return nil, err
	}
	if err := checkCount("n_months", months, MaxMonths); err != nil {
		return nil, err
	}
	if err := checkCount("n_vehicles", limit, MaxVehicles); err != nil {
		return nil, err
	}
	return queryList(ctx, s.db, "energy per vehicle", func(rows *sql.Rows) (VehicleEnergy, error) {
		var v VehicleEnergy
		err := rows.Scan(&v.VehicleModel, &v.TotalKWh)
		return v, err
	}, `
		SELECT v.model, SUM(s.kw_consumed) AS total_kwh
		FROM sessions s
		JOIN vehicles v ON v.id = s.vehicle_id
		WHERE s.user_id = ?
			AND DATE(s.created_at) >= DATE(?, ?)
		GROUP BY s.vehicle_id
		ORDER BY total_kwh DESC
		LIMIT ?`,
		userID, day, monthsAgo(months), limit)
}

// AvgSessionDurationPerVehicle returns the mean session length of each of
// the user's vehicles.
func (s *Service) AvgSessionDurationPerVehicle(ctx context.Context, userID string) ([]VehicleDuration, error) {
	return queryList(ctx, s.db, "duration per vehicle", func(rows *sql.Rows) (VehicleDuration, error) {
		var v VehicleDuration
		err := rows.Scan(&v.VehicleModel, &v.AvgDurationMinutes)
		return v, err
	}, `
		SELECT v.model, AVG(s.duration)
		FROM sessions s
		JOIN vehicles v ON v.id = s.vehicle_id
		WHERE s.user_id = ?
		GROUP BY s.vehicle_id
		ORDER BY v.model`,
		userID)
}

// MostFrequentChargingWeekdays returns session counts per weekday, busiest
// first.
func (s *Service) MostFrequentChargingWeekdays(ctx context.Context, userID string) ([]WeekdayCount, error) {
	return queryList(ctx, s.db, "charging weekdays", func(rows *sql.Rows) (WeekdayCount, error) {
		var w WeekdayCount
		err := rows.Scan(&w.Weekday, &w.SessionCount)
		if w.Weekday >= 0 && w.Weekday <= 6 {
			w.WeekdayName = time.Weekday(w.Weekday).String()
		}
		return w, err
	}, `
		SELECT CAST(strftime('%w', created_at) AS INTEGER) AS weekday, COUNT(*) AS session_count
		FROM sessions
		WHERE user_id = ?
		GROUP BY weekday
		ORDER BY session_count DESC, weekday`,
		userID)
}

// MonthlyUsageTrends returns sessions, energy and spend per month, oldest
// first. Sessions without a transaction count with zero spend.
func (s *Service) MonthlyUsageTrends(ctx context.Context, userID string) ([]MonthlyTrend, error) {
	return queryList(ctx, s.db, "usage trends", func(rows *sql.Rows) (MonthlyTrend, error) {
		var m MonthlyTrend
		err := rows.Scan(&m.Month, &m.TotalSessions, &m.TotalKWh, &m.TotalSpent)
		return m, err
	}, `
		SELECT strftime('%Y-%m', s.created_at) AS month,
			COUNT(s.id),
			SUM(s.kw_consumed),
			COALESCE(SUM(t.spent), 0)
		FROM sessions s
		LEFT JOIN (
			SELECT session_id, SUM(amount) AS spent
			FROM transactions
			WHERE user_id = ?
			GROUP BY session_id
		) t ON t.session_id = s.id
		WHERE s.user_id = ?
		GROUP BY month
		ORDER BY month`,
		userID, userID)
}

// MostEfficientMonth returns the n months with the highest kWh delivered
// per minute of session time.
func (s *Service) MostEfficientMonth(ctx context.Context, userID string, n int) ([]MonthEfficiency, error) {
	if err := checkCount("n_months", n, MaxMonths); err != nil {
		return nil, err
	}
	return queryList(ctx, s.db, "efficient month", func(rows *sql.Rows) (MonthEfficiency, error) {
		var m MonthEfficiency
		err := rows.Scan(&m.Month, &m.EfficiencyKWhPerMin)
		return m, err
	}, `
		SELECT strftime('%Y-%m', created_at) AS month,
			ROUND(SUM(kw_consumed) * 1.0 / SUM(duration), 3) AS efficiency
		FROM sessions
		WHERE user_id = ?
		GROUP BY month
		HAVING SUM(duration) > 0
		ORDER BY efficiency DESC, month DESC
		LIMIT ?`,
		userID, n)
}

// AvgSessionStats returns the user's mean session duration and mean
// charging rate.
func (s *Service) AvgSessionStats(ctx context.Context, userID string) (*SessionStats, error) {
	var dur, rate sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT AVG(duration),
			ROUND(AVG(kw_consumed * 1.0 / NULLIF(duration, 0)), 3)
		FROM sessions
		WHERE user_id = ?`,
		userID).Scan(&dur, &rate)
	if err != nil {
		return nil, fmt.Errorf("session stats: %w", err)
	}
	if !dur.Valid && !rate.Valid {
		return nil, nil
	}
	return &SessionStats{AvgDuration: dur.Float64, AvgKWhPerMinute: rate.Float64}, nil
}

// queryList runs a listing query. An empty result is a nil slice.
func queryList[T any](ctx context.Context, db *sql.DB, what string, scan func(*sql.Rows) (T, error), query string, args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", what, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return out, nil
}
