package charging

import (
	"context"

	"github.com/nugget/evchat/internal/tools"
)

// stringParam is also used for counts; tools.Args accepts numbers and
// numeric strings alike.
func stringParam(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// record adapts a single-record query to a tools.Handler result so that a
// nil record reaches the registry as an untyped nil.
func record[T any](v *T, err error) (any, error) {
	if err != nil || v == nil {
		return nil, err
	}
	return v, nil
}

func list[T any](v []T, err error) (any, error) {
	if err != nil || len(v) == 0 {
		return nil, err
	}
	return v, nil
}

// RegisterTools adds the charging data tools to reg.
func RegisterTools(reg *tools.Registry, svc *Service) {
	reg.Register(&tools.Tool{
		Name:        "getMonthlySpending",
		Description: "Calculate the total amount the user spent on charging sessions in a specific period.",
		Parameters: objectSchema(map[string]any{
			"start_of_period": stringParam("The start date of the period in the format 'YYYY-MM-DD'."),
			"end_of_period":   stringParam("The end date of the period in the format 'YYYY-MM-DD'."),
		}, "start_of_period", "end_of_period"),
		Handler: func(ctx context.Context, args tools.Args) (any, error) {
			start, err := args.String("start_of_period")
			if err != nil {
				return nil, err
			}
			end, err := args.String("end_of_period")
			if err != nil {
				return nil, err
			}
			return record(svc.MonthlySpending(ctx, args.UserID(), start, end))
		},
	})

	reg.Register(&tools.Tool{
		Name:        "getAvgTransactionAmount",
		Description: "Get the average transaction amount for the user over the past n months.",
		Parameters: objectSchema(map[string]any{
			"today":    stringParam("The current date in the format 'YYYY-MM-DD'."),
			"n_months": stringParam("The number of months to consider for calculating the average transaction amount."),
		}, "today", "n_months"),
		Handler: func(ctx context.Context, args tools.Args) (any, error) {
			today, err := args.String("today")
			if err != nil {
				return nil, err
			}
			months, err := args.Int("n_months")
			if err != nil {
				return nil, err
			}
			return record(svc.AvgTransactionAmount(ctx, args.UserID(), today, months))
		},
	})

	reg.Register(&tools.Tool{
		Name:        "getMaxTransactions",
		Description: "Retrieve the highest n transactions (by amount) the user has ever made.",
		Parameters: objectSchema(map[string]any{
			"n_highest": stringParam("The number of highest transactions to retrieve."),
		}, "n_highest"),
		Handler: func(ctx context.Context, args tools.Args) (any, error) {
			n, err := args.Int("n_highest")
			if err != nil {
				return nil, err
			}
			return list(svc.MaxTransactions(ctx, args.UserID(), n))
		},
	})

	reg.Register(&tools.Tool{
		Name:        "getMonthlyEnergyUsage",
		Description: "Get the total kilowatt-hours (kWh) consumed by the user for each of the last n months.",
		Parameters: objectSchema(map[string]any{
			"st_date":  stringParam("The start date of the period in the format 'YYYY-MM-DD'."),
			"n_months": stringParam("The number of months to consider for calculating the monthly energy usage."),
		}, "st_date", "n_months"),
		Handler: func(ctx context.Context, args tools.Args) (any, error) {
			start, err := args.String("st_date")
			if err != nil {
				return nil, err
			}
			months, err := args.Int("n_months")
			if err != nil {
				return nil, err
			}
			return list(svc.MonthlyEnergyUsage(ctx, args.UserID(), start, months))
		},
	})

	reg.Register(&tools.Tool{
		Name:        "getMonthlyEnergyPerVehicle",
		Description: "Get the total kilowatt-hours (kWh) consumed by each of the user's vehicles over the last n months.",
		Parameters: objectSchema(map[string]any{
			"today":      stringParam("The current date in the format 'YYYY-MM-DD'."),
			"n_months":   stringParam("The number of months to consider for calculating the monthly energy usage per vehicle."),
			"n_vehicles": stringParam("The number of vehicles to consider for calculating the monthly energy usage per vehicle."),
		}, "today", "n_months"),
		Handler: func(ctx context.Context, args tools.Args) (any, error) {
			today, err := args.String("today")
			if err != nil {
				return nil, err
			}
			months, err := args.Int("n_months")
			if err != nil {
				return nil, err
			}
			limit, err := args.OptionalInt("n_vehicles", MaxVehicles)
			if err != nil {
				return nil, err
			}
			return list(svc.MonthlyEnergyPerVehicle(ctx, args.UserID(), today, months, limit))
		},
	})

	reg.Register(&tools.Tool{
		Name:        "getAvgSessionDurationPerVehicle",
		Description: "Compute the average duration of charging sessions for each of the user's vehicles.",
		Parameters:  objectSchema(map[string]any{}),
		Handler: func(ctx context.Context, args tools.Args) (any, error) {
			return list(svc.AvgSessionDurationPerVehicle(ctx, args.UserID()))
		},
	})

	reg.Register(&tools.Tool{
		Name:        "getMostFrequentChargingWeekdays",
		Description: "Identify the days of the week when the user most frequently charges their vehicles.",
		Parameters:  objectSchema(map[string]any{}),
		Handler: func(ctx context.Context, args tools.Args) (any, error) {
			return list(svc.MostFrequentChargingWeekdays(ctx, args.UserID()))
		},
	})

	reg.Register(&tools.Tool{
		Name:        "getMonthlyUsageTrends",
		Description: "Track the user's monthly usage trends in terms of session count, energy consumption, and total spend.",
		Parameters:  objectSchema(map[string]any{}),
		Handler: func(ctx context.Context, args tools.Args) (any, error) {
			return list(svc.MonthlyUsageTrends(ctx, args.UserID()))
		},
	})

	reg.Register(&tools.Tool{
		Name:        "getMostEfficientMonth",
		Description: "Find the user's most efficient n months based on kWh consumed per minute of session time.",
		Parameters: objectSchema(map[string]any{
			"n_months": stringParam("The number of months to consider for calculating the most efficient month."),
		}, "n_months"),
		Handler: func(ctx context.Context, args tools.Args) (any, error) {
			n, err := args.Int("n_months")
			if err != nil {
				return nil, err
			}
			return list(svc.MostEfficientMonth(ctx, args.UserID(), n))
		},
	})

	reg.Register(&tools.Tool{
		Name:        "getAvgSessionStats",
		Description: "Return the average duration and energy consumption rate (kWh/minute) for the user's sessions.",
		Parameters:  objectSchema(map[string]any{}),
		Handler: func(ctx context.Context, args tools.Args) (any, error) {
			return record(svc.AvgSessionStats(ctx, args.UserID()))
		},
	})

	reg.Register(&tools.Tool{
		Name:        "reserveSession",
		Description: "Reserve a charging session for a specific vehicle for the user.",
		Parameters: objectSchema(map[string]any{
			"vehicle_id":  stringParam("The unique identifier of the vehicle."),
			"duration":    map[string]any{"type": "integer", "description": "The duration of the session in minutes."},
			"kw_consumed": map[string]any{"type": "number", "description": "The energy consumed in kWh."},
			"created_at":  stringParam("The timestamp when the session occurred (format: 'YYYY-MM-DD HH:MM:SS')."),
			"session_id":  stringParam("The unique identifier of the session."),
		}, "vehicle_id", "duration", "kw_consumed", "created_at", "session_id"),
		Handler: func(ctx context.Context, args tools.Args) (any, error) {
			r := Reservation{UserID: args.UserID()}
			var err error
			if r.VehicleID, err = args.String("vehicle_id"); err != nil {
				return nil, err
			}
			if r.Duration, err = args.Int("duration"); err != nil {
				return nil, err
			}
			if r.KWConsumed, err = args.Float("kw_consumed"); err != nil {
				return nil, err
			}
			if r.CreatedAt, err = args.String("created_at"); err != nil {
				return nil, err
			}
			if r.SessionID, err = args.String("session_id"); err != nil {
				return nil, err
			}

			booked, err := svc.Reserve(ctx, r)
			if err != nil {
				return nil, err
			}
			return map[string]any{"status": "success", "session_id": booked.SessionID}, nil
		},
	})
}
