package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/nugget/evchat/internal/database"
	"github.com/nugget/evchat/internal/usage"
)

// usageReport is the JSON form of the usage command.
type usageReport struct {
	Since   time.Time                 `json:"since"`
	Totals  *usage.Summary            `json:"totals"`
	ByModel map[string]*usage.Summary `json:"by_model"`
}

// runUsage prints turn totals for the window ending now, broken down by
// model. window defaults to 24h.
func runUsage(ctx context.Context, stdout io.Writer, configPath, outputFmt string, args []string) error {
	window := 24 * time.Hour
	switch len(args) {
	case 0:
	case 1:
		d, err := time.ParseDuration(args[0])
		if err != nil || d <= 0 {
			return fmt.Errorf("usage: evchat usage [window], e.g. 24h or 168h")
		}
		window = d
	default:
		return fmt.Errorf("usage: evchat usage [window]")
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	db, err := database.Open(ctx, cfg.Database.Driver, cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer db.Close()

	ledger, err := usage.NewStore(db)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	start, end := now.Add(-window), now.Truncate(time.Second).Add(time.Second)
	totals, err := ledger.Summary(ctx, start, end)
	if err != nil {
		return err
	}
	byModel, err := ledger.SummaryByModel(ctx, start, end)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(usageReport{Since: start, Totals: totals, ByModel: byModel})
	}

	fmt.Fprintf(stdout, "Turns since %s: %d (%d failed)\n", start.Local().Format(time.DateTime), totals.Turns, totals.FailedTurns)
	fmt.Fprintf(stdout, "Model calls: %d  Tool calls: %d  Tokens: %d in / %d out\n",
		totals.ModelCalls, totals.ToolCalls, totals.InputTokens, totals.OutputTokens)

	models := make([]string, 0, len(byModel))
	for m := range byModel {
		models = append(models, m)
	}
	sort.Strings(models)
	for _, m := range models {
		name := m
		if name == "" {
			name = "(no model)"
		}
		s := byModel[m]
		fmt.Fprintf(stdout, "  %-24s %5d turns %9d in %9d out\n", name, s.Turns, s.InputTokens, s.OutputTokens)
	}
	return nil
}
