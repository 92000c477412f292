package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/switchyard-ai/switchyard/internal/archive"
	"github.com/switchyard-ai/switchyard/internal/config"
)

// =============================================================================
// Stats Command Handler
// =============================================================================

// runStats implements the stats command logic against the SQLite archive.
func runStats(ctx context.Context, configPath string, since time.Duration, providerID string, recent int) error {
	cfg := config.Default()
	if _, err := os.Stat(configPath); err == nil {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	if cfg.Archive.Driver != "sqlite" {
		return fmt.Errorf("stats needs archive.driver=sqlite (configured: %s); the in-memory archive does not outlive the gateway", cfg.Archive.Driver)
	}
	if _, err := os.Stat(cfg.Archive.Path); err != nil {
		return fmt.Errorf("no archive database at %s; has the gateway served any traffic?", cfg.Archive.Path)
	}

	db, err := sql.Open("sqlite", cfg.Archive.Path)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	store := archive.NewSQLite(db)
	defer store.Close()

	cutoff := time.Now().Add(-since)
	sum, err := store.Summarize(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}

	fmt.Printf("Window:         last %s (since %s)\n", since, cutoff.Format(time.RFC3339))
	fmt.Printf("Requests:       %d\n", sum.Requests)
	fmt.Printf("Failures:       %d (%.1f%%)\n", sum.Failures, failurePct(sum.Failures, sum.Requests))
	fmt.Printf("Input tokens:   %d\n", sum.InputTokens)
	fmt.Printf("Output tokens:  %d\n", sum.OutputTokens)
	fmt.Printf("Cost:           $%.4f\n", sum.CostUSD)

	if recent <= 0 {
		return nil
	}

	recs, err := store.ListRequests(ctx, archive.ListOptions{
		Provider: providerID,
		Since:    cutoff,
		Limit:    recent,
	})
	if err != nil {
		return fmt.Errorf("list requests: %w", err)
	}
	if len(recs) == 0 {
		fmt.Println("\nNo requests in the window.")
		return nil
	}

	fmt.Println()
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tPROVIDER\tMODEL\tTOKENS\tCOST\tLATENCY\tERROR")
	for _, rec := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t$%.4f\t%.0fms\t%s\n",
			rec.CreatedAt.Format("01-02 15:04:05"),
			rec.Provider,
			rec.Model,
			rec.InputTokens, rec.OutputTokens,
			rec.CostUSD,
			rec.LatencyMS,
			truncate(rec.Error, 40),
		)
	}
	return tw.Flush()
}

func failurePct(failures, requests int64) float64 {
	if requests == 0 {
		return 0
	}
	return float64(failures) / float64(requests) * 100
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
