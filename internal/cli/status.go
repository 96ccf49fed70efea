package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/autopay/internal/core/config"
	"github.com/vietddude/autopay/internal/infra/storage/postgres"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show payment totals by status and the subscriptions currently due",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	rows, err := db.QueryContext(ctx,
		"SELECT status, COUNT(*), MAX(created_at) FROM payments GROUP BY status ORDER BY status")
	if err != nil {
		slog.Error("Failed to query payments", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = rows.Close()
	}()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "STATUS\tCOUNT\tLAST")

	for rows.Next() {
		var status string
		var count int64
		var last time.Time
		if err := rows.Scan(&status, &count, &last); err != nil {
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n", status, count, last.UTC().Format(time.RFC3339))
	}
	_ = w.Flush()

	var due int64
	err = db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM subscriptions WHERE is_active AND auto_pay AND next_payment_date <= now()").
		Scan(&due)
	if err != nil {
		slog.Error("Failed to query due subscriptions", "error", err)
		os.Exit(1)
	}
	fmt.Printf("\nSubscriptions due now: %d\n", due)
}
