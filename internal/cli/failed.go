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

var failedLimit int

var failedCmd = &cobra.Command{
	Use:   "failed [subscription_id]",
	Short: "List recent failed payments for a subscription",
	Args:  cobra.ExactArgs(1),
	Run:   runFailed,
}

func init() {
	failedCmd.Flags().IntVar(&failedLimit, "limit", 20, "maximum number of records to show")
	rootCmd.AddCommand(failedCmd)
}

func runFailed(cmd *cobra.Command, args []string) {
	subID := args[0]

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

	payRepo := postgres.NewPaymentRepo(db)
	recs, err := payRepo.RecentFailures(ctx, subID, failedLimit)
	if err != nil {
		slog.Error("Failed to query failed payments", "error", err)
		os.Exit(1)
	}

	if len(recs) == 0 {
		fmt.Printf("No failed payments for %s\n", subID)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "CREATED\tAMOUNT\tATTEMPT\tCATEGORY\tERROR")

	for _, rec := range recs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.Amount.String(),
			rec.AttemptNumber,
			rec.ErrorCategory,
			rec.ErrorMessage)
	}
	_ = w.Flush()
}
