package cli

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var apiAddr string

var triggerCmd = &cobra.Command{
	Use:   "trigger [subscription_id]",
	Short: "Queue an immediate settlement attempt on a running service",
	Args:  cobra.ExactArgs(1),
	Run:   runTrigger,
}

func init() {
	triggerCmd.Flags().StringVar(&apiAddr, "addr", "http://localhost:8080", "base URL of the running service")
	rootCmd.AddCommand(triggerCmd)
}

func runTrigger(cmd *cobra.Command, args []string) {
	url := fmt.Sprintf("%s/subscriptions/%s/pay", strings.TrimRight(apiAddr, "/"), args[0])

	client := &http.Client{Timeout: 10 * time.Second}
	res, err := client.Post(url, "application/json", nil)
	if err != nil {
		fmt.Printf("Request failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusAccepted {
		fmt.Printf("Service returned %d: %s\n", res.StatusCode, strings.TrimSpace(string(body)))
		os.Exit(1)
	}

	fmt.Printf("Queued: %s\n", strings.TrimSpace(string(body)))
}
