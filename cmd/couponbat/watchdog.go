package main

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

var (
	watchdogAPI     string
	watchdogRestart string
	watchdogTimeout time.Duration
)

var watchdogCmd = &cobra.Command{
	Use:   "watchdog",
	Short: "Check the health endpoint and optionally restart",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := checkHealth(watchdogAPI, watchdogTimeout); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			return handleUnhealthy(watchdogRestart)
		}
		return nil
	},
}

func init() {
	watchdogCmd.Flags().StringVar(&watchdogAPI, "api", "http://localhost:8080", "couponbat API URL")
	watchdogCmd.Flags().StringVar(&watchdogRestart, "restart-cmd", "", "command to run if unhealthy")
	watchdogCmd.Flags().DurationVar(&watchdogTimeout, "timeout", 5*time.Second, "health check timeout")
}

func checkHealth(apiURL string, timeout time.Duration) error {
	url := strings.TrimRight(apiURL, "/") + "/api/v1/health"
	client := &http.Client{Timeout: timeout}

	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Newf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

func handleUnhealthy(restartCmd string) error {
	if restartCmd == "" {
		return errors.New("service unhealthy")
	}

	fmt.Fprintf(os.Stderr, "attempting restart: %s\n", restartCmd)
	cmd := exec.Command("sh", "-c", restartCmd)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return errors.Wrap(err, "restart command failed")
	}
	return nil
}
