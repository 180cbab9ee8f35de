package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mkarlsen/memsched/internal/scheduler/status"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Dump task statuses from a running daemon",
	Long: `Query a running memsched daemon and print the tracked task
records as YAML.

Example:
  memsched status
  memsched status --addr localhost:9710`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "daemon address (overrides config)")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	addr := statusAddr
	if addr == "" {
		addr = cfg.Metrics.Addr
	}
	if len(addr) > 0 && addr[0] == ':' {
		addr = "localhost" + addr
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/api/v1/status", addr))
	if err != nil {
		return fmt.Errorf("querying daemon at %s: %w", addr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("daemon returned %s: %s", resp.Status, body)
	}

	var records []status.Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return fmt.Errorf("decoding status response: %w", err)
	}

	if len(records) == 0 {
		cmd.Println("no tracked tasks")
		return nil
	}
	out, err := yaml.Marshal(records)
	if err != nil {
		return err
	}
	cmd.Print(string(out))
	return nil
}
