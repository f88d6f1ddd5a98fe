package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// errUnhealthy makes the command exit non-zero for an unhealthy fleet.
var errUnhealthy = errors.New("fleet is unhealthy")

// newHealthCmd creates the 'health' subcommand, which prints the fleet health
// payload of a running instance.
func newHealthCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Prints the health payload of a running fleet",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			if addr == "" {
				addr = fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
			}
			var apiKey string
			if cfg.Auth.Enabled {
				apiKey = cfg.Auth.APIKey
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return printHealth(ctx, cmd.OutOrStdout(), addr, apiKey)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "base URL of the fleet API (default http://127.0.0.1:<server.port>)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func printHealth(ctx context.Context, out io.Writer, addr, apiKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(addr, "/")+"/v1/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read health: %w", err)
	}
	var report struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &report); err != nil {
		return fmt.Errorf("decode health (status %d): %w", resp.StatusCode, err)
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		return fmt.Errorf("format health: %w", err)
	}
	pretty.WriteByte('\n')
	if _, err := pretty.WriteTo(out); err != nil {
		return err
	}
	if report.Status == "unhealthy" {
		return errUnhealthy
	}
	return nil
}
