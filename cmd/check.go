package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func newCheckCmd() *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check that a running server is healthy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				url = fmt.Sprintf("http://localhost:%s", env.Port)
			}
			return checkHealth(cmd, url)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "server base URL (default http://localhost:<server.port>)")
	return cmd
}

func checkHealth(cmd *cobra.Command, baseURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(baseURL + "/api/health")
	if err != nil {
		return fmt.Errorf("server is not running: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned non-OK status: %d", resp.StatusCode)
	}

	var body struct {
		Data struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("invalid health response: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Server is running! (status: %s)\n", body.Data.Status)
	return nil
}
