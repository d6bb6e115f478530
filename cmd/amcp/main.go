// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/teradata-labs/amcp/internal/version"
)

var gatewayURL string

var httpClient = &http.Client{Timeout: 10 * time.Second}

var rootCmd = &cobra.Command{
	Use:     "amcp",
	Short:   "AMCP client - talk to the agent mesh",
	Long:    `AMCP client - submit requests to the agent mesh, watch live event traffic, and inspect agents and sessions through the daemon's HTTP gateway.`,
	Version: version.Get(),
}

func init() {
	// Custom help template with Support at bottom
	rootCmd.SetHelpTemplate(`{{with (or .Long .Short)}}{{. | trimTrailingWhitespaces}}

{{end}}{{if or .Runnable .HasSubCommands}}{{.UsageString}}{{end}}
Quick Start:
  1. Start the daemon: amcpd serve
  2. Ask the mesh:     amcp request "what is the weather in Berlin?"
  3. Watch traffic:    amcp listen 'task.**'

Support:
  GitHub: https://github.com/teradata-labs/amcp/issues
  Documentation: https://github.com/teradata-labs/amcp
`)

	rootCmd.PersistentFlags().StringVarP(&gatewayURL, "gateway", "g", "http://localhost:8480", "AMCP gateway base URL")

	rootCmd.AddCommand(requestCmd)
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// baseURL is the gateway URL without a trailing slash.
func baseURL() string {
	return strings.TrimRight(gatewayURL, "/")
}

// failConnection reports an unreachable gateway and exits.
func failConnection(err error) {
	fmt.Fprintf(os.Stderr, "Failed to reach the AMCP gateway at %s\n", gatewayURL)
	fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
	fmt.Fprintf(os.Stderr, "Make sure the daemon is running:\n")
	fmt.Fprintf(os.Stderr, "  amcpd serve\n\n")
	os.Exit(1)
}

// getJSON fetches path from the gateway and decodes the JSON body into out.
func getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL()+path, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		failConnection(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// postJSON posts in to path and decodes the JSON body into out.
func postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL()+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		failConnection(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// decodeAPIError turns a gateway error body into an error value.
func decodeAPIError(resp *http.Response) error {
	var apiErr struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
		return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
	}
	return fmt.Errorf("HTTP %d from gateway", resp.StatusCode)
}

// formatTimeAgo formats a time as "X ago" for listings.
func formatTimeAgo(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		minutes := int(d.Minutes())
		if minutes == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", minutes)
	case d < 24*time.Hour:
		hours := int(d.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	case d < 7*24*time.Hour:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	default:
		return t.Format("2006-01-02")
	}
}
