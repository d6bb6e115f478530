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
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/teradata-labs/amcp/pkg/archive"
	"github.com/teradata-labs/amcp/pkg/plan"
	"github.com/teradata-labs/amcp/pkg/session"
)

var sessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect orchestration sessions",
	Long:  `List running and archived orchestration sessions, or show one in detail.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	Long: `List active sessions and, when the daemon archives, recently
finished ones.

Examples:
  amcp sessions list
  amcp sessions list --limit 50
`,
	Run: runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show session details",
	Long: `Show one session, looked up in the live table first and the
archive second.

Examples:
  amcp sessions show 0d9a1f3e-5b7c-4c21-9d15-8b2f6a4e7c10
`,
	Args: cobra.ExactArgs(1),
	Run:  runSessionsShow,
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)

	sessionsListCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "Maximum number of sessions per listing")
}

func runSessionsList(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var resp struct {
		Active   []session.Info          `json:"active"`
		Archived []archive.SessionRecord `json:"archived"`
	}
	path := fmt.Sprintf("/v1/sessions?limit=%d", sessionsLimit)
	if err := getJSON(ctx, path, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "Error listing sessions: %v\n", err)
		os.Exit(1)
	}

	if len(resp.Active) == 0 && len(resp.Archived) == 0 {
		fmt.Println("No sessions found.")
		return
	}

	if len(resp.Active) > 0 {
		fmt.Printf("Active sessions (%d):\n\n", len(resp.Active))
		fmt.Printf("%-38s %-12s %-10s %-20s %s\n", "SESSION ID", "STATE", "TASKS", "STARTED", "QUERY")
		fmt.Println(strings.Repeat("-", 100))
		for _, info := range resp.Active {
			fmt.Printf("%-38s %-12s %-10s %-20s %s\n",
				info.ID,
				info.State,
				formatTasks(info.Tasks),
				formatTimeAgo(info.StartedAt),
				truncate(info.Query, 40),
			)
		}
		fmt.Println()
	}

	if len(resp.Archived) > 0 {
		fmt.Printf("Archived sessions (%d):\n\n", len(resp.Archived))
		fmt.Printf("%-38s %-12s %-10s %-20s %s\n", "SESSION ID", "STATE", "TASKS", "COMPLETED", "QUERY")
		fmt.Println(strings.Repeat("-", 100))
		for _, rec := range resp.Archived {
			fmt.Printf("%-38s %-12s %-10s %-20s %s\n",
				rec.ID,
				rec.State,
				formatTasks(rec.Tasks),
				formatTimeAgo(rec.CompletedAt),
				truncate(rec.Query, 40),
			)
		}
		fmt.Println()
	}
}

// sessionDetail covers both live and archived session JSON; the two differ
// only in the id key and their timestamps.
type sessionDetail struct {
	SessionID   string      `json:"sessionId"`
	ID          string      `json:"id"`
	Query       string      `json:"query"`
	UserID      string      `json:"userId"`
	State       string      `json:"state"`
	Degraded    bool        `json:"degraded"`
	Error       string      `json:"error"`
	Tasks       plan.Counts `json:"tasks"`
	StartedAt   time.Time   `json:"startedAt"`
	LastUpdate  time.Time   `json:"lastUpdate"`
	CompletedAt time.Time   `json:"completedAt"`
}

func runSessionsShow(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var detail sessionDetail
	if err := getJSON(ctx, "/v1/sessions/"+url.PathEscape(args[0]), &detail); err != nil {
		fmt.Fprintf(os.Stderr, "Error getting session: %v\n", err)
		os.Exit(1)
	}

	id := detail.SessionID
	if id == "" {
		id = detail.ID
	}

	fmt.Printf("Session: %s\n", id)
	fmt.Printf("Query: %s\n", detail.Query)
	if detail.UserID != "" {
		fmt.Printf("User: %s\n", detail.UserID)
	}
	fmt.Printf("State: %s\n", detail.State)
	if detail.Degraded {
		fmt.Println("Degraded: yes")
	}
	if detail.Error != "" {
		fmt.Printf("Error: %s\n", detail.Error)
	}

	c := detail.Tasks
	fmt.Printf("Tasks: %d total", c.Total)
	if c.Completed > 0 {
		fmt.Printf(", %d completed", c.Completed)
	}
	if c.Running > 0 {
		fmt.Printf(", %d running", c.Running)
	}
	if c.Failed > 0 {
		fmt.Printf(", %d failed", c.Failed)
	}
	if c.TimedOut > 0 {
		fmt.Printf(", %d timed out", c.TimedOut)
	}
	if c.Cancelled > 0 {
		fmt.Printf(", %d cancelled", c.Cancelled)
	}
	fmt.Println()

	if !detail.StartedAt.IsZero() {
		fmt.Printf("Started: %s (%s)\n", detail.StartedAt.Format(time.RFC3339), formatTimeAgo(detail.StartedAt))
	}
	if !detail.CompletedAt.IsZero() {
		fmt.Printf("Completed: %s (%s)\n", detail.CompletedAt.Format(time.RFC3339), formatTimeAgo(detail.CompletedAt))
	} else if !detail.LastUpdate.IsZero() {
		fmt.Printf("Last update: %s (%s)\n", detail.LastUpdate.Format(time.RFC3339), formatTimeAgo(detail.LastUpdate))
	}
}

func formatTasks(c plan.Counts) string {
	return fmt.Sprintf("%d/%d", c.Completed, c.Total)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
