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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/r3labs/sse/v2"
	"github.com/spf13/cobra"

	"github.com/teradata-labs/amcp/pkg/protocol"
)

var (
	requestUser    string
	requestTimeout time.Duration
)

var requestCmd = &cobra.Command{
	Use:   "request [query]",
	Short: "Send a request to the mesh and wait for the answer",
	Long: `Submit a natural-language request to the orchestrator and wait for
the synthesized answer.

The answer goes to stdout; progress goes to stderr, so output pipes
cleanly.

Examples:
  amcp request "what is the weather in Berlin?"
  echo "summarize today's alerts" | amcp request
  amcp request --timeout 30s "quick status check"
`,
	Run: runRequest,
}

func init() {
	requestCmd.Flags().StringVar(&requestUser, "user", "", "User ID to attach to the request")
	requestCmd.Flags().DurationVar(&requestTimeout, "timeout", 5*time.Minute, "How long to wait for the answer")
}

func runRequest(cmd *cobra.Command, args []string) {
	// Query source: arguments, then stdin.
	var query string
	if len(args) > 0 {
		query = strings.Join(args, " ")
	} else {
		scanner := bufio.NewScanner(os.Stdin)
		var lines []string
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			fmt.Fprintf(os.Stderr, "Error reading stdin: %v\n", err)
			os.Exit(1)
		}
		query = strings.Join(lines, "\n")
	}

	query = strings.TrimSpace(query)
	if query == "" {
		fmt.Fprintf(os.Stderr, "Error: query cannot be empty\n")
		fmt.Fprintf(os.Stderr, "\nProvide a query via:\n")
		fmt.Fprintf(os.Stderr, "  - Arguments: amcp request 'your question'\n")
		fmt.Fprintf(os.Stderr, "  - Stdin: echo 'your question' | amcp request\n")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var submitted struct {
		CorrelationID string `json:"correlationId"`
		Stream        string `json:"stream"`
	}
	err := postJSON(ctx, "/v1/requests", map[string]string{
		"query":  query,
		"userId": requestUser,
	}, &submitted)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error submitting request: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "[Request accepted: %s]\n", submitted.CorrelationID)

	answer, err := awaitResponse(ctx, submitted.CorrelationID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(answer.Answer)
	if answer.Degraded {
		fmt.Fprintf(os.Stderr, "\n[Degraded answer; missing: %s]\n", strings.Join(answer.Missing, ", "))
	}
}

// awaitResponse subscribes to the request's response stream and blocks
// until the answer arrives or ctx expires.
func awaitResponse(ctx context.Context, corrID string) (*protocol.UserResponse, error) {
	subCtx, stop := context.WithCancel(ctx)
	defer stop()

	client := sse.NewClient(baseURL() + "/v1/stream")

	var answer *protocol.UserResponse
	err := client.SubscribeWithContext(subCtx, corrID, func(msg *sse.Event) {
		if len(msg.Data) == 0 {
			return
		}
		var resp protocol.UserResponse
		if err := json.Unmarshal(msg.Data, &resp); err != nil {
			fmt.Fprintf(os.Stderr, "[Skipping undecodable event: %v]\n", err)
			return
		}
		answer = &resp
		stop()
	})

	// The subscription ends by cancellation once the answer lands; only a
	// still-empty answer makes the error meaningful.
	if answer != nil {
		return answer, nil
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("timed out after %s waiting for response %s", requestTimeout, corrID)
	}
	if err != nil {
		return nil, fmt.Errorf("response stream failed: %w", err)
	}
	return nil, fmt.Errorf("response stream closed before an answer arrived")
}
