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
	"os/signal"
	"syscall"
	"time"

	"github.com/r3labs/sse/v2"
	"github.com/spf13/cobra"
)

var listenCmd = &cobra.Command{
	Use:   "listen [pattern]",
	Short: "Tap live mesh traffic matching a topic pattern",
	Long: `Stream live mesh events matching a topic pattern to stdout, one
line per event. '*' matches one topic segment, '**' matches any number.
Omitting the pattern taps everything.

Examples:
  amcp listen                  # all traffic
  amcp listen 'task.**'        # task requests and responses
  amcp listen 'agent.*.heartbeat'
`,
	Args: cobra.MaximumNArgs(1),
	Run:  runListen,
}

func runListen(cmd *cobra.Command, args []string) {
	pattern := "**"
	if len(args) > 0 && args[0] != "" {
		pattern = args[0]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := sse.NewClient(baseURL() + "/v1/events?pattern=" + url.QueryEscape(pattern))

	fmt.Fprintf(os.Stderr, "Listening for %q on %s (Ctrl+C to stop)\n", pattern, gatewayURL)

	err := client.SubscribeRawWithContext(ctx, func(msg *sse.Event) {
		if len(msg.Data) == 0 {
			return
		}
		fmt.Printf("%s [%s] %s\n", time.Now().Format("15:04:05"), msg.Event, msg.Data)
	})
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: event tap failed: %v\n", err)
		os.Exit(1)
	}
}
