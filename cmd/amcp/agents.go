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
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/teradata-labs/amcp/pkg/registry"
)

var agentsCmd = &cobra.Command{
	Use:     "agents",
	Aliases: []string{"list", "ls"},
	Short:   "List registered agents and their capabilities",
	Long:    `List all agents known to the mesh registry, with health state and the merged capability catalogue.`,
	Run:     runAgents,
}

func runAgents(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var resp struct {
		Agents       []registry.Descriptor     `json:"agents"`
		Capabilities []registry.CatalogueEntry `json:"capabilities"`
		Healthy      int                       `json:"healthy"`
	}
	if err := getJSON(ctx, "/v1/agents", &resp); err != nil {
		fmt.Fprintf(os.Stderr, "Error listing agents: %v\n", err)
		os.Exit(1)
	}

	if len(resp.Agents) == 0 {
		fmt.Println("No agents registered.")
		fmt.Println("\nAgents join by publishing agent.<id>.register on the mesh,")
		fmt.Println("or via static profiles in the daemon's profile directory.")
		return
	}

	fmt.Printf("Registered agents (%d, %d healthy):\n\n", len(resp.Agents), resp.Healthy)
	for _, agent := range resp.Agents {
		fmt.Printf("  %s", agent.AgentID)
		if agent.AgentType != "" {
			fmt.Printf(" (%s)", agent.AgentType)
		}
		fmt.Println()

		health := "healthy"
		if !agent.Healthy {
			health = "unhealthy"
		}
		fmt.Printf("    Status: %s", health)
		if agent.ErrorCount > 0 {
			fmt.Printf(" | Errors: %d", agent.ErrorCount)
		}
		if agent.Static {
			fmt.Printf(" | Static profile")
		} else {
			fmt.Printf(" | Last heartbeat: %s", formatTimeAgo(agent.LastHeartbeat))
		}
		fmt.Println()

		if len(agent.Capabilities) > 0 {
			names := make([]string, len(agent.Capabilities))
			for i, c := range agent.Capabilities {
				names[i] = c.Name
			}
			fmt.Printf("    Capabilities: %s\n", strings.Join(names, ", "))
		}

		fmt.Println()
	}

	if len(resp.Capabilities) > 0 {
		fmt.Println("Capability catalogue:")
		for _, entry := range resp.Capabilities {
			fmt.Printf("  %-24s", entry.Name)
			if entry.Description != "" {
				desc := entry.Description
				if len(desc) > 50 {
					desc = desc[:47] + "..."
				}
				fmt.Printf(" %s", desc)
			}
			fmt.Printf(" [%s]\n", strings.Join(entry.Agents, ", "))
		}
		fmt.Println()
	}

	fmt.Println("To send a request:")
	fmt.Println("  amcp request 'your question'")
}
