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
package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr string
	}{
		{
			name: "valid single turn",
			req: Request{
				Messages: []Message{{Role: RoleUser, Content: "plan a trip"}},
			},
		},
		{
			name: "valid multi turn",
			req: Request{
				System: "You are a planner.",
				Messages: []Message{
					{Role: RoleUser, Content: "plan a trip"},
					{Role: RoleAssistant, Content: "{}"},
					{Role: RoleUser, Content: "fix the JSON"},
				},
			},
		},
		{
			name:    "no messages",
			req:     Request{System: "system only"},
			wantErr: "no messages",
		},
		{
			name: "unsupported role",
			req: Request{
				Messages: []Message{{Role: "system", Content: "x"}},
			},
			wantErr: "unsupported role",
		},
		{
			name: "empty content",
			req: Request{
				Messages: []Message{{Role: RoleUser, Content: ""}},
			},
			wantErr: "empty content",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRequest_Validate_EmptyPromptSentinel(t *testing.T) {
	err := Request{}.Validate()
	assert.ErrorIs(t, err, ErrEmptyPrompt)
}

func TestUserRequest(t *testing.T) {
	req := UserRequest("system text", "user text", 0.2, 2048)

	assert.Equal(t, "system text", req.System)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, RoleUser, req.Messages[0].Role)
	assert.Equal(t, "user text", req.Messages[0].Content)
	assert.Equal(t, 0.2, req.Temperature)
	assert.Equal(t, 2048, req.MaxTokens)
	assert.NoError(t, req.Validate())
}

func TestUserRequest_ZeroTemperaturePreserved(t *testing.T) {
	req := UserRequest("", "repair this", 0.0, 0)
	assert.Zero(t, req.Temperature)
}
