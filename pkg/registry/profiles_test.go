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
package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const weatherProfile = `id: weather-agent
type: weather
endpoint: http://weather:8080
metadata:
  region: us-west
capabilities:
  - name: weather.forecast
    description: Hourly and daily forecasts for a location
    parameters: [location, date]
  - name: weather.current
`

func writeProfile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	path := writeProfile(t, dir, "weather.yaml", weatherProfile)

	p, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "weather-agent", p.ID)
	assert.Equal(t, "weather", p.Type)
	assert.Equal(t, "http://weather:8080", p.Endpoint)
	assert.Equal(t, "us-west", p.Metadata["region"])
	require.Len(t, p.Capabilities, 2)
	assert.Equal(t, []string{"location", "date"}, p.Capabilities[0].Parameters)

	d := p.Descriptor()
	assert.True(t, d.Static)
	assert.Equal(t, "weather-agent", d.AgentID)
}

func TestLoadProfile_ExpandsEnv(t *testing.T) {
	t.Setenv("WEATHER_ENDPOINT", "http://weather.internal:9090")
	dir := t.TempDir()
	path := writeProfile(t, dir, "weather.yaml", `id: weather-agent
endpoint: ${WEATHER_ENDPOINT}
capabilities:
  - name: weather.forecast
`)

	p, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "http://weather.internal:9090", p.Endpoint)
}

func TestLoadProfile_Invalid(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadProfile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	path := writeProfile(t, dir, "noid.yaml", "type: weather\ncapabilities:\n  - name: a.b\n")
	_, err = LoadProfile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id is required")

	path = writeProfile(t, dir, "nocaps.yaml", "id: a1\n")
	_, err = LoadProfile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one capability")

	path = writeProfile(t, dir, "garbage.yaml", "{{{not yaml")
	_, err = LoadProfile(path)
	require.Error(t, err)
}

func TestLoadProfiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "weather.yaml", weatherProfile)
	writeProfile(t, dir, "finance.yml", "id: finance-agent\ncapabilities:\n  - name: stock.quote\n")
	writeProfile(t, dir, "broken.yaml", "id: \"\"\n")
	writeProfile(t, dir, "notes.txt", "not a profile")

	r := newTestRegistry(t)
	loaded, err := r.LoadProfiles(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded, "bad profiles are skipped, non-YAML ignored")

	assert.True(t, r.Healthy("weather-agent"))
	assert.True(t, r.Healthy("finance-agent"))
	assert.Equal(t, []string{"finance-agent"}, r.Lookup("stock.quote"))
}

func TestWatchProfiles_HotReload(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watchDone := make(chan error, 1)
	go func() {
		watchDone <- r.WatchProfiles(ctx, dir)
	}()

	// Give the watcher a beat to arm before creating the file.
	time.Sleep(50 * time.Millisecond)
	writeProfile(t, dir, "weather.yaml", weatherProfile)

	require.Eventually(t, func() bool {
		return r.Healthy("weather-agent")
	}, 3*time.Second, 20*time.Millisecond, "profile write should register the agent")

	// An edit to the same file re-registers with the new capability set.
	writeProfile(t, dir, "weather.yaml", "id: weather-agent\ncapabilities:\n  - name: weather.radar\n")
	require.Eventually(t, func() bool {
		return len(r.Lookup("weather.radar")) == 1
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-watchDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on context cancel")
	}
}

func TestWatchProfiles_BadDir(t *testing.T) {
	r := newTestRegistry(t)
	err := r.WatchProfiles(context.Background(), filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}
