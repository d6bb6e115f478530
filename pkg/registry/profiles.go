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
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Profile declares a static mesh member in a YAML file. Static members are
// registered at startup without waiting for an agent.register event and are
// exempt from heartbeat staleness.
//
// Example:
//
//	id: weather-agent
//	type: weather
//	endpoint: ${WEATHER_ENDPOINT}
//	capabilities:
//	  - name: weather.forecast
//	    description: Hourly and daily forecasts for a location
//	    parameters: [location, date]
type Profile struct {
	ID           string            `yaml:"id"`
	Type         string            `yaml:"type"`
	Endpoint     string            `yaml:"endpoint"`
	Metadata     map[string]string `yaml:"metadata"`
	Capabilities []Capability      `yaml:"capabilities"`
}

// LoadProfile reads and validates a single profile file. Environment
// variables in the file are expanded before parsing.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile %s: %w", path, err)
	}

	var p Profile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("profile %s: id is required", path)
	}
	if len(p.Capabilities) == 0 {
		return nil, fmt.Errorf("profile %s: at least one capability is required", path)
	}
	return &p, nil
}

// Descriptor converts the profile into a registrable record.
func (p *Profile) Descriptor() Descriptor {
	return Descriptor{
		AgentID:      p.ID,
		AgentType:    p.Type,
		Capabilities: p.Capabilities,
		Endpoint:     p.Endpoint,
		Metadata:     p.Metadata,
		Static:       true,
	}
}

// LoadProfiles walks dir for *.yaml and *.yml files and registers each as a
// static member. Malformed files are logged and skipped so one bad profile
// cannot keep the mesh from starting. Returns the number registered.
func (r *Registry) LoadProfiles(dir string) (int, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && (filepath.Ext(path) == ".yaml" || filepath.Ext(path) == ".yml") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walk profile dir: %w", err)
	}

	r.logger.Info("loading agent profiles", zap.String("dir", dir), zap.Int("count", len(files)))

	loaded := 0
	for _, file := range files {
		if r.registerProfile(file) {
			loaded++
		}
	}
	return loaded, nil
}

// WatchProfiles blocks watching dir for profile writes and registers each
// changed file, until ctx is cancelled. Deleting a profile file does not
// unregister the agent; removal stays an explicit operation.
func (r *Registry) WatchProfiles(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create profile watcher: %w", err)
	}
	defer watcher.Close() //nolint:errcheck

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch profile dir %s: %w", dir, err)
	}
	r.logger.Info("watching agent profiles", zap.String("dir", dir))

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			ext := filepath.Ext(ev.Name)
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			info, err := os.Stat(ev.Name)
			if err != nil || info.IsDir() {
				continue
			}
			r.logger.Info("profile changed, reloading", zap.String("file", ev.Name))
			r.registerProfile(ev.Name)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Error("profile watcher error", zap.Error(err))

		case <-ctx.Done():
			r.logger.Info("stopping profile watcher")
			return nil
		}
	}
}

func (r *Registry) registerProfile(path string) bool {
	p, err := LoadProfile(path)
	if err != nil {
		r.logger.Error("failed to load profile", zap.String("file", path), zap.Error(err))
		return false
	}
	if err := r.Register(p.Descriptor()); err != nil {
		r.logger.Error("failed to register profile",
			zap.String("file", path),
			zap.String("agent_id", p.ID),
			zap.Error(err))
		return false
	}
	return true
}
