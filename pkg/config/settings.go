/*
Copyright 2024 The Serveproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the daemon's runtime settings and the declarative API
// manifest, reloading the manifest when the file changes on disk.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Settings are the process-level knobs of the serving daemon, read from
// SERVEFLOW_* environment variables with these defaults.
type Settings struct {
	// BindAddress is the HTTP listen address of the data plane and admin API.
	BindAddress string
	// ManifestPath points to the YAML manifest of APIs to deploy at startup.
	// Empty means no manifest, APIs are deployed through the admin API only.
	ManifestPath string
	// WindowSeconds is the load aggregation window.
	WindowSeconds int64
	// SampleInterval is how often replica in-flight counts are sampled.
	SampleInterval time.Duration
	// TaskInterval is roughly how often each API is re-evaluated by the
	// autoscaler.
	TaskInterval time.Duration
	// Workers is the autoscaler's evaluation concurrency.
	Workers int
}

// LoadSettings reads the daemon settings from the environment.
func LoadSettings() *Settings {
	v := viper.New()
	v.SetEnvPrefix("serveflow")
	v.AutomaticEnv()
	v.SetDefault("bind_address", ":8080")
	v.SetDefault("manifest_path", "")
	v.SetDefault("window_seconds", 60)
	v.SetDefault("sample_interval", time.Second)
	v.SetDefault("task_interval", 2*time.Second)
	v.SetDefault("workers", 4)
	return &Settings{
		BindAddress:    v.GetString("bind_address"),
		ManifestPath:   v.GetString("manifest_path"),
		WindowSeconds:  v.GetInt64("window_seconds"),
		SampleInterval: v.GetDuration("sample_interval"),
		TaskInterval:   v.GetDuration("task_interval"),
		Workers:        v.GetInt("workers"),
	}
}
