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

package config

import (
	"fmt"
	"os"

	"go.uber.org/multierr"
	"sigs.k8s.io/yaml"

	v1 "github.com/serveproj/serveflow/pkg/apis/serving/v1"
)

// Manifest is the declarative list of APIs the daemon should serve.
type Manifest struct {
	APIs []v1.APISpec `json:"apis"`
}

// LoadManifest reads and validates a YAML manifest. Every spec in the file
// must be valid, a partially applied manifest would leave the daemon in a
// state the file does not describe.
func LoadManifest(path string) ([]*v1.APISpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %q: %w", path, err)
	}
	return ParseManifest(data)
}

// ParseManifest parses and validates manifest bytes.
func ParseManifest(data []byte) ([]*v1.APISpec, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}
	var errs error
	seen := make(map[string]bool)
	specs := make([]*v1.APISpec, 0, len(m.APIs))
	for i := range m.APIs {
		spec := m.APIs[i].DeepCopy()
		if err := spec.Validate(); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if seen[spec.Name] {
			errs = multierr.Append(errs, fmt.Errorf("duplicate api %q in manifest", spec.Name))
			continue
		}
		seen[spec.Name] = true
		specs = append(specs, spec)
	}
	if errs != nil {
		return nil, errs
	}
	return specs, nil
}
