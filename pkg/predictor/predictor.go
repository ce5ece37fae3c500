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

// Package predictor defines the collaborator interface the platform core uses
// to load and invoke models. The core never inspects model internals, it only
// calls Init once per replica and Predict once per request.
package predictor

import (
	"context"
	"fmt"

	v1 "github.com/serveproj/serveflow/pkg/apis/serving/v1"
)

// InitConfig carries the opaque deployment configuration a predictor needs to
// load its model.
type InitConfig struct {
	APIName string
	Path    string
	CPU     string
	Mem     string
}

// Predictor is one loaded model instance backing a single replica.
// Implementations must be safe for concurrent Predict calls up to the API's
// target replica concurrency.
type Predictor interface {
	// Init loads the model, it serves as the replica's health check.
	Init(ctx context.Context, cfg InitConfig) error
	// Predict runs inference on one payload.
	Predict(ctx context.Context, payload []byte) ([]byte, error)
	// Close releases the model resources.
	Close() error
}

// InitializationErr is returned when a predictor fails to load its model.
type InitializationErr struct {
	Type    v1.PredictorType
	Path    string
	Message string
}

func (e InitializationErr) Error() string {
	return fmt.Sprintf("(%s) failed to initialize predictor for %q: %s", e.Type, e.Path, e.Message)
}
