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

package predictor

import (
	"fmt"
	"sync"

	v1 "github.com/serveproj/serveflow/pkg/apis/serving/v1"
)

// Factory creates a fresh, uninitialized predictor instance.
type Factory func() Predictor

// Registry maps predictor types to their implementations. The variant is
// selected once at deploy time by the predictor.type field, there is no
// runtime reflection involved.
type Registry struct {
	lock      *sync.RWMutex
	factories map[v1.PredictorType]Factory
}

// NewRegistry returns a registry with the built-in backends registered.
func NewRegistry() *Registry {
	r := &Registry{
		lock:      new(sync.RWMutex),
		factories: make(map[v1.PredictorType]Factory),
	}
	r.Register(v1.PredictorTypePython, func() Predictor { return newLocalPredictor(v1.PredictorTypePython) })
	r.Register(v1.PredictorTypeTensorFlow, func() Predictor { return newLocalPredictor(v1.PredictorTypeTensorFlow) })
	r.Register(v1.PredictorTypeONNX, func() Predictor { return newLocalPredictor(v1.PredictorTypeONNX) })
	return r
}

// Register adds or replaces the factory for a predictor type.
func (r *Registry) Register(t v1.PredictorType, f Factory) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.factories[t] = f
}

// New creates a predictor instance for the given type.
func (r *Registry) New(t v1.PredictorType) (Predictor, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	f, ok := r.factories[t]
	if !ok {
		return nil, fmt.Errorf("no predictor registered for type %q", t)
	}
	return f(), nil
}
