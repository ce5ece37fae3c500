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
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/atomic"

	v1 "github.com/serveproj/serveflow/pkg/apis/serving/v1"
)

/* localPredictor is an in-process predictor that echoes the payload back in a
prediction envelope. This should be used only for local development and testing
purposes, real backends attach here through Registry.Register. */
type localPredictor struct {
	typ    v1.PredictorType
	cfg    InitConfig
	ready  *atomic.Bool
	closed *atomic.Bool
}

func newLocalPredictor(t v1.PredictorType) Predictor {
	return &localPredictor{
		typ:    t,
		ready:  atomic.NewBool(false),
		closed: atomic.NewBool(false),
	}
}

func (p *localPredictor) Init(_ context.Context, cfg InitConfig) error {
	if cfg.Path == "" {
		return InitializationErr{Type: p.typ, Path: cfg.Path, Message: "model path is empty"}
	}
	p.cfg = cfg
	p.ready.Store(true)
	return nil
}

func (p *localPredictor) Predict(_ context.Context, payload []byte) ([]byte, error) {
	if !p.ready.Load() || p.closed.Load() {
		return nil, fmt.Errorf("predictor for api %q is not initialized", p.cfg.APIName)
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	out, err := json.Marshal(map[string]json.RawMessage{"prediction": payload})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *localPredictor) Close() error {
	p.closed.Store(true)
	return nil
}
