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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/serveproj/serveflow/pkg/apis/serving/v1"
)

func Test_RegistryBuiltins(t *testing.T) {
	r := NewRegistry()
	for _, typ := range []v1.PredictorType{v1.PredictorTypePython, v1.PredictorTypeTensorFlow, v1.PredictorTypeONNX} {
		p, err := r.New(typ)
		assert.NoError(t, err)
		assert.NotNil(t, p)
	}
	_, err := r.New("mxnet")
	assert.Error(t, err)
}

func Test_LocalPredictor(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	p, err := r.New(v1.PredictorTypePython)
	require.NoError(t, err)

	// predict before init fails
	_, err = p.Predict(ctx, []byte(`{"x":1}`))
	assert.Error(t, err)

	// init with empty path fails
	err = p.Init(ctx, InitConfig{APIName: "a"})
	assert.Error(t, err)
	var initErr InitializationErr
	assert.ErrorAs(t, err, &initErr)

	require.NoError(t, p.Init(ctx, InitConfig{APIName: "a", Path: "models/a"}))
	out, err := p.Predict(ctx, []byte(`{"x":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"prediction":{"x":1}}`, string(out))

	_, err = p.Predict(ctx, []byte(`not-json`))
	assert.Error(t, err)

	require.NoError(t, p.Close())
	_, err = p.Predict(ctx, []byte(`{}`))
	assert.Error(t, err)
}
