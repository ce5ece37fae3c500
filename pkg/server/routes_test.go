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

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/serveproj/serveflow/pkg/apis/serving/v1"
	"github.com/serveproj/serveflow/pkg/config"
	"github.com/serveproj/serveflow/pkg/predictor"
	"github.com/serveproj/serveflow/pkg/substrate"
)

func testSettings() *config.Settings {
	return &config.Settings{
		BindAddress:    ":0",
		WindowSeconds:  60,
		SampleInterval: 50 * time.Millisecond,
		TaskInterval:   50 * time.Millisecond,
		Workers:        2,
	}
}

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	sub := substrate.NewInProcess(predictor.NewRegistry(), substrate.WithStartupDelay(time.Millisecond))
	s := NewServer(context.Background(), testSettings(), sub)
	return s, s.routes()
}

func deployAPI(t *testing.T, h http.Handler, name string, minReplicas int32) {
	t.Helper()
	spec := v1.APISpec{
		Name:      name,
		Predictor: v1.Predictor{Type: v1.PredictorTypePython, Path: "models/" + name},
		Autoscaling: v1.Autoscaling{
			MinReplicas:         &minReplicas,
			DrainTimeoutSeconds: func() *uint32 { n := uint32(1); return &n }(),
		},
	}
	body, err := json.Marshal(spec)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/apis", bytes.NewReader(body))
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func Test_Healthz(t *testing.T) {
	_, h := newTestServer(t)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func Test_MetricsEndpoint(t *testing.T) {
	_, h := newTestServer(t)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func Test_DeployValidationFailures(t *testing.T) {
	_, h := newTestServer(t)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/apis", bytes.NewReader([]byte(`{not json`))))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	body := []byte(`{"name":"x","predictor":{"type":"cobol","path":"models/x"}}`)
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/apis", bytes.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func Test_PredictRoundTrip(t *testing.T) {
	s, h := newTestServer(t)
	deployAPI(t, h, "echo", 1)
	t.Cleanup(func() { _ = s.Undeploy(context.Background(), "echo") })

	// wait for the replica before the data-plane call so the test does not
	// depend on cold start timing
	p, _ := s.pools.Get("echo")
	require.Eventually(t, func() bool {
		_, ready, _ := p.Counts()
		return ready == 1
	}, 5*time.Second, 10*time.Millisecond)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/apis/echo/predict", bytes.NewReader([]byte(`{"x":1}`)))
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"prediction":{"x":1}}`, w.Body.String())
}

func Test_PredictUnknownAPI(t *testing.T) {
	_, h := newTestServer(t)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/apis/ghost/predict", bytes.NewReader([]byte(`{}`))))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func Test_PredictInferenceError(t *testing.T) {
	s, h := newTestServer(t)
	deployAPI(t, h, "strict", 1)
	t.Cleanup(func() { _ = s.Undeploy(context.Background(), "strict") })

	p, _ := s.pools.Get("strict")
	require.Eventually(t, func() bool {
		_, ready, _ := p.Counts()
		return ready == 1
	}, 5*time.Second, 10*time.Millisecond)

	// the local predictor rejects non-JSON payloads
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/apis/strict/predict", bytes.NewReader([]byte(`not json`)))
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func Test_StatusAndList(t *testing.T) {
	s, h := newTestServer(t)
	deployAPI(t, h, "status", 2)
	t.Cleanup(func() { _ = s.Undeploy(context.Background(), "status") })

	p, _ := s.pools.Get("status")
	require.Eventually(t, func() bool {
		_, ready, _ := p.Counts()
		return ready == 2
	}, 5*time.Second, 10*time.Millisecond)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/apis/status", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var st APIStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "status", st.Name)
	assert.Equal(t, int32(2), st.Replicas.Ready)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/apis", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var all []APIStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	assert.Len(t, all, 1)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/apis/ghost", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func Test_UndeployLifecycle(t *testing.T) {
	s, h := newTestServer(t)
	deployAPI(t, h, "short", 1)

	p, _ := s.pools.Get("short")
	require.Eventually(t, func() bool {
		_, ready, _ := p.Counts()
		return ready == 1
	}, 5*time.Second, 10*time.Millisecond)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/apis/short", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	// gone from the data plane and the admin API
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/apis/short/predict", bytes.NewReader([]byte(`{}`))))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/apis/short", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func Test_ApplyManifestConverges(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	specs, err := config.ParseManifest([]byte(`
apis:
  - name: a
    predictor: {type: python, path: models/a}
  - name: b
    predictor: {type: onnx, path: models/b}
`))
	require.NoError(t, err)
	s.applyManifest(ctx, specs)
	assert.ElementsMatch(t, []string{"a", "b"}, s.pools.APINames())

	specs, err = config.ParseManifest([]byte(`
apis:
  - name: b
    predictor: {type: onnx, path: models/b}
`))
	require.NoError(t, err)
	s.applyManifest(ctx, specs)
	assert.ElementsMatch(t, []string{"b"}, s.pools.APINames())

	_ = s.Undeploy(ctx, "b")
}

func Test_ManifestRewriteKeepsUnchangedPools(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	manifest := []byte(`
apis:
  - name: steady
    predictor: {type: python, path: models/steady}
`)
	specs, err := config.ParseManifest(manifest)
	require.NoError(t, err)
	s.applyManifest(ctx, specs)

	before, ok := s.pools.Get("steady")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		_, ready, _ := before.Counts()
		return ready == 1
	}, 5*time.Second, 10*time.Millisecond)

	// rewriting the manifest with an identical spec must not replace the pool
	specs, err = config.ParseManifest(manifest)
	require.NoError(t, err)
	s.applyManifest(ctx, specs)
	after, ok := s.pools.Get("steady")
	require.True(t, ok)
	assert.Same(t, before, after)
	_, ready, _ := after.Counts()
	assert.Equal(t, int32(1), ready)

	// a changed spec still redeploys
	specs, err = config.ParseManifest([]byte(`
apis:
  - name: steady
    predictor: {type: python, path: models/steady-v2}
`))
	require.NoError(t, err)
	s.applyManifest(ctx, specs)
	changed, ok := s.pools.Get("steady")
	require.True(t, ok)
	assert.NotSame(t, before, changed)
	assert.Equal(t, "models/steady-v2", changed.Spec().Predictor.Path)

	_ = s.Undeploy(ctx, "steady")
}
