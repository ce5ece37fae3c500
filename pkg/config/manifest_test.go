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
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/serveproj/serveflow/pkg/apis/serving/v1"
)

const validManifest = `
apis:
  - name: sentiment
    predictor:
      type: python
      path: models/sentiment
    autoscaling:
      minReplicas: 0
      maxReplicas: 10
      targetReplicaConcurrency: 4
  - name: embeddings
    predictor:
      type: onnx
      path: models/embeddings
`

func Test_ParseManifest(t *testing.T) {
	specs, err := ParseManifest([]byte(validManifest))
	require.NoError(t, err)
	require.Len(t, specs, 2)

	assert.Equal(t, "sentiment", specs[0].Name)
	assert.Equal(t, v1.PredictorTypePython, specs[0].Predictor.Type)
	assert.Equal(t, int32(0), specs[0].Autoscaling.GetMinReplicas())
	assert.Equal(t, int32(10), specs[0].Autoscaling.GetMaxReplicas())
	assert.Equal(t, int32(4), specs[0].Autoscaling.GetTargetReplicaConcurrency())

	// unset fields fall back to defaults
	assert.Equal(t, int32(v1.DefaultMaxReplicas), specs[1].Autoscaling.GetMaxReplicas())
	assert.Equal(t, int32(v1.DefaultTargetReplicaConcurrency), specs[1].Autoscaling.GetTargetReplicaConcurrency())
}

func Test_ParseManifestRejectsInvalidSpec(t *testing.T) {
	_, err := ParseManifest([]byte(`
apis:
  - name: broken
    predictor:
      type: cobol
      path: models/broken
`))
	assert.Error(t, err)
}

func Test_ParseManifestRejectsDuplicates(t *testing.T) {
	_, err := ParseManifest([]byte(`
apis:
  - name: twin
    predictor:
      type: python
      path: models/a
  - name: twin
    predictor:
      type: python
      path: models/b
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func Test_ParseManifestRejectsGarbage(t *testing.T) {
	_, err := ParseManifest([]byte(`{{not yaml`))
	assert.Error(t, err)
}

func Test_LoadManifestMissingFile(t *testing.T) {
	_, err := LoadManifest(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func Test_LoadSettingsDefaults(t *testing.T) {
	s := LoadSettings()
	assert.Equal(t, ":8080", s.BindAddress)
	assert.Equal(t, int64(60), s.WindowSeconds)
	assert.Equal(t, time.Second, s.SampleInterval)
	assert.Equal(t, 2*time.Second, s.TaskInterval)
	assert.Equal(t, 4, s.Workers)
}

func Test_LoadSettingsFromEnv(t *testing.T) {
	t.Setenv("SERVEFLOW_BIND_ADDRESS", ":9000")
	t.Setenv("SERVEFLOW_WORKERS", "8")
	s := LoadSettings()
	assert.Equal(t, ":9000", s.BindAddress)
	assert.Equal(t, 8, s.Workers)
}

func Test_WatchManifestReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "apis.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validManifest), 0o644))

	var lock sync.Mutex
	var got []*v1.APISpec
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = WatchManifest(ctx, path, func(specs []*v1.APISpec) {
			lock.Lock()
			got = specs
			lock.Unlock()
		})
	}()

	// give the watcher a beat to arm before writing
	time.Sleep(200 * time.Millisecond)
	updated := validManifest + `
  - name: reranker
    predictor:
      type: tensorflow
      path: models/reranker
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		lock.Lock()
		defer lock.Unlock()
		return len(got) == 3
	}, 5*time.Second, 20*time.Millisecond)

	// a broken write keeps the previous state
	require.NoError(t, os.WriteFile(path, []byte(`{{nope`), 0o644))
	time.Sleep(500 * time.Millisecond)
	lock.Lock()
	assert.Len(t, got, 3)
	lock.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
