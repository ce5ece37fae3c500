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

package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeLister struct {
	apis   []string
	counts map[string]map[string]int64
}

func (f *fakeLister) APINames() []string { return f.apis }
func (f *fakeLister) ReadyInFlight(apiName string) map[string]int64 {
	return f.counts[apiName]
}

func Test_RegisterUnregister(t *testing.T) {
	a := NewAggregator(&fakeLister{})
	a.Register("a")
	a.Register("a") // no-op
	load, err := a.CurrentLoad("a")
	assert.NoError(t, err)
	assert.Zero(t, load)

	a.Unregister("a")
	_, err = a.CurrentLoad("a")
	assert.ErrorIs(t, err, ErrUnknownAPI)
}

func Test_UnknownAPISampleIsDropped(t *testing.T) {
	a := NewAggregator(&fakeLister{})
	// must not panic or error
	a.RecordSample("ghost", "r-1", 5, time.Now())
	_, err := a.CurrentLoad("ghost")
	assert.ErrorIs(t, err, ErrUnknownAPI)
}

func Test_CurrentLoadAveragesAcrossWindow(t *testing.T) {
	a := NewAggregator(&fakeLister{}, WithWindowSeconds(60))
	a.Register("a")
	now := time.Now()

	// two replicas over three seconds: totals 4, 6, 2
	a.RecordSample("a", "r-1", 1, now.Add(-3*time.Second))
	a.RecordSample("a", "r-2", 3, now.Add(-3*time.Second))
	a.RecordSample("a", "r-1", 2, now.Add(-2*time.Second))
	a.RecordSample("a", "r-2", 4, now.Add(-2*time.Second))
	a.RecordSample("a", "r-1", 2, now.Add(-1*time.Second))

	load, err := a.CurrentLoad("a")
	require.NoError(t, err)
	assert.InDelta(t, 4.0, load, 0.001)
}

func Test_SampleOverwritesWithinSameSecond(t *testing.T) {
	a := NewAggregator(&fakeLister{}, WithWindowSeconds(60))
	a.Register("a")
	now := time.Now()
	a.RecordSample("a", "r-1", 8, now)
	a.RecordSample("a", "r-1", 2, now) // latest wins
	load, err := a.CurrentLoad("a")
	require.NoError(t, err)
	assert.InDelta(t, 2.0, load, 0.001)
}

func Test_OldSamplesOutsideWindowIgnored(t *testing.T) {
	a := NewAggregator(&fakeLister{}, WithWindowSeconds(5))
	a.Register("a")
	now := time.Now()
	a.RecordSample("a", "r-1", 100, now.Add(-time.Hour))
	load, err := a.CurrentLoad("a")
	require.NoError(t, err)
	assert.Zero(t, load)

	a.RecordSample("a", "r-1", 4, now)
	load, err = a.CurrentLoad("a")
	require.NoError(t, err)
	assert.InDelta(t, 4.0, load, 0.001)
}

func Test_WindowBoundsMemory(t *testing.T) {
	a := NewAggregator(&fakeLister{}, WithWindowSeconds(3))
	a.Register("a")
	now := time.Now()
	for i := 0; i < 100; i++ {
		a.RecordSample("a", "r-1", int64(i), now.Add(time.Duration(-i)*time.Second))
	}
	a.lock.RLock()
	q := a.windows["a"]
	a.lock.RUnlock()
	assert.LessOrEqual(t, q.Length(), 4)
}

func Test_RunScrapesLister(t *testing.T) {
	lister := &fakeLister{
		apis: []string{"a"},
		counts: map[string]map[string]int64{
			"a": {"r-1": 3},
		},
	}
	a := NewAggregator(lister, WithSampleInterval(10*time.Millisecond))
	a.Register("a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		load, err := a.CurrentLoad("a")
		return err == nil && load > 2.9
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
