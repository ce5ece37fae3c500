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

// Package aggregator collects per-replica in-flight request counts into a
// sliding time window and turns them into the scalar load signal the
// autoscaler scales on. Aggregation is advisory, the exact per-replica
// admission cap is enforced by the router at dispatch time.
package aggregator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/serveproj/serveflow/pkg/metrics"
	"github.com/serveproj/serveflow/pkg/shared/logging"
	sharedqueue "github.com/serveproj/serveflow/pkg/shared/queue"
)

const (
	// CountWindow is the sample granularity, one bucket per second.
	CountWindow   = time.Second
	indexNotFound = -1
)

// ErrUnknownAPI is returned when load is queried for an API that is not
// registered with the aggregator.
var ErrUnknownAPI = errors.New("api is not registered with the aggregator")

// ReadyLister is the read-only view of the pool manager the sampling loop
// scrapes, the aggregator never mutates replica state.
type ReadyLister interface {
	APINames() []string
	ReadyInFlight(apiName string) map[string]int64
}

// Aggregator keeps one sliding window of timestamped in-flight counts per API.
// Samples older than the window are evicted by the bounded queue itself.
type Aggregator struct {
	lock    *sync.RWMutex
	windows map[string]*sharedqueue.OverflowQueue[*TimestampedCounts]
	lister  ReadyLister
	options *options
	logger  *zap.SugaredLogger
}

type options struct {
	// windowSeconds is the retention window the load average is computed over.
	windowSeconds int64
	// sampleInterval is how often the sampling loop scrapes the pools.
	sampleInterval time.Duration
}

type Option func(*options)

// WithWindowSeconds sets the retention window in seconds.
func WithWindowSeconds(n int64) Option {
	return func(o *options) {
		o.windowSeconds = n
	}
}

// WithSampleInterval sets the scrape interval of the sampling loop.
func WithSampleInterval(d time.Duration) Option {
	return func(o *options) {
		o.sampleInterval = d
	}
}

func defaultOptions() *options {
	return &options{
		windowSeconds:  60,
		sampleInterval: CountWindow,
	}
}

// NewAggregator returns an aggregator scraping the given lister.
func NewAggregator(lister ReadyLister, opts ...Option) *Aggregator {
	aggOpts := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(aggOpts)
		}
	}
	return &Aggregator{
		lock:    new(sync.RWMutex),
		windows: make(map[string]*sharedqueue.OverflowQueue[*TimestampedCounts]),
		lister:  lister,
		options: aggOpts,
		logger:  logging.NewLogger().Named("aggregator"),
	}
}

// Register creates an empty window for a newly deployed API. Registering an
// already known API is a no-op.
func (a *Aggregator) Register(apiName string) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if _, ok := a.windows[apiName]; !ok {
		// Hold one extra bucket beyond the window so the average always has
		// full coverage even while the newest bucket is still filling.
		a.windows[apiName] = sharedqueue.New[*TimestampedCounts](int(a.options.windowSeconds) + 1)
	}
}

// Unregister drops an API's window.
func (a *Aggregator) Unregister(apiName string) {
	a.lock.Lock()
	defer a.lock.Unlock()
	delete(a.windows, apiName)
	metrics.CurrentLoad.DeleteLabelValues(apiName)
}

// RecordSample appends an in-flight count observation for one replica. Samples
// for an unknown API are dropped and logged, never an error to the caller.
func (a *Aggregator) RecordSample(apiName, replicaID string, inFlight int64, timestamp time.Time) {
	a.lock.RLock()
	q, ok := a.windows[apiName]
	a.lock.RUnlock()
	if !ok {
		a.logger.Debugw("Dropping sample for unknown API.", zap.String("api", apiName), zap.String("replica", replicaID))
		return
	}
	updateCount(q, timestamp.Truncate(CountWindow).Unix(), replicaID, float64(inFlight))
}

// CurrentLoad returns the average of the per-second total in-flight counts of
// an API over the retention window. It returns 0 when no samples exist yet.
func (a *Aggregator) CurrentLoad(apiName string) (float64, error) {
	a.lock.RLock()
	q, ok := a.windows[apiName]
	a.lock.RUnlock()
	if !ok {
		return 0, ErrUnknownAPI
	}
	counts := q.Items()
	if len(counts) == 0 {
		return 0, nil
	}
	startIndex := findStartIndex(a.options.windowSeconds, counts)
	if startIndex == indexNotFound {
		return 0, nil
	}
	totals := make([]float64, 0, len(counts)-startIndex)
	for i := startIndex; i < len(counts); i++ {
		totals = append(totals, counts[i].Total())
	}
	load, err := stats.Mean(totals)
	if err != nil {
		return 0, nil
	}
	return load, nil
}

// Run starts the sampling loop, scraping every ready replica's in-flight count
// into the window once per sample interval. It returns when ctx is done.
func (a *Aggregator) Run(ctx context.Context) {
	log := logging.FromContext(ctx).Named("aggregator")
	log.Info("Starting in-flight sampling loop...")
	wait.UntilWithContext(ctx, func(ctx context.Context) {
		now := time.Now()
		for _, apiName := range a.lister.APINames() {
			for replicaID, inFlight := range a.lister.ReadyInFlight(apiName) {
				a.RecordSample(apiName, replicaID, inFlight, now)
			}
			if load, err := a.CurrentLoad(apiName); err == nil {
				metrics.CurrentLoad.WithLabelValues(apiName).Set(load)
			}
		}
	}, a.options.sampleInterval)
	log.Info("Stopped in-flight sampling loop.")
}

// updateCount folds one observation into the bucket matching the timestamp,
// appending a new bucket when none matches.
func updateCount(q *sharedqueue.OverflowQueue[*TimestampedCounts], timestamp int64, replicaID string, inFlight float64) {
	items := q.Items()
	for _, i := range items {
		if i.timestamp == timestamp {
			i.Update(replicaID, inFlight)
			return
		}
	}
	tc := NewTimestampedCounts(timestamp)
	tc.Update(replicaID, inFlight)
	q.Append(tc)
}

// findStartIndex finds the index of the first bucket within the lookback
// window using binary search, the buckets are appended in timestamp order.
func findStartIndex(lookbackSeconds int64, counts []*TimestampedCounts) int {
	n := len(counts)
	now := time.Now().Truncate(CountWindow).Unix()
	if counts[n-1].timestamp < now-lookbackSeconds {
		return indexNotFound
	}
	startIndex := n - 1
	left := 0
	right := n - 1
	lastTimestamp := now - lookbackSeconds
	for left <= right {
		mid := left + (right-left)/2
		if counts[mid].timestamp >= lastTimestamp {
			startIndex = mid
			right = mid - 1
		} else {
			left = mid + 1
		}
	}
	return startIndex
}
