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
	"fmt"
	"sync"
)

// TimestampedCounts tracks the in-flight request count of each replica of one
// API at a given second.
type TimestampedCounts struct {
	// timestamp in seconds, truncated to the sample granularity.
	timestamp int64
	// replica ID to in-flight count mapping.
	replicaCounts map[string]float64
	lock          *sync.RWMutex
}

func NewTimestampedCounts(t int64) *TimestampedCounts {
	return &TimestampedCounts{
		timestamp:     t,
		replicaCounts: make(map[string]float64),
		lock:          new(sync.RWMutex),
	}
}

// Update records the in-flight count of a replica in this bucket. A sample for
// a replica already present overwrites the previous value, the latest
// observation within a second wins.
func (tc *TimestampedCounts) Update(replicaID string, inFlight float64) {
	tc.lock.Lock()
	defer tc.lock.Unlock()
	tc.replicaCounts[replicaID] = inFlight
}

// Snapshot returns a copy of the replica to in-flight count mapping so callers
// never observe concurrent mutation.
func (tc *TimestampedCounts) Snapshot() map[string]float64 {
	tc.lock.RLock()
	defer tc.lock.RUnlock()
	counts := make(map[string]float64, len(tc.replicaCounts))
	for k, v := range tc.replicaCounts {
		counts[k] = v
	}
	return counts
}

// Total returns the summed in-flight count across all replicas in this bucket.
func (tc *TimestampedCounts) Total() float64 {
	tc.lock.RLock()
	defer tc.lock.RUnlock()
	total := float64(0)
	for _, v := range tc.replicaCounts {
		total += v
	}
	return total
}

func (tc *TimestampedCounts) String() string {
	tc.lock.RLock()
	defer tc.lock.RUnlock()
	return fmt.Sprintf("{timestamp: %d, replicaCounts: %v}", tc.timestamp, tc.replicaCounts)
}
