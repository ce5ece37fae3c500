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

package pool

import (
	"context"
	"time"

	"go.uber.org/atomic"
)

// ReplicaPhase is the lifecycle phase of a replica. Transitions are monotonic,
// a replica never re-enters a prior phase.
type ReplicaPhase string

const (
	ReplicaPhasePending    ReplicaPhase = "Pending"
	ReplicaPhaseReady      ReplicaPhase = "Ready"
	ReplicaPhaseDraining   ReplicaPhase = "Draining"
	ReplicaPhaseTerminated ReplicaPhase = "Terminated"
)

// phaseRank orders phases for the monotonicity check. Pending may jump straight
// to Terminated on a failed or canceled startup.
var phaseRank = map[ReplicaPhase]int{
	ReplicaPhasePending:    0,
	ReplicaPhaseReady:      1,
	ReplicaPhaseDraining:   2,
	ReplicaPhaseTerminated: 3,
}

// Replica is one running instance of a model's inference process. Its phase is
// mutated exclusively by the owning pool, other components read it through the
// pool's accessors. The in-flight counter is incremented by the router's
// dispatcher at dispatch time and decremented on completion.
type Replica struct {
	ID        string
	APIName   string
	CreatedAt time.Time

	phase    *atomic.String
	inFlight *atomic.Int64
	// cancel aborts the startup watcher when the replica is terminated early.
	cancel context.CancelFunc
}

func newReplica(id, apiName string) *Replica {
	return &Replica{
		ID:        id,
		APIName:   apiName,
		CreatedAt: time.Now(),
		phase:     atomic.NewString(string(ReplicaPhasePending)),
		inFlight:  atomic.NewInt64(0),
	}
}

// Phase returns the current lifecycle phase.
func (r *Replica) Phase() ReplicaPhase {
	return ReplicaPhase(r.phase.Load())
}

// InFlight returns the current number of in-flight requests.
func (r *Replica) InFlight() int64 {
	return r.inFlight.Load()
}

// Acquire increments the in-flight count. Only the per-API dispatcher calls
// this, which keeps the admission cap exact.
func (r *Replica) Acquire() {
	r.inFlight.Inc()
}

// Release decrements the in-flight count after a request completes.
func (r *Replica) Release() {
	r.inFlight.Dec()
}
