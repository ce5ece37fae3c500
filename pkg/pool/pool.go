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
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"

	v1 "github.com/serveproj/serveflow/pkg/apis/serving/v1"
	"github.com/serveproj/serveflow/pkg/metrics"
	"github.com/serveproj/serveflow/pkg/shared/logging"
	"github.com/serveproj/serveflow/pkg/substrate"
)

const (
	// drainPollInterval is how often a draining replica's in-flight count is checked.
	drainPollInterval = 100 * time.Millisecond
	// tombstoneCacheSize bounds the recently-terminated replica cache.
	tombstoneCacheSize = 1024
)

// ReplicaCreationErr reports that the execution substrate rejected a replica
// creation or the replica failed its health check. It is absorbed by the
// autoscaler and retried with backoff, never surfaced to a request caller.
type ReplicaCreationErr struct {
	APIName   string
	ReplicaID string
	Message   string
}

func (e ReplicaCreationErr) Error() string {
	return fmt.Sprintf("(%s) replica %s creation failed: %s", e.APIName, e.ReplicaID, e.Message)
}

// Pool owns the authoritative replica state for one API. Each pool has its own
// lock, different APIs never contend.
type Pool struct {
	spec *v1.APISpec
	sub  substrate.Substrate

	lock     *sync.RWMutex
	replicas map[string]*Replica
	// readyCh is closed and replaced whenever a replica turns Ready, waking up
	// the router's dispatcher and the activator's waiters.
	readyCh chan struct{}

	creationFailures    int
	lastCreationFailure time.Time

	// tombstones remembers recently terminated replica IDs so the router can
	// tell a drained replica apart from a genuine inference failure.
	tombstones *lru.Cache[string, time.Time]

	// ctx bounds all watcher goroutines owned by this pool.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.SugaredLogger
}

// NewPool returns a pool for the given API spec. Watcher goroutines it spawns
// are bounded by ctx.
func NewPool(ctx context.Context, spec *v1.APISpec, sub substrate.Substrate) *Pool {
	poolCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	tombstones, _ := lru.New[string, time.Time](tombstoneCacheSize)
	return &Pool{
		spec:       spec.DeepCopy(),
		sub:        sub,
		lock:       new(sync.RWMutex),
		replicas:   make(map[string]*Replica),
		readyCh:    make(chan struct{}),
		tombstones: tombstones,
		ctx:        poolCtx,
		cancel:     cancel,
		logger:     logging.FromContext(ctx).Named("pool").With("api", spec.Name),
	}
}

// Spec returns the immutable API spec this pool serves.
func (p *Pool) Spec() *v1.APISpec {
	return p.spec
}

// ScaleTo converges the pool toward the desired replica count. The desired
// count is compared against Pending+Ready, which makes repeated calls with the
// same value idempotent while convergence is in progress. Scaling up creates
// Pending replicas and starts them asynchronously, scaling down drains the
// oldest Ready replicas first. Excess Pending replicas are canceled newest
// first when there are not enough Ready ones to drain.
func (p *Pool) ScaleTo(ctx context.Context, desired int32) error {
	if desired < 0 {
		desired = 0
	}
	log := logging.FromContext(ctx)

	p.lock.Lock()
	var pending, ready []*Replica
	for _, r := range p.replicas {
		switch r.Phase() {
		case ReplicaPhasePending:
			pending = append(pending, r)
		case ReplicaPhaseReady:
			ready = append(ready, r)
		}
	}
	current := int32(len(pending) + len(ready))

	switch {
	case desired > current:
		for i := current; i < desired; i++ {
			r := newReplica(uuid.NewString(), p.spec.Name)
			startCtx, cancel := context.WithCancel(p.ctx)
			r.cancel = cancel
			p.replicas[r.ID] = r
			p.wg.Add(1)
			go p.watchStartup(startCtx, r)
		}
		log.Infow("Scaling up.", zap.Int32("from", current), zap.Int32("to", desired))
	case desired < current:
		toRemove := current - desired
		// Oldest Ready replicas drain first to bound long-tail staleness.
		sortByAge(ready)
		for _, r := range ready {
			if toRemove == 0 {
				break
			}
			if p.transitionLocked(r, ReplicaPhaseDraining) {
				p.wg.Add(1)
				go p.watchDrain(r)
				toRemove--
			}
		}
		// Cancel newest Pending replicas if draining Ready ones was not enough.
		sortByAge(pending)
		for i := len(pending) - 1; i >= 0 && toRemove > 0; i-- {
			r := pending[i]
			if r.cancel != nil {
				r.cancel()
			}
			if p.transitionLocked(r, ReplicaPhaseTerminated) {
				toRemove--
			}
		}
		log.Infow("Scaling down.", zap.Int32("from", current), zap.Int32("to", desired))
	}
	p.recountLocked()
	p.lock.Unlock()
	return nil
}

// watchStartup drives one replica from Pending to Ready, or to Terminated when
// the substrate rejects the creation, the health check fails, or the startup
// deadline elapses.
func (p *Pool) watchStartup(ctx context.Context, r *Replica) {
	defer p.wg.Done()
	if err := p.sub.StartReplica(ctx, p.spec, r.ID); err != nil {
		p.failCreation(r, err)
		return
	}
	waitCtx, cancel := context.WithTimeout(ctx, p.spec.Autoscaling.GetStartupDeadline())
	defer cancel()
	if err := p.sub.WaitReady(waitCtx, r.ID); err != nil {
		_ = p.sub.StopReplica(p.ctx, r.ID)
		p.failCreation(r, err)
		return
	}

	p.lock.Lock()
	became := p.transitionLocked(r, ReplicaPhaseReady)
	if became {
		p.creationFailures = 0
		p.recountLocked()
	}
	p.lock.Unlock()
	if became {
		p.notifyReady()
		p.logger.Infow("Replica became ready.", zap.String("replica", r.ID))
	}
}

// watchDrain waits for a draining replica's in-flight requests to complete,
// forcing termination when the drain timeout expires.
func (p *Pool) watchDrain(r *Replica) {
	defer p.wg.Done()
	err := wait.PollUntilContextTimeout(p.ctx, drainPollInterval, p.spec.Autoscaling.GetDrainTimeout(), true, func(context.Context) (bool, error) {
		return r.InFlight() == 0, nil
	})
	if err != nil {
		p.logger.Warnw("Drain timed out, terminating replica with requests still in flight.",
			zap.String("replica", r.ID), zap.Int64("inFlight", r.InFlight()))
	}
	_ = p.sub.StopReplica(p.ctx, r.ID)
	p.lock.Lock()
	p.transitionLocked(r, ReplicaPhaseTerminated)
	p.recountLocked()
	p.lock.Unlock()
}

// failCreation records a creation failure for the autoscaler's backoff and
// terminates the replica. A canceled startup is not a failure, it happens when
// the pool scales down or shuts down before the replica became ready.
func (p *Pool) failCreation(r *Replica, cause error) {
	if errors.Is(cause, context.Canceled) {
		p.lock.Lock()
		p.transitionLocked(r, ReplicaPhaseTerminated)
		p.recountLocked()
		p.lock.Unlock()
		return
	}
	cerr := ReplicaCreationErr{APIName: p.spec.Name, ReplicaID: r.ID, Message: cause.Error()}
	p.logger.Warnw("Replica creation failed.", zap.String("replica", r.ID), zap.Error(cerr))
	metrics.ReplicaCreationFailures.WithLabelValues(p.spec.Name).Inc()

	p.lock.Lock()
	p.creationFailures++
	p.lastCreationFailure = time.Now()
	p.transitionLocked(r, ReplicaPhaseTerminated)
	p.recountLocked()
	p.lock.Unlock()
}

// transitionLocked applies a monotonic phase transition, dropping the replica
// from the live set when it terminates. Callers must hold the pool lock.
func (p *Pool) transitionLocked(r *Replica, to ReplicaPhase) bool {
	from := r.Phase()
	if phaseRank[to] <= phaseRank[from] {
		return false
	}
	r.phase.Store(string(to))
	if to == ReplicaPhaseTerminated {
		delete(p.replicas, r.ID)
		p.tombstones.Add(r.ID, time.Now())
	}
	return true
}

func (p *Pool) notifyReady() {
	p.lock.Lock()
	close(p.readyCh)
	p.readyCh = make(chan struct{})
	p.lock.Unlock()
}

// ReadyWait returns a channel that is closed the next time a replica becomes
// Ready. Callers re-arm by calling it again after a wake-up.
func (p *Pool) ReadyWait() <-chan struct{} {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.readyCh
}

// ListReady returns a consistent snapshot of the Ready replicas, ordered by
// creation time, then by ID for determinism.
func (p *Pool) ListReady() []*Replica {
	p.lock.RLock()
	defer p.lock.RUnlock()
	var ready []*Replica
	for _, r := range p.replicas {
		if r.Phase() == ReplicaPhaseReady {
			ready = append(ready, r)
		}
	}
	sortByAge(ready)
	return ready
}

// ReadyInFlight returns the in-flight count of each Ready replica, the
// aggregator's scrape path.
func (p *Pool) ReadyInFlight() map[string]int64 {
	p.lock.RLock()
	defer p.lock.RUnlock()
	counts := make(map[string]int64)
	for _, r := range p.replicas {
		if r.Phase() == ReplicaPhaseReady {
			counts[r.ID] = r.InFlight()
		}
	}
	return counts
}

// Counts returns the number of replicas per live phase.
func (p *Pool) Counts() (pending, ready, draining int32) {
	p.lock.RLock()
	defer p.lock.RUnlock()
	for _, r := range p.replicas {
		switch r.Phase() {
		case ReplicaPhasePending:
			pending++
		case ReplicaPhaseReady:
			ready++
		case ReplicaPhaseDraining:
			draining++
		}
	}
	return pending, ready, draining
}

// LastCreationFailure returns when the most recent replica creation failed and
// how many consecutive failures have been seen. The counter resets when a
// replica becomes Ready.
func (p *Pool) LastCreationFailure() (time.Time, int) {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.lastCreationFailure, p.creationFailures
}

// RecentlyTerminated reports whether the given replica ID was terminated by
// this pool, used to classify invoke failures against drained replicas.
func (p *Pool) RecentlyTerminated(replicaID string) bool {
	return p.tombstones.Contains(replicaID)
}

// Shutdown drains the pool and waits for the watcher goroutines to exit, or
// for ctx to be done. Used on undeploy.
func (p *Pool) Shutdown(ctx context.Context) error {
	if err := p.ScaleTo(ctx, 0); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	p.cancel()
	p.recountAll()
	return ctx.Err()
}

func (p *Pool) recountAll() {
	p.lock.Lock()
	p.recountLocked()
	p.lock.Unlock()
}

// recountLocked refreshes the per-phase replica gauges. Callers must hold the
// pool lock.
func (p *Pool) recountLocked() {
	counts := map[ReplicaPhase]int{
		ReplicaPhasePending:  0,
		ReplicaPhaseReady:    0,
		ReplicaPhaseDraining: 0,
	}
	for _, r := range p.replicas {
		counts[r.Phase()]++
	}
	for phase, n := range counts {
		metrics.Replicas.WithLabelValues(p.spec.Name, string(phase)).Set(float64(n))
	}
}

func sortByAge(rs []*Replica) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].CreatedAt.Before(rs[j].CreatedAt)
	})
}
