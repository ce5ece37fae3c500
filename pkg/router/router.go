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

// Package router accepts inbound requests, queues them per API, and dispatches
// them to ready replicas. Dispatch is least-loaded with an exact per-replica
// concurrency cap, a single dispatcher goroutine per API is the only writer of
// in-flight counts so no two concurrent requests can push a replica past its
// target concurrency.
package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	v1 "github.com/serveproj/serveflow/pkg/apis/serving/v1"
	"github.com/serveproj/serveflow/pkg/metrics"
	"github.com/serveproj/serveflow/pkg/pool"
	"github.com/serveproj/serveflow/pkg/shared/logging"
	"github.com/serveproj/serveflow/pkg/substrate"
)

// Activator triggers a cold start for an idle API. Implemented by the
// activator package, deduplicating concurrent triggers.
type Activator interface {
	Activate(ctx context.Context, apiName string) error
}

// SampleRecorder receives in-flight samples at dispatch and completion time.
// Implemented by the metrics aggregator.
type SampleRecorder interface {
	RecordSample(apiName, replicaID string, inFlight int64, timestamp time.Time)
}

// apiRoute is the per-API routing state: the bounded FIFO, its dispatcher, and
// the pool it dispatches to.
type apiRoute struct {
	spec *v1.APISpec
	pool *pool.Pool
	fifo *requestFIFO
	// completionCh wakes the dispatcher when an in-flight request finishes,
	// capacity 1, completions collapse.
	completionCh chan struct{}
	cancel       context.CancelFunc
}

// Router owns one queue and one dispatcher per API. Different APIs share no
// locks on the dispatch path.
type Router struct {
	lock      *sync.RWMutex
	routes    map[string]*apiRoute
	pools     *pool.Manager
	sub       substrate.Substrate
	activator Activator
	samples   SampleRecorder
	logger    *zap.SugaredLogger
}

// NewRouter returns a router dispatching onto the given pool manager through
// the substrate. samples may be nil.
func NewRouter(pools *pool.Manager, sub substrate.Substrate, activator Activator, samples SampleRecorder) *Router {
	return &Router{
		lock:      new(sync.RWMutex),
		routes:    make(map[string]*apiRoute),
		pools:     pools,
		sub:       sub,
		activator: activator,
		samples:   samples,
		logger:    logging.NewLogger().Named("router"),
	}
}

// Register creates the queue and dispatcher for a deployed API. The dispatcher
// goroutine is bounded by ctx. Registering an existing API replaces its route,
// used on redeploy.
func (r *Router) Register(ctx context.Context, spec *v1.APISpec) error {
	p, ok := r.pools.Get(spec.Name)
	if !ok {
		return ErrNotDeployed
	}
	dispatchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	route := &apiRoute{
		spec:         spec.DeepCopy(),
		pool:         p,
		fifo:         newRequestFIFO(),
		completionCh: make(chan struct{}, 1),
		cancel:       cancel,
	}
	r.lock.Lock()
	old := r.routes[spec.Name]
	r.routes[spec.Name] = route
	r.lock.Unlock()
	if old != nil {
		old.cancel()
		r.failAll(old, ErrNotDeployed)
	}
	go r.dispatch(dispatchCtx, route)
	return nil
}

// Unregister stops an API's dispatcher and fails whatever is still queued.
func (r *Router) Unregister(apiName string) {
	r.lock.Lock()
	route, ok := r.routes[apiName]
	delete(r.routes, apiName)
	r.lock.Unlock()
	if !ok {
		return
	}
	route.cancel()
	r.failAll(route, ErrNotDeployed)
	metrics.QueueDepth.DeleteLabelValues(apiName)
}

func (r *Router) failAll(route *apiRoute, err error) {
	for _, qr := range route.fifo.drain() {
		qr.finish(result{err: err})
	}
}

// QueueDepth returns the number of requests currently queued for an API.
func (r *Router) QueueDepth(apiName string) int32 {
	r.lock.RLock()
	route, ok := r.routes[apiName]
	r.lock.RUnlock()
	if !ok {
		return 0
	}
	return route.fifo.length()
}

// Route submits one request and blocks until its outcome: the predictor's
// response, a queue-full rejection, a deadline expiry, an inference error, or
// caller cancellation. Every caller is signaled exactly once.
func (r *Router) Route(ctx context.Context, apiName string, payload []byte) ([]byte, error) {
	r.lock.RLock()
	route, ok := r.routes[apiName]
	r.lock.RUnlock()
	if !ok {
		return nil, ErrNotDeployed
	}

	now := time.Now()
	deadline := now.Add(route.spec.Autoscaling.GetMaxQueueWait())
	coldStart := false
	if pending, ready, _ := route.pool.Counts(); pending == 0 && ready == 0 {
		// Idle API, trigger a cold start and wait up to the cold-start timeout.
		// Concurrent requests join the same scale-up inside the activator.
		coldStart = true
		deadline = now.Add(route.spec.Autoscaling.GetColdStartTimeout())
		if err := r.activator.Activate(ctx, apiName); err != nil {
			// Not surfaced, the request still waits and the controller retries
			// the scale-up with backoff. The caller only fails if the
			// cold-start deadline expires.
			r.logger.Warnw("Cold start trigger failed.", zap.String("api", apiName), zap.Error(err))
		}
	}

	qr := newQueuedRequest(ctx, payload, deadline, coldStart)
	bound := route.spec.Autoscaling.GetMaxQueueLength()
	admitted, depth := route.fifo.push(qr, bound)
	if !admitted {
		metrics.AdmissionRejectedTotal.WithLabelValues(apiName).Inc()
		metrics.RequestsTotal.WithLabelValues(apiName, metrics.OutcomeAdmissionRejected).Inc()
		return nil, AdmissionRejectedErr{APIName: apiName, QueueLength: depth, Bound: bound}
	}
	metrics.QueueDepth.WithLabelValues(apiName).Set(float64(depth))

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	var res result
	select {
	case res = <-qr.resultCh:
	case <-ctx.Done():
		if qr.finish(result{err: ctx.Err()}) {
			route.fifo.remove(qr)
			metrics.QueueDepth.WithLabelValues(apiName).Set(float64(route.fifo.length()))
			r.observeOutcome(apiName, qr, ctx.Err())
			return nil, ctx.Err()
		}
		res = <-qr.resultCh // lost the race, honor the dispatcher's outcome
	case <-timer.C:
		terr := RequestTimeoutErr{APIName: apiName, ColdStart: coldStart, Waited: time.Since(qr.arrivedAt)}
		if qr.finish(result{err: terr}) {
			route.fifo.remove(qr)
			metrics.QueueDepth.WithLabelValues(apiName).Set(float64(route.fifo.length()))
			r.observeOutcome(apiName, qr, terr)
			return nil, terr
		}
		res = <-qr.resultCh
	}
	r.observeOutcome(apiName, qr, res.err)
	return res.data, res.err
}

func (r *Router) observeOutcome(apiName string, qr *queuedRequest, err error) {
	metrics.RequestDuration.WithLabelValues(apiName).Observe(time.Since(qr.arrivedAt).Seconds())
	switch {
	case err == nil:
		metrics.RequestsTotal.WithLabelValues(apiName, metrics.OutcomeSuccess).Inc()
	case IsRequestTimeout(err):
		metrics.RequestTimeoutTotal.WithLabelValues(apiName).Inc()
		metrics.RequestsTotal.WithLabelValues(apiName, metrics.OutcomeTimeout).Inc()
	case IsInferenceErr(err):
		metrics.RequestsTotal.WithLabelValues(apiName, metrics.OutcomeInferenceError).Inc()
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		metrics.RequestsTotal.WithLabelValues(apiName, metrics.OutcomeCanceled).Inc()
	}
}

// dispatch is the per-API dispatcher loop. It preserves FIFO admission
// eligibility: the head request must be dispatched or expire before the next
// one is considered.
func (r *Router) dispatch(ctx context.Context, route *apiRoute) {
	log := r.logger.With("api", route.spec.Name)
	log.Info("Started dispatcher.")
	for {
		qr := route.fifo.pop()
		if qr == nil {
			select {
			case <-ctx.Done():
				log.Info("Stopped dispatcher.")
				return
			case <-route.fifo.notify:
			}
			continue
		}
		metrics.QueueDepth.WithLabelValues(route.spec.Name).Set(float64(route.fifo.length()))
		if qr.finished() {
			// canceled or expired while queued, nothing to do
			continue
		}
		if !r.dispatchOne(ctx, route, qr) {
			log.Info("Stopped dispatcher.")
			return
		}
	}
}

// dispatchOne blocks until the request is handed to a replica, expires, or is
// canceled. It returns false when the dispatcher should shut down.
func (r *Router) dispatchOne(ctx context.Context, route *apiRoute, qr *queuedRequest) bool {
	target := route.spec.Autoscaling.GetTargetReplicaConcurrency()
	timer := time.NewTimer(time.Until(qr.deadline))
	defer timer.Stop()
	for {
		if qr.finished() {
			return true
		}
		// The wakeup channel must be armed before the ready snapshot: the pool
		// signals readiness by close-and-replace, so a replica turning Ready
		// after the snapshot but before the arm would close a channel nobody
		// holds and the select below would never wake.
		readyCh := route.pool.ReadyWait()
		if rep := pickReplica(route.pool.ListReady(), target); rep != nil {
			// The dispatcher is the only incrementer, the cap stays exact.
			rep.Acquire()
			if qr.finished() {
				rep.Release()
				return true
			}
			if r.samples != nil {
				r.samples.RecordSample(route.spec.Name, rep.ID, rep.InFlight(), time.Now())
			}
			go r.forward(route, qr, rep)
			return true
		}
		if pending, ready, draining := route.pool.Counts(); pending == 0 && ready == 0 && draining == 0 {
			// The pool went idle underneath a queued request, for example a
			// scale-down racing an arrival. Re-trigger the cold start, the
			// activator deduplicates.
			if err := r.activator.Activate(ctx, route.spec.Name); err != nil {
				r.logger.Debugw("Cold start re-trigger failed.", zap.String("api", route.spec.Name), zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			qr.finish(result{err: ErrNotDeployed})
			return false
		case <-qr.ctx.Done():
			qr.finish(result{err: qr.ctx.Err()})
			return true
		case <-timer.C:
			qr.finish(result{err: RequestTimeoutErr{
				APIName:   route.spec.Name,
				ColdStart: qr.coldStart,
				Waited:    time.Since(qr.arrivedAt),
			}})
			return true
		case <-readyCh:
		case <-route.completionCh:
		}
	}
}

// forward runs the inference call and signals the outcome. It runs on its own
// goroutine so the dispatcher can keep draining the queue.
func (r *Router) forward(route *apiRoute, qr *queuedRequest, rep *pool.Replica) {
	defer func() {
		rep.Release()
		if r.samples != nil {
			r.samples.RecordSample(route.spec.Name, rep.ID, rep.InFlight(), time.Now())
		}
		select {
		case route.completionCh <- struct{}{}:
		default:
		}
	}()

	data, err := r.sub.Invoke(qr.ctx, rep.ID, qr.payload)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// a canceled caller is not an inference failure
			qr.finish(result{err: err})
			return
		}
		var notFound substrate.ReplicaNotFoundErr
		if errors.As(err, &notFound) || route.pool.RecentlyTerminated(rep.ID) {
			// The replica was force-terminated under the request. Surfaced as a
			// retryable timeout rather than an inference failure.
			qr.finish(result{err: RequestTimeoutErr{
				APIName:   route.spec.Name,
				ColdStart: qr.coldStart,
				Waited:    time.Since(qr.arrivedAt),
			}})
			return
		}
		qr.finish(result{err: InferenceErr{
			APIName:   route.spec.Name,
			ReplicaID: rep.ID,
			Message:   err.Error(),
		}})
		return
	}
	qr.finish(result{data: data})
}

// pickReplica returns the Ready replica with the lowest in-flight count that
// is strictly below the target concurrency, ties broken by lowest replica ID.
// Returns nil when every ready replica is at capacity.
func pickReplica(replicas []*pool.Replica, target int32) *pool.Replica {
	var best *pool.Replica
	var bestLoad int64
	for _, rep := range replicas {
		n := rep.InFlight()
		if n >= int64(target) {
			continue
		}
		if best == nil || n < bestLoad || (n == bestLoad && rep.ID < best.ID) {
			best = rep
			bestLoad = n
		}
	}
	return best
}
