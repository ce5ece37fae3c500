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

// Package controller runs the autoscaling reconciliation loop. Each watched
// API is periodically evaluated against its observed load: scale-ups apply
// immediately, scale-downs only after the lower desired count has persisted
// for the API's stabilization window. The controller is the only component
// that moves replica counts in steady state, the activator only handles the
// zero-to-one transition.
package controller

import (
	"container/list"
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/serveproj/serveflow/pkg/metrics"
	"github.com/serveproj/serveflow/pkg/pool"
	"github.com/serveproj/serveflow/pkg/shared/logging"
	sharedqueue "github.com/serveproj/serveflow/pkg/shared/queue"
)

// LoadProvider supplies the windowed load signal, implemented by the metrics
// aggregator.
type LoadProvider interface {
	CurrentLoad(apiName string) (float64, error)
}

// timestampedDesired is one autoscaler recommendation, kept for the
// stabilization window.
type timestampedDesired struct {
	desired   int32
	timestamp time.Time
}

// Controller evaluates watched APIs with a pool of workers. APIs are held in a
// round-robin list, each assignment sends one API name to the worker channel
// so an API is never evaluated by two workers at once.
type Controller struct {
	pools *pool.Manager
	loads LoadProvider

	apiMap  map[string]*list.Element
	apiList *list.List
	lock    *sync.RWMutex

	// recommendations keeps the recent desired counts per API, scale-downs are
	// gated on the max over the stabilization window.
	recommendations map[string]*sharedqueue.OverflowQueue[timestampedDesired]
	recLock         *sync.Mutex

	options *options
	logger  *zap.SugaredLogger
}

// NewController returns an autoscaler controller over the given pools and load
// signal.
func NewController(pools *pool.Manager, loads LoadProvider, opts ...Option) *Controller {
	ctlOpts := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(ctlOpts)
		}
	}
	return &Controller{
		pools:           pools,
		loads:           loads,
		apiMap:          make(map[string]*list.Element),
		apiList:         list.New(),
		lock:            new(sync.RWMutex),
		recommendations: make(map[string]*sharedqueue.OverflowQueue[timestampedDesired]),
		recLock:         new(sync.Mutex),
		options:         ctlOpts,
		logger:          logging.NewLogger().Named("controller"),
	}
}

// Contains returns if the controller is watching the given API.
func (c *Controller) Contains(apiName string) bool {
	c.lock.RLock()
	defer c.lock.RUnlock()
	_, ok := c.apiMap[apiName]
	return ok
}

// Length returns how many APIs are being watched.
func (c *Controller) Length() int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.apiList.Len()
}

// StartWatching adds an API to the watch list.
func (c *Controller) StartWatching(apiName string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, ok := c.apiMap[apiName]; !ok {
		c.apiMap[apiName] = c.apiList.PushBack(apiName)
	}
}

// StopWatching removes an API from the watch list and drops its recommendation
// history.
func (c *Controller) StopWatching(apiName string) {
	c.lock.Lock()
	if e, ok := c.apiMap[apiName]; ok {
		_ = c.apiList.Remove(e)
		delete(c.apiMap, apiName)
	}
	c.lock.Unlock()

	c.recLock.Lock()
	delete(c.recommendations, apiName)
	c.recLock.Unlock()
	metrics.DesiredReplicas.DeleteLabelValues(apiName)
}

// Start runs the evaluation workers and the assignment loop until ctx is done.
func (c *Controller) Start(ctx context.Context) error {
	log := logging.FromContext(ctx).Named("controller")
	log.Info("Starting autoscaling controller...")
	keyCh := make(chan string)
	ctx, cancel := context.WithCancel(logging.WithLogger(ctx, log))
	defer cancel()

	var wg sync.WaitGroup
	for i := 1; i <= c.options.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.evaluate(ctx, id, keyCh)
		}(i)
	}

	assign := func() {
		c.lock.Lock()
		defer c.lock.Unlock()
		if c.apiList.Len() == 0 {
			return
		}
		e := c.apiList.Front()
		c.apiList.MoveToBack(e)
		select {
		case keyCh <- e.Value.(string):
		case <-ctx.Done():
		}
	}

	// Spread evaluations across the task interval so each watched API is
	// re-evaluated about once per interval regardless of how many there are.
	for {
		select {
		case <-ctx.Done():
			log.Info("Shutting down autoscaling controller...")
			wg.Wait()
			return nil
		default:
			assign()
		}
		n := c.Length()
		if n == 0 {
			n = 1
		}
		select {
		case <-ctx.Done():
		case <-time.After(c.options.taskInterval / time.Duration(n)):
		}
	}
}

func (c *Controller) evaluate(ctx context.Context, id int, keyCh <-chan string) {
	log := logging.FromContext(ctx)
	log.Infof("Started autoscaling worker %v", id)
	for {
		select {
		case <-ctx.Done():
			log.Infof("Stopped autoscaling worker %v", id)
			return
		case apiName := <-keyCh:
			if err := c.scaleOneAPI(ctx, apiName); err != nil {
				log.Errorw("Failed to evaluate API.", zap.String("api", apiName), zap.Error(err))
			}
		}
	}
}

// scaleOneAPI computes the desired replica count for one API and applies it,
// subject to scale-down stabilization and creation-failure backoff.
func (c *Controller) scaleOneAPI(ctx context.Context, apiName string) error {
	log := logging.FromContext(ctx).With("api", apiName)
	p, ok := c.pools.Get(apiName)
	if !ok {
		// undeployed behind our back
		c.StopWatching(apiName)
		return nil
	}
	spec := p.Spec()

	load, err := c.loads.CurrentLoad(apiName)
	if err != nil {
		// stale or missing signal, keep the current replica count this cycle
		log.Debugw("Load signal unavailable, skipping cycle.", zap.Error(err))
		return nil
	}

	min, max := spec.Autoscaling.GetMinReplicas(), spec.Autoscaling.GetMaxReplicas()
	target := spec.Autoscaling.GetTargetReplicaConcurrency()
	desired := int32(math.Ceil(load / float64(target)))
	if desired < min {
		desired = min
	}
	if desired > max {
		desired = max
	}
	metrics.DesiredReplicas.WithLabelValues(apiName).Set(float64(desired))

	now := time.Now()
	window := spec.Autoscaling.GetStabilizationWindow()
	c.record(apiName, window, timestampedDesired{desired: desired, timestamp: now})

	pending, ready, _ := p.Counts()
	current := pending + ready

	switch {
	case desired > current:
		if wait, n := c.creationBackoff(p); wait > 0 {
			log.Debugw("Holding scale-up for creation backoff.",
				zap.Duration("remaining", wait), zap.Int("consecutiveFailures", n))
			return nil
		}
		log.Infow("Scaling up.", zap.Int32("current", current), zap.Int32("desired", desired), zap.Float64("load", load))
		metrics.ScalingOperationsTotal.WithLabelValues(apiName, "up").Inc()
		return p.ScaleTo(ctx, desired)
	case desired < current:
		stable, covered := c.stabilizedMax(apiName, window, now)
		if !covered {
			// not enough history to prove the lower demand persisted
			return nil
		}
		if stable >= current {
			return nil
		}
		log.Infow("Scaling down.", zap.Int32("current", current), zap.Int32("desired", stable), zap.Float64("load", load))
		metrics.ScalingOperationsTotal.WithLabelValues(apiName, "down").Inc()
		return p.ScaleTo(ctx, stable)
	}
	return nil
}

// record appends a recommendation to the API's history ring. The ring is sized
// to hold one stabilization window of recommendations at the task interval.
func (c *Controller) record(apiName string, window time.Duration, rec timestampedDesired) {
	c.recLock.Lock()
	defer c.recLock.Unlock()
	q, ok := c.recommendations[apiName]
	if !ok {
		size := int(window/c.options.taskInterval) + 2
		q = sharedqueue.New[timestampedDesired](size)
		c.recommendations[apiName] = q
	}
	q.Append(rec)
}

// stabilizedMax returns the highest desired count recommended within the
// stabilization window, and whether the history actually spans the whole
// window. Scaling down on partial coverage would act on demand that has not
// been low for long enough.
func (c *Controller) stabilizedMax(apiName string, window time.Duration, now time.Time) (int32, bool) {
	c.recLock.Lock()
	q, ok := c.recommendations[apiName]
	c.recLock.Unlock()
	if !ok {
		return 0, false
	}
	recs := q.Items()
	if len(recs) == 0 {
		return 0, false
	}
	cutoff := now.Add(-window)
	covered := !recs[0].timestamp.After(cutoff)
	var stable int32
	for _, r := range recs {
		if r.timestamp.Before(cutoff) {
			continue
		}
		if r.desired > stable {
			stable = r.desired
		}
	}
	return stable, covered
}

// creationBackoff returns how much longer scale-ups should be held after
// consecutive replica creation failures, doubling per failure up to the cap.
func (c *Controller) creationBackoff(p *pool.Pool) (time.Duration, int) {
	last, n := p.LastCreationFailure()
	if n == 0 {
		return 0, 0
	}
	backoff := time.Second
	for i := 1; i < n; i++ {
		backoff *= 2
		if backoff >= c.options.maxCreationBackoff {
			backoff = c.options.maxCreationBackoff
			break
		}
	}
	remaining := backoff - time.Since(last)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, n
}

// String implements fmt.Stringer for debug logging.
func (c *Controller) String() string {
	return fmt.Sprintf("autoscaling controller watching %d APIs", c.Length())
}
