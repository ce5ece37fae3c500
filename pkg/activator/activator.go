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

// Package activator brings scale-to-zero APIs back to life. The first request
// hitting an idle API triggers exactly one scale-up no matter how many
// requests arrive concurrently, later requests join the same cold start.
package activator

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/serveproj/serveflow/pkg/metrics"
	"github.com/serveproj/serveflow/pkg/pool"
	"github.com/serveproj/serveflow/pkg/shared/logging"
)

// lastActivationCacheSize bounds the per-API activation timestamp cache.
const lastActivationCacheSize = 256

// Activator turns the first request against a zero-replica API into a single
// scale-up. Concurrent triggers for the same API are deduplicated, the
// activation itself is idempotent against the pool.
type Activator struct {
	pools *pool.Manager
	group singleflight.Group
	// lastActivation remembers when each API last cold-started, exposed for
	// status reporting.
	lastActivation *lru.Cache[string, time.Time]
	logger         *zap.SugaredLogger
}

// NewActivator returns an activator scaling pools owned by the given manager.
func NewActivator(pools *pool.Manager) *Activator {
	cache, _ := lru.New[string, time.Time](lastActivationCacheSize)
	return &Activator{
		pools:          pools,
		lastActivation: cache,
		logger:         logging.NewLogger().Named("activator"),
	}
}

// Activate scales an idle API to one replica. It returns once the scale-up is
// initiated, it does not wait for readiness, the router's dispatcher observes
// readiness through the pool. Calling it while the API already has live
// replicas is a no-op.
func (a *Activator) Activate(ctx context.Context, apiName string) error {
	_, err, _ := a.group.Do(apiName, func() (interface{}, error) {
		p, ok := a.pools.Get(apiName)
		if !ok {
			return nil, fmt.Errorf("api %q is not deployed", apiName)
		}
		if pending, ready, _ := p.Counts(); pending+ready > 0 {
			// already warming up or serving, nothing to do
			return nil, nil
		}
		target := p.Spec().Autoscaling.GetMinReplicas()
		if target < 1 {
			target = 1
		}
		a.logger.Infow("Cold starting API.", zap.String("api", apiName), zap.Int32("replicas", target))
		metrics.ColdStartsTotal.WithLabelValues(apiName).Inc()
		a.lastActivation.Add(apiName, time.Now())
		return nil, p.ScaleTo(ctx, target)
	})
	return err
}

// LastActivation returns when the API last cold-started, if known.
func (a *Activator) LastActivation(apiName string) (time.Time, bool) {
	return a.lastActivation.Get(apiName)
}
