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
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	v1 "github.com/serveproj/serveflow/pkg/apis/serving/v1"
	"github.com/serveproj/serveflow/pkg/shared/logging"
	"github.com/serveproj/serveflow/pkg/substrate"
)

// undeployDrainBudget bounds how long Undeploy waits for an old pool's
// replicas to finish draining before giving up the wait. Draining continues in
// the background either way.
const undeployDrainBudget = time.Minute

// Manager owns one pool per deployed API. The manager lock only guards the
// map, per-API state is guarded by each pool's own lock so APIs never contend.
type Manager struct {
	lock  *sync.RWMutex
	pools map[string]*Pool
	sub   substrate.Substrate
	ctx   context.Context
}

// NewManager returns an empty pool manager. Pools it creates derive their
// lifetime from ctx.
func NewManager(ctx context.Context, sub substrate.Substrate) *Manager {
	return &Manager{
		lock:  new(sync.RWMutex),
		pools: make(map[string]*Pool),
		sub:   sub,
		ctx:   ctx,
	}
}

// Deploy creates the pool for a new API, or replaces the existing pool on
// redeploy. The replaced pool's replicas drain in the background. The new pool
// is scaled to the spec's minimum replica count right away.
func (m *Manager) Deploy(ctx context.Context, spec *v1.APISpec) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("invalid api spec: %w", err)
	}
	log := logging.FromContext(ctx)

	newPool := NewPool(m.ctx, spec, m.sub)
	m.lock.Lock()
	old := m.pools[spec.Name]
	m.pools[spec.Name] = newPool
	m.lock.Unlock()

	if old != nil {
		log.Infow("Redeploying API, draining previous replicas.", zap.String("api", spec.Name))
		go func() {
			shutdownCtx, cancel := context.WithTimeout(m.ctx, undeployDrainBudget)
			defer cancel()
			_ = old.Shutdown(shutdownCtx)
		}()
	}
	return newPool.ScaleTo(ctx, spec.Autoscaling.GetMinReplicas())
}

// Undeploy drains and removes an API's pool.
func (m *Manager) Undeploy(ctx context.Context, apiName string) error {
	m.lock.Lock()
	p, ok := m.pools[apiName]
	delete(m.pools, apiName)
	m.lock.Unlock()
	if !ok {
		return fmt.Errorf("api %q is not deployed", apiName)
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, undeployDrainBudget)
	defer cancel()
	_ = p.Shutdown(shutdownCtx)
	return nil
}

// Get returns the pool for an API.
func (m *Manager) Get(apiName string) (*Pool, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	p, ok := m.pools[apiName]
	return p, ok
}

// APINames returns the names of all deployed APIs.
func (m *Manager) APINames() []string {
	m.lock.RLock()
	defer m.lock.RUnlock()
	names := make([]string, 0, len(m.pools))
	for name := range m.pools {
		names = append(names, name)
	}
	return names
}

// Specs returns the specs of all deployed APIs.
func (m *Manager) Specs() []*v1.APISpec {
	m.lock.RLock()
	defer m.lock.RUnlock()
	specs := make([]*v1.APISpec, 0, len(m.pools))
	for _, p := range m.pools {
		specs = append(specs, p.Spec())
	}
	return specs
}

// ReadyInFlight returns the in-flight counts of an API's Ready replicas, or
// nil when the API is not deployed. This is the aggregator's scrape path.
func (m *Manager) ReadyInFlight(apiName string) map[string]int64 {
	p, ok := m.Get(apiName)
	if !ok {
		return nil
	}
	return p.ReadyInFlight()
}
