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

package substrate

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	v1 "github.com/serveproj/serveflow/pkg/apis/serving/v1"
	"github.com/serveproj/serveflow/pkg/predictor"
	"github.com/serveproj/serveflow/pkg/shared/logging"
)

type instance struct {
	pred    predictor.Predictor
	readyCh chan struct{}
	initErr error
	cancel  context.CancelFunc
}

// InProcess runs replicas as in-process predictor instances. Startup latency
// is simulated so cold start behavior can be exercised without a container
// runtime.
type InProcess struct {
	lock      *sync.RWMutex
	instances map[string]*instance
	registry  *predictor.Registry
	options   *inProcessOptions
	logger    *zap.SugaredLogger
}

type inProcessOptions struct {
	// startupDelay is applied before a replica's predictor is initialized.
	startupDelay time.Duration
}

type InProcessOption func(*inProcessOptions)

// WithStartupDelay sets the simulated replica boot latency.
func WithStartupDelay(d time.Duration) InProcessOption {
	return func(o *inProcessOptions) {
		o.startupDelay = d
	}
}

// NewInProcess returns an in-process substrate backed by the given predictor registry.
func NewInProcess(registry *predictor.Registry, opts ...InProcessOption) *InProcess {
	options := &inProcessOptions{
		startupDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}
	return &InProcess{
		lock:      new(sync.RWMutex),
		instances: make(map[string]*instance),
		registry:  registry,
		options:   options,
		logger:    logging.NewLogger().Named("substrate"),
	}
}

func (s *InProcess) StartReplica(ctx context.Context, spec *v1.APISpec, replicaID string) error {
	pred, err := s.registry.New(spec.Predictor.Type)
	if err != nil {
		return err
	}
	initCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	inst := &instance{
		pred:    pred,
		readyCh: make(chan struct{}),
		cancel:  cancel,
	}
	s.lock.Lock()
	s.instances[replicaID] = inst
	s.lock.Unlock()

	cfg := predictor.InitConfig{
		APIName: spec.Name,
		Path:    spec.Predictor.Path,
		CPU:     spec.Compute.CPU,
		Mem:     spec.Compute.Mem,
	}
	go func() {
		defer close(inst.readyCh)
		select {
		case <-time.After(s.options.startupDelay):
		case <-initCtx.Done():
			inst.initErr = initCtx.Err()
			return
		}
		inst.initErr = pred.Init(initCtx, cfg)
	}()
	return nil
}

func (s *InProcess) WaitReady(ctx context.Context, replicaID string) error {
	s.lock.RLock()
	inst, ok := s.instances[replicaID]
	s.lock.RUnlock()
	if !ok {
		return ReplicaNotFoundErr{ReplicaID: replicaID}
	}
	select {
	case <-inst.readyCh:
		return inst.initErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *InProcess) Invoke(ctx context.Context, replicaID string, payload []byte) ([]byte, error) {
	s.lock.RLock()
	inst, ok := s.instances[replicaID]
	s.lock.RUnlock()
	if !ok {
		return nil, ReplicaNotFoundErr{ReplicaID: replicaID}
	}
	return inst.pred.Predict(ctx, payload)
}

func (s *InProcess) StopReplica(_ context.Context, replicaID string) error {
	s.lock.Lock()
	inst, ok := s.instances[replicaID]
	delete(s.instances, replicaID)
	s.lock.Unlock()
	if !ok {
		return nil
	}
	inst.cancel()
	if err := inst.pred.Close(); err != nil {
		s.logger.Warnw("Failed to close a predictor instance.", zap.String("replica", replicaID), zap.Error(err))
		return err
	}
	return nil
}
