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

// Package server wires the serving components together and exposes them over
// HTTP: the prediction data plane, the deployment admin API, and the
// observability endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/serveproj/serveflow/pkg/activator"
	"github.com/serveproj/serveflow/pkg/aggregator"
	v1 "github.com/serveproj/serveflow/pkg/apis/serving/v1"
	"github.com/serveproj/serveflow/pkg/config"
	"github.com/serveproj/serveflow/pkg/controller"
	"github.com/serveproj/serveflow/pkg/pool"
	"github.com/serveproj/serveflow/pkg/router"
	"github.com/serveproj/serveflow/pkg/shared/logging"
	"github.com/serveproj/serveflow/pkg/substrate"
)

// shutdownGrace bounds the HTTP server's graceful shutdown on exit.
const shutdownGrace = 10 * time.Second

// Server owns the full serving stack of one daemon process.
type Server struct {
	settings *config.Settings
	sub      substrate.Substrate

	pools      *pool.Manager
	aggregator *aggregator.Aggregator
	router     *router.Router
	activator  *activator.Activator
	controller *controller.Controller

	logger *zap.SugaredLogger
}

// NewServer wires the serving components over the given execution substrate.
func NewServer(ctx context.Context, settings *config.Settings, sub substrate.Substrate) *Server {
	pools := pool.NewManager(ctx, sub)
	agg := aggregator.NewAggregator(pools,
		aggregator.WithWindowSeconds(settings.WindowSeconds),
		aggregator.WithSampleInterval(settings.SampleInterval),
	)
	act := activator.NewActivator(pools)
	rt := router.NewRouter(pools, sub, act, agg)
	ctl := controller.NewController(pools, agg,
		controller.WithWorkers(settings.Workers),
		controller.WithTaskInterval(settings.TaskInterval),
	)
	return &Server{
		settings:   settings,
		sub:        sub,
		pools:      pools,
		aggregator: agg,
		router:     rt,
		activator:  act,
		controller: ctl,
		logger:     logging.FromContext(ctx).Named("server"),
	}
}

// Deploy registers an API with every component, in dependency order: the pool
// first so the router and aggregator always find it, the autoscaler last so it
// never evaluates an API the router cannot serve.
func (s *Server) Deploy(ctx context.Context, spec *v1.APISpec) error {
	if err := s.pools.Deploy(ctx, spec); err != nil {
		return err
	}
	s.aggregator.Register(spec.Name)
	if err := s.router.Register(ctx, spec); err != nil {
		return err
	}
	s.controller.StartWatching(spec.Name)
	s.logger.Infow("Deployed API.", zap.String("api", spec.Name))
	return nil
}

// Undeploy tears an API down in reverse order of Deploy. In-flight requests
// drain up to the spec's drain timeout, queued requests fail fast.
func (s *Server) Undeploy(ctx context.Context, apiName string) error {
	s.controller.StopWatching(apiName)
	s.router.Unregister(apiName)
	s.aggregator.Unregister(apiName)
	if err := s.pools.Undeploy(ctx, apiName); err != nil {
		return err
	}
	s.logger.Infow("Undeployed API.", zap.String("api", apiName))
	return nil
}

// applyManifest converges the deployed set toward the manifest: new or changed
// APIs are (re)deployed, previously deployed APIs missing from the manifest are
// undeployed. APIs whose spec is unchanged are left alone, a redeploy would
// drain warm replicas and fail queued requests for nothing.
func (s *Server) applyManifest(ctx context.Context, specs []*v1.APISpec) {
	wanted := make(map[string]bool, len(specs))
	for _, spec := range specs {
		wanted[spec.Name] = true
		if p, ok := s.pools.Get(spec.Name); ok && reflect.DeepEqual(p.Spec(), spec) {
			continue
		}
		if err := s.Deploy(ctx, spec); err != nil {
			s.logger.Errorw("Failed to deploy API from manifest.", zap.String("api", spec.Name), zap.Error(err))
		}
	}
	for _, name := range s.pools.APINames() {
		if !wanted[name] {
			if err := s.Undeploy(ctx, name); err != nil {
				s.logger.Errorw("Failed to undeploy API removed from manifest.", zap.String("api", name), zap.Error(err))
			}
		}
	}
}

// Run starts the sampling loop, the autoscaler, the manifest watcher when
// configured, and the HTTP server. It blocks until ctx is done or a component
// fails.
func (s *Server) Run(ctx context.Context) error {
	log := s.logger
	ctx = logging.WithLogger(ctx, log)

	if s.settings.ManifestPath != "" {
		specs, err := config.LoadManifest(s.settings.ManifestPath)
		if err != nil {
			return fmt.Errorf("failed to load manifest: %w", err)
		}
		s.applyManifest(ctx, specs)
	}

	httpServer := &http.Server{
		Addr:    s.settings.BindAddress,
		Handler: s.routes(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.aggregator.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return s.controller.Start(gctx)
	})
	if s.settings.ManifestPath != "" {
		g.Go(func() error {
			return config.WatchManifest(gctx, s.settings.ManifestPath, func(specs []*v1.APISpec) {
				s.applyManifest(gctx, specs)
			})
		})
	}
	g.Go(func() error {
		log.Infow("Starting HTTP server...", zap.String("address", s.settings.BindAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
