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

package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	v1 "github.com/serveproj/serveflow/pkg/apis/serving/v1"
	"github.com/serveproj/serveflow/pkg/router"
)

// statusClientClosedRequest is nginx's non-standard code for a client that
// went away before the response was ready.
const statusClientClosedRequest = 499

// ReplicaCounts is the per-phase replica breakdown in a status response.
type ReplicaCounts struct {
	Pending  int32 `json:"pending"`
	Ready    int32 `json:"ready"`
	Draining int32 `json:"draining"`
}

// APIStatus is the admin API's view of one deployed API.
type APIStatus struct {
	Name          string        `json:"name"`
	Replicas      ReplicaCounts `json:"replicas"`
	CurrentLoad   float64       `json:"currentLoad"`
	QueueDepth    int32         `json:"queueDepth"`
	LastColdStart *time.Time    `json:"lastColdStart,omitempty"`
}

func (s *Server) routes() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiV1 := r.Group("/v1")
	apiV1.POST("/apis", s.handleDeploy)
	apiV1.GET("/apis", s.handleList)
	apiV1.GET("/apis/:name", s.handleStatus)
	apiV1.DELETE("/apis/:name", s.handleUndeploy)
	apiV1.POST("/apis/:name/predict", s.handlePredict)
	return r
}

func (s *Server) handleDeploy(c *gin.Context) {
	var spec v1.APISpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := spec.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Deploy(c.Request.Context(), &spec); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"name": spec.Name})
}

func (s *Server) handleUndeploy(c *gin.Context) {
	name := c.Param("name")
	if _, ok := s.pools.Get(name); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "api is not deployed"})
		return
	}
	if err := s.Undeploy(c.Request.Context(), name); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleList(c *gin.Context) {
	names := s.pools.APINames()
	statuses := make([]APIStatus, 0, len(names))
	for _, name := range names {
		if st, ok := s.status(name); ok {
			statuses = append(statuses, st)
		}
	}
	c.JSON(http.StatusOK, statuses)
}

func (s *Server) handleStatus(c *gin.Context) {
	st, ok := s.status(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "api is not deployed"})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) status(name string) (APIStatus, bool) {
	p, ok := s.pools.Get(name)
	if !ok {
		return APIStatus{}, false
	}
	pending, ready, draining := p.Counts()
	load, _ := s.aggregator.CurrentLoad(name)
	st := APIStatus{
		Name:        name,
		Replicas:    ReplicaCounts{Pending: pending, Ready: ready, Draining: draining},
		CurrentLoad: load,
		QueueDepth:  s.router.QueueDepth(name),
	}
	if at, known := s.activator.LastActivation(name); known {
		st.LastColdStart = &at
	}
	return st, true
}

func (s *Server) handlePredict(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	data, err := s.router.Route(c.Request.Context(), c.Param("name"), payload)
	if err != nil {
		s.renderRouteError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

// renderRouteError maps routing outcomes onto HTTP statuses. Backpressure and
// timeouts are 503 with Retry-After so well-behaved clients back off, an
// inference failure is a plain 500, it would fail again on retry.
func (s *Server) renderRouteError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, router.ErrNotDeployed):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case router.IsAdmissionRejected(err):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case router.IsRequestTimeout(err):
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case router.IsInferenceErr(err):
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	case errors.Is(err, context.Canceled):
		c.Status(statusClientClosedRequest)
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
