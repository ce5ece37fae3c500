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

package v1

import (
	"fmt"
	"time"
)

// PredictorType is the inference backend serving an API.
type PredictorType string

const (
	PredictorTypePython     PredictorType = "python"
	PredictorTypeTensorFlow PredictorType = "tensorflow"
	PredictorTypeONNX       PredictorType = "onnx"
)

// Predictor describes how the model behind an API is loaded and invoked.
// The platform core treats it as opaque configuration passed to the
// execution substrate.
type Predictor struct {
	// Type selects one of the supported inference backends.
	Type PredictorType `json:"type"`
	// Path is an opaque reference to the model artifacts, resolved by the
	// backend implementation.
	Path string `json:"path"`
}

// Compute carries resource requests, passed through to the execution substrate.
type Compute struct {
	// +optional
	CPU string `json:"cpu,omitempty"`
	// +optional
	Mem string `json:"mem,omitempty"`
}

// Autoscaling holds the scaling and queueing settings of an API.
// All fields are optional, defaults apply when unset.
type Autoscaling struct {
	// Minimum replicas, 0 enables scale-to-zero.
	// +optional
	MinReplicas *int32 `json:"minReplicas,omitempty"`
	// Maximum replicas.
	// +optional
	MaxReplicas *int32 `json:"maxReplicas,omitempty"`
	// TargetReplicaConcurrency is the number of in-flight requests one replica
	// should handle before new requests queue. The admission cap at dispatch
	// time is exact, not statistical.
	// +optional
	TargetReplicaConcurrency *int32 `json:"targetReplicaConcurrency,omitempty"`
	// StabilizationWindowSeconds is how long a lower desired replica count must
	// persist continuously before a scale-down is applied. Scale-ups are applied
	// immediately.
	// +optional
	StabilizationWindowSeconds *uint32 `json:"stabilizationWindowSeconds,omitempty"`
	// ColdStartTimeoutSeconds bounds how long a request arriving at an API with
	// zero replicas waits for the first replica to become ready.
	// +optional
	ColdStartTimeoutSeconds *uint32 `json:"coldStartTimeoutSeconds,omitempty"`
	// MaxQueueLength bounds the per-API request queue, requests beyond it are
	// rejected immediately.
	// +optional
	MaxQueueLength *int32 `json:"maxQueueLength,omitempty"`
	// MaxQueueWaitSeconds bounds how long a queued request waits for dispatch.
	// +optional
	MaxQueueWaitSeconds *uint32 `json:"maxQueueWaitSeconds,omitempty"`
	// DrainTimeoutSeconds bounds how long a draining replica waits for its
	// in-flight requests to complete before forced termination.
	// +optional
	DrainTimeoutSeconds *uint32 `json:"drainTimeoutSeconds,omitempty"`
	// StartupDeadlineSeconds bounds how long a pending replica may take to pass
	// its health check.
	// +optional
	StartupDeadlineSeconds *uint32 `json:"startupDeadlineSeconds,omitempty"`
}

func (a Autoscaling) GetMinReplicas() int32 {
	if x := a.MinReplicas; x == nil || *x < 0 {
		if x == nil {
			return DefaultMinReplicas
		}
		return 0
	} else {
		return *x
	}
}

func (a Autoscaling) GetMaxReplicas() int32 {
	if x := a.MaxReplicas; x == nil {
		return DefaultMaxReplicas
	} else {
		return *x
	}
}

func (a Autoscaling) GetTargetReplicaConcurrency() int32 {
	if x := a.TargetReplicaConcurrency; x == nil || *x < 1 {
		return DefaultTargetReplicaConcurrency
	} else {
		return *x
	}
}

func (a Autoscaling) GetStabilizationWindow() time.Duration {
	if x := a.StabilizationWindowSeconds; x != nil {
		return time.Duration(*x) * time.Second
	}
	return time.Duration(DefaultStabilizationWindowSeconds) * time.Second
}

func (a Autoscaling) GetColdStartTimeout() time.Duration {
	if x := a.ColdStartTimeoutSeconds; x != nil {
		return time.Duration(*x) * time.Second
	}
	return time.Duration(DefaultColdStartTimeoutSeconds) * time.Second
}

func (a Autoscaling) GetMaxQueueLength() int32 {
	if x := a.MaxQueueLength; x == nil || *x < 1 {
		return DefaultMaxQueueLength
	} else {
		return *x
	}
}

func (a Autoscaling) GetMaxQueueWait() time.Duration {
	if x := a.MaxQueueWaitSeconds; x != nil {
		return time.Duration(*x) * time.Second
	}
	return time.Duration(DefaultMaxQueueWaitSeconds) * time.Second
}

func (a Autoscaling) GetDrainTimeout() time.Duration {
	if x := a.DrainTimeoutSeconds; x != nil {
		return time.Duration(*x) * time.Second
	}
	return time.Duration(DefaultDrainTimeoutSeconds) * time.Second
}

func (a Autoscaling) GetStartupDeadline() time.Duration {
	if x := a.StartupDeadlineSeconds; x != nil {
		return time.Duration(*x) * time.Second
	}
	return time.Duration(DefaultStartupDeadlineSeconds) * time.Second
}

// APISpec is the immutable per-deployment configuration of one served API.
// It is created at deploy time and replaced wholesale on redeploy, never
// mutated field by field.
type APISpec struct {
	// Name uniquely identifies the API.
	Name string `json:"name"`
	// Predictor selects and configures the inference backend.
	Predictor Predictor `json:"predictor"`
	// Compute carries opaque resource requests for the execution substrate.
	// +optional
	Compute Compute `json:"compute,omitempty"`
	// Autoscaling holds the scaling and queueing settings.
	// +optional
	Autoscaling Autoscaling `json:"autoscaling,omitempty"`
}

// Validate checks that the spec is internally consistent. It is called once
// at deploy time, components may rely on a validated spec afterwards.
func (s APISpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("api name must not be empty")
	}
	switch s.Predictor.Type {
	case PredictorTypePython, PredictorTypeTensorFlow, PredictorTypeONNX:
	default:
		return fmt.Errorf("api %q has unsupported predictor type %q", s.Name, s.Predictor.Type)
	}
	if s.Predictor.Path == "" {
		return fmt.Errorf("api %q predictor path must not be empty", s.Name)
	}
	if min, max := s.Autoscaling.GetMinReplicas(), s.Autoscaling.GetMaxReplicas(); min > max {
		return fmt.Errorf("api %q minReplicas %d must not be greater than maxReplicas %d", s.Name, min, max)
	}
	if s.Autoscaling.MaxReplicas != nil && *s.Autoscaling.MaxReplicas < 1 {
		return fmt.Errorf("api %q maxReplicas must be at least 1", s.Name)
	}
	if s.Autoscaling.TargetReplicaConcurrency != nil && *s.Autoscaling.TargetReplicaConcurrency < 1 {
		return fmt.Errorf("api %q targetReplicaConcurrency must be positive", s.Name)
	}
	if s.Autoscaling.MaxQueueLength != nil && *s.Autoscaling.MaxQueueLength < 1 {
		return fmt.Errorf("api %q maxQueueLength must be positive", s.Name)
	}
	return nil
}

// DeepCopy returns a copy of the spec. Pointer fields are duplicated so the
// copy shares no memory with the original.
func (s *APISpec) DeepCopy() *APISpec {
	if s == nil {
		return nil
	}
	out := *s
	out.Autoscaling.MinReplicas = copyInt32(s.Autoscaling.MinReplicas)
	out.Autoscaling.MaxReplicas = copyInt32(s.Autoscaling.MaxReplicas)
	out.Autoscaling.TargetReplicaConcurrency = copyInt32(s.Autoscaling.TargetReplicaConcurrency)
	out.Autoscaling.MaxQueueLength = copyInt32(s.Autoscaling.MaxQueueLength)
	out.Autoscaling.StabilizationWindowSeconds = copyUint32(s.Autoscaling.StabilizationWindowSeconds)
	out.Autoscaling.ColdStartTimeoutSeconds = copyUint32(s.Autoscaling.ColdStartTimeoutSeconds)
	out.Autoscaling.MaxQueueWaitSeconds = copyUint32(s.Autoscaling.MaxQueueWaitSeconds)
	out.Autoscaling.DrainTimeoutSeconds = copyUint32(s.Autoscaling.DrainTimeoutSeconds)
	out.Autoscaling.StartupDeadlineSeconds = copyUint32(s.Autoscaling.StartupDeadlineSeconds)
	return &out
}

func copyInt32(x *int32) *int32 {
	if x == nil {
		return nil
	}
	v := *x
	return &v
}

func copyUint32(x *uint32) *uint32 {
	if x == nil {
		return nil
	}
	v := *x
	return &v
}
