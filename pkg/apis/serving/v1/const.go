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

const (
	// DefaultMinReplicas is the minimum replica count used when autoscaling.minReplicas is not set.
	DefaultMinReplicas = int32(1)
	// DefaultMaxReplicas is the maximum replica count used when autoscaling.maxReplicas is not set.
	DefaultMaxReplicas = int32(100)
	// DefaultTargetReplicaConcurrency is the per-replica in-flight request target used when not set.
	DefaultTargetReplicaConcurrency = int32(1)
	// DefaultStabilizationWindowSeconds is how long a lower desired replica count must persist
	// before a scale-down is applied.
	DefaultStabilizationWindowSeconds = uint32(300)
	// DefaultColdStartTimeoutSeconds is how long a request buffered during a cold start waits
	// for a replica to become ready.
	DefaultColdStartTimeoutSeconds = uint32(120)
	// DefaultMaxQueueLength bounds the per-API request queue.
	DefaultMaxQueueLength = int32(1024)
	// DefaultMaxQueueWaitSeconds is how long a queued request waits for dispatch when at least
	// one replica exists.
	DefaultMaxQueueWaitSeconds = uint32(60)
	// DefaultDrainTimeoutSeconds is how long a draining replica may keep in-flight requests
	// before it is forcefully terminated.
	DefaultDrainTimeoutSeconds = uint32(30)
	// DefaultStartupDeadlineSeconds is how long a pending replica may take to pass its health
	// check before it is marked terminated.
	DefaultStartupDeadlineSeconds = uint32(120)
)
