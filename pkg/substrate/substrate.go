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

// Package substrate abstracts the replica execution environment. The pool
// manager drives replica lifecycles exclusively through this interface and
// never blocks its control path on substrate completion.
package substrate

import (
	"context"
	"fmt"

	v1 "github.com/serveproj/serveflow/pkg/apis/serving/v1"
)

// Substrate starts, stops and invokes replicas. StartReplica only kicks off
// creation, readiness is observed separately through WaitReady.
type Substrate interface {
	// StartReplica begins creating a replica process for the given API spec.
	// It returns quickly, an error means the substrate rejected the creation.
	StartReplica(ctx context.Context, spec *v1.APISpec, replicaID string) error
	// WaitReady blocks until the replica passes its health check, the replica
	// fails to initialize, or the context is done.
	WaitReady(ctx context.Context, replicaID string) error
	// Invoke forwards one request payload to the replica's predictor.
	Invoke(ctx context.Context, replicaID string, payload []byte) ([]byte, error)
	// StopReplica terminates the replica process and releases its resources.
	StopReplica(ctx context.Context, replicaID string) error
}

// ReplicaNotFoundErr is returned when an operation references a replica the
// substrate does not know about, typically one already stopped.
type ReplicaNotFoundErr struct {
	ReplicaID string
}

func (e ReplicaNotFoundErr) Error() string {
	return fmt.Sprintf("replica %q not found", e.ReplicaID)
}
