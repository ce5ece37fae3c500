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

package router

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotDeployed is returned when a request references an API with no
// registered route.
var ErrNotDeployed = errors.New("api is not deployed")

// AdmissionRejectedErr is returned immediately when an API's queue is full.
// This is the backpressure contract, the queue never grows past its bound.
type AdmissionRejectedErr struct {
	APIName     string
	QueueLength int32
	Bound       int32
}

func (e AdmissionRejectedErr) Error() string {
	return fmt.Sprintf("(%s) request rejected, queue is at capacity %d/%d", e.APIName, e.QueueLength, e.Bound)
}

// IsAdmissionRejected returns true if the error is a queue-full rejection.
func IsAdmissionRejected(err error) bool {
	var e AdmissionRejectedErr
	return errors.As(err, &e)
}

// RequestTimeoutErr is returned when a queued request exceeds its deadline
// before a replica could take it. ColdStart is set when the deadline was the
// cold-start timeout of an idle API.
type RequestTimeoutErr struct {
	APIName   string
	ColdStart bool
	Waited    time.Duration
}

func (e RequestTimeoutErr) Error() string {
	if e.ColdStart {
		return fmt.Sprintf("(%s) request timed out after %v waiting for a cold start", e.APIName, e.Waited)
	}
	return fmt.Sprintf("(%s) request timed out after %v waiting for dispatch", e.APIName, e.Waited)
}

// IsRequestTimeout returns true if the error is a queue-wait or cold-start timeout.
func IsRequestTimeout(err error) bool {
	var e RequestTimeoutErr
	return errors.As(err, &e)
}

// InferenceErr is returned when the predictor failed on a specific payload. It
// is a request-level failure, it does not affect the replica's health.
type InferenceErr struct {
	APIName   string
	ReplicaID string
	Message   string
}

func (e InferenceErr) Error() string {
	return fmt.Sprintf("(%s) inference failed on replica %s: %s", e.APIName, e.ReplicaID, e.Message)
}

// IsInferenceErr returns true if the error is a predictor failure.
func IsInferenceErr(err error) bool {
	var e InferenceErr
	return errors.As(err, &e)
}
