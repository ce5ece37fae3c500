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

package controller

import "time"

type options struct {
	// workers is the number of goroutines evaluating APIs concurrently.
	workers int
	// taskInterval is roughly how often each watched API is re-evaluated.
	taskInterval time.Duration
	// maxCreationBackoff caps the exponential backoff after replica creation
	// failures.
	maxCreationBackoff time.Duration
}

type Option func(*options)

func defaultOptions() *options {
	return &options{
		workers:            4,
		taskInterval:       2 * time.Second,
		maxCreationBackoff: time.Minute,
	}
}

// WithWorkers sets the number of evaluation workers.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithTaskInterval sets how often each watched API is re-evaluated.
func WithTaskInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.taskInterval = d
		}
	}
}

// WithMaxCreationBackoff caps the creation-failure backoff.
func WithMaxCreationBackoff(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.maxCreationBackoff = d
		}
	}
}
