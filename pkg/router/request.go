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
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
)

type result struct {
	data []byte
	err  error
}

// queuedRequest is one pending inference call. It lives only inside the router,
// it is destroyed on dispatch completion, deadline expiry, cancellation, or
// queue overflow rejection. The caller is signaled exactly once, enforced by
// the done flag.
type queuedRequest struct {
	payload   []byte
	ctx       context.Context
	arrivedAt time.Time
	deadline  time.Time
	coldStart bool

	done     *atomic.Bool
	resultCh chan result
}

func newQueuedRequest(ctx context.Context, payload []byte, deadline time.Time, coldStart bool) *queuedRequest {
	return &queuedRequest{
		payload:   payload,
		ctx:       ctx,
		arrivedAt: time.Now(),
		deadline:  deadline,
		coldStart: coldStart,
		done:      atomic.NewBool(false),
		resultCh:  make(chan result, 1),
	}
}

// finish signals the request's outcome. Only the first caller wins, later
// calls are no-ops returning false.
func (qr *queuedRequest) finish(res result) bool {
	if !qr.done.CompareAndSwap(false, true) {
		return false
	}
	qr.resultCh <- res
	return true
}

func (qr *queuedRequest) finished() bool {
	return qr.done.Load()
}

// requestFIFO is the per-API bounded queue. Multiple request handlers push
// concurrently, a single dispatcher pops. Finished requests are removed
// eagerly so a canceled request stops occupying queue capacity right away.
type requestFIFO struct {
	lock  *sync.Mutex
	items []*queuedRequest
	// notify wakes the dispatcher after a push, capacity 1 so pushes never block.
	notify chan struct{}
}

func newRequestFIFO() *requestFIFO {
	return &requestFIFO{
		lock:   new(sync.Mutex),
		notify: make(chan struct{}, 1),
	}
}

// push appends the request unless the queue already holds bound items.
// It returns whether the request was admitted and the resulting depth.
func (f *requestFIFO) push(qr *queuedRequest, bound int32) (bool, int32) {
	f.lock.Lock()
	depth := int32(len(f.items))
	if depth >= bound {
		f.lock.Unlock()
		return false, depth
	}
	f.items = append(f.items, qr)
	depth++
	f.lock.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
	return true, depth
}

// pop removes and returns the head of the queue, or nil when empty.
func (f *requestFIFO) pop() *queuedRequest {
	f.lock.Lock()
	defer f.lock.Unlock()
	if len(f.items) == 0 {
		return nil
	}
	qr := f.items[0]
	f.items[0] = nil
	f.items = f.items[1:]
	return qr
}

// remove deletes a request that is still queued, returning whether it was
// found. Used when a caller's deadline or cancellation fires before dispatch.
func (f *requestFIFO) remove(qr *queuedRequest) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	for i, item := range f.items {
		if item == qr {
			f.items = append(f.items[:i], f.items[i+1:]...)
			return true
		}
	}
	return false
}

// drain empties the queue, returning the removed requests.
func (f *requestFIFO) drain() []*queuedRequest {
	f.lock.Lock()
	defer f.lock.Unlock()
	items := f.items
	f.items = nil
	return items
}

func (f *requestFIFO) length() int32 {
	f.lock.Lock()
	defer f.lock.Unlock()
	return int32(len(f.items))
}
