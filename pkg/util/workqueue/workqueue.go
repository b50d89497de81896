/*
Copyright 2015 The Kubernetes Authors.

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

package workqueue

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

const (
	DefaultMaxSize = 10000
)

var ErrShuttingDown = errors.New("workqueue: shutting down")

type Interface interface {
	Add(item interface{}) (accepted bool)
	Len() int
	GetContext(ctx context.Context) (item interface{}, err error)
	Done(item interface{})
	ShutDown()
	ShuttingDown() bool
}

// Identifier can be implemented by items to provide the key they are deduplicated on.
type Identifier interface {
	ID() interface{}
}

func NewWorkQueue(maxSize int) *Type {
	return &Type{
		MaxSize:    maxSize,
		dirty:      make(map[interface{}]interface{}),
		processing: make(map[interface{}]struct{}),
		cond:       sync.NewCond(&sync.Mutex{}),
	}
}

func New() *Type {
	return NewWorkQueue(DefaultMaxSize)
}

// Type is a work queue (see the package comment).
type Type struct {
	MaxSize int

	// queue defines the order in which we will work on items. Every element of queue is in the dirty set and not in
	// the processing set.
	queue []interface{}

	// dirty holds the items waiting to be handed out, by key.
	dirty map[interface{}]interface{}

	// processing holds the keys of items handed out and not yet marked Done. An item added again while it is being
	// processed is queued once Done is called.
	processing map[interface{}]struct{}

	cond *sync.Cond

	shuttingDown bool
}

// Add marks item as needing processing. Adding an item that is already waiting is a no-op. It returns false if the
// queue is full or shutting down.
func (q *Type) Add(item interface{}) (accepted bool) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	if q.shuttingDown {
		return false
	}

	key := getKey(item)
	if _, ok := q.dirty[key]; ok {
		return true
	}
	if len(q.queue) >= q.MaxSize {
		return false
	}

	q.dirty[key] = item
	if _, ok := q.processing[key]; ok {
		return true
	}

	q.queue = append(q.queue, key)
	q.cond.Signal()
	return true
}

// Len returns the current queue length, for informational purposes only.
func (q *Type) Len() int {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	return len(q.queue)
}

// GetContext blocks until it can return an item to be processed. It fails with the error of ctx once ctx is done, and
// with ErrShuttingDown once the queue is shut down and drained. Done must be called with the returned item when it
// has been processed.
func (q *Type) GetContext(ctx context.Context) (item interface{}, err error) {
	stop := context.AfterFunc(ctx, func() {
		q.cond.L.Lock()
		defer q.cond.L.Unlock()
		q.cond.Broadcast()
	})
	defer stop()

	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	for len(q.queue) == 0 && !q.shuttingDown && ctx.Err() == nil {
		q.cond.Wait()
	}
	if len(q.queue) == 0 {
		if q.shuttingDown {
			return nil, ErrShuttingDown
		}
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		// Leave the item for another consumer.
		q.cond.Signal()
		return nil, err
	}

	var key interface{}
	key, q.queue = q.queue[0], q.queue[1:]
	item = q.dirty[key]
	q.processing[key] = struct{}{}
	delete(q.dirty, key)

	return item, nil
}

// Done marks item as done processing, and if it has been added again while it was being processed, it will be
// re-added to the queue for re-processing.
func (q *Type) Done(item interface{}) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()

	key := getKey(item)
	delete(q.processing, key)
	if _, ok := q.dirty[key]; ok {
		q.queue = append(q.queue, key)
		q.cond.Signal()
	}
}

// ShutDown will cause q to ignore all new items added to it. As soon as the consumers have drained the existing items
// in the queue, they will be instructed to exit.
func (q *Type) ShutDown() {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	q.shuttingDown = true
	q.cond.Broadcast()
}

func (q *Type) ShuttingDown() bool {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()

	return q.shuttingDown
}

func getKey(item interface{}) interface{} {
	if identifier, ok := item.(Identifier); ok && identifier.ID() != nil {
		return identifier.ID()
	}
	return item
}
