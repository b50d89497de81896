// Package workqueue is a bounded FIFO work queue derived from the k8s client-go workqueue.
//
// Changes made relative to upstream:
// - Added MaxSize; Add reports whether the item was accepted.
// - Added the Identifier interface, so that items can deviate from their key.
// - Added GetContext, a Get that gives up when its context is done.
// - Dropped the rate-limited and delaying queues.
//
// upstream source: https://github.com/kubernetes/client-go/tree/master/util/workqueue
package workqueue
