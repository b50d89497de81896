// Package pubsub is a simple, label-based, thread-safe PubSub implementation.
package pubsub

import (
	"io"
	"sync"
	"time"

	"github.com/fission/fission-runtime-client/pkg/util/labels"
	"github.com/pkg/errors"
)

const (
	defaultSubscriptionBuffer = 10
)

var ErrPublisherClosed = errors.New("pubsub: publisher closed")

type Msg interface {
	Labels() labels.Labels
	CreatedAt() time.Time
}

type Publisher interface {
	io.Closer
	Subscribe(opts ...SubscriptionOptions) *Subscription
	Unsubscribe(sub *Subscription) error
	Publish(msg Msg) error
}

type SubscriptionOptions struct {
	Buf           int
	LabelSelector labels.Selector
}

type Subscription struct {
	SubscriptionOptions
	Ch chan Msg
}

type GenericMsg struct {
	labels    labels.Labels
	createdAt time.Time
	payload   interface{}
}

func NewGenericMsg(lbls labels.Labels, createdAt time.Time, payload interface{}) *GenericMsg {
	return &GenericMsg{
		labels:    lbls,
		createdAt: createdAt,
		payload:   payload,
	}
}

func (gm *GenericMsg) Labels() labels.Labels {
	return gm.labels
}

func (gm *GenericMsg) CreatedAt() time.Time {
	return gm.createdAt
}

func (gm *GenericMsg) Payload() interface{} {
	return gm.payload
}

func NewPublisher() *DefaultPublisher {
	return &DefaultPublisher{}
}

type DefaultPublisher struct {
	subs   []*Subscription
	closed bool
	lock   sync.Mutex
}

// Unsubscribe removes sub and closes its channel. Unsubscribing twice is a no-op.
func (pu *DefaultPublisher) Unsubscribe(sub *Subscription) error {
	pu.lock.Lock()
	defer pu.lock.Unlock()
	pu.unsubscribe(sub)
	return nil
}

func (pu *DefaultPublisher) unsubscribe(sub *Subscription) {
	for i, s := range pu.subs {
		if s == sub {
			pu.subs = append(pu.subs[:i], pu.subs[i+1:]...)
			close(sub.Ch)
			return
		}
	}
}

// Subscribe registers a subscription. Subscribing to a closed publisher returns a subscription with a closed channel.
func (pu *DefaultPublisher) Subscribe(opts ...SubscriptionOptions) *Subscription {
	pu.lock.Lock()
	defer pu.lock.Unlock()
	var subOpts SubscriptionOptions
	if len(opts) > 0 {
		subOpts = opts[0]
	}

	if subOpts.Buf <= 0 {
		subOpts.Buf = defaultSubscriptionBuffer
	}

	sub := &Subscription{
		Ch:                  make(chan Msg, subOpts.Buf),
		SubscriptionOptions: subOpts,
	}
	if pu.closed {
		close(sub.Ch)
		return sub
	}

	pu.subs = append(pu.subs, sub)
	return sub
}

// Publish delivers msg to every matching subscription. Messages are dropped for subscribers with a full buffer.
func (pu *DefaultPublisher) Publish(msg Msg) error {
	pu.lock.Lock()
	defer pu.lock.Unlock()
	if pu.closed {
		return ErrPublisherClosed
	}
	for _, sub := range pu.subs {
		if sub.LabelSelector != nil && !sub.LabelSelector.Matches(msg.Labels()) {
			continue
		}
		select {
		case sub.Ch <- msg:
		default:
		}
	}
	return nil
}

func (pu *DefaultPublisher) Close() error {
	pu.lock.Lock()
	defer pu.lock.Unlock()
	pu.closed = true
	for len(pu.subs) > 0 {
		pu.unsubscribe(pu.subs[0])
	}
	return nil
}
