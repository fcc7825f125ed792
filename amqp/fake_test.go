// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package amqp

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type fakeMessage struct {
	publishing amqp.Publishing
	visibleAt  time.Time
}

// fakeChannel is an in-memory broker with a delayed message exchange.
type fakeChannel struct {
	mu sync.Mutex

	now       time.Time
	closed    bool
	qos       int
	exchanges map[string]amqp.Table        // exchange name -> arguments
	kinds     map[string]string            // exchange name -> kind
	bindings  map[string]string            // exchange + "/" + key -> queue
	queues    map[string][]fakeMessage     // ready and delayed messages
	unacked   map[uint64]fakeMessage       // delivered, not acknowledged
	published []amqp.Publishing
	acks      []uint64
	nextTag   uint64
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		now:       time.Unix(1700000000, 0),
		exchanges: make(map[string]amqp.Table),
		kinds:     make(map[string]string),
		bindings:  make(map[string]string),
		queues:    make(map[string][]fakeMessage),
		unacked:   make(map[uint64]fakeMessage),
	}
}

func (ch *fakeChannel) Channel(ctx context.Context) (Channel, error) {
	return ch, nil
}

func (ch *fakeChannel) Now() time.Time {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.now
}

func (ch *fakeChannel) Advance(d time.Duration) {
	ch.mu.Lock()
	ch.now = ch.now.Add(d)
	ch.mu.Unlock()
}

func (ch *fakeChannel) Close() {
	ch.mu.Lock()
	ch.closed = true
	ch.mu.Unlock()
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if k, found := ch.kinds[name]; found && k != kind {
		return fmt.Errorf("exchange %s redeclared with kind %s", name, kind)
	}
	ch.kinds[name] = kind
	ch.exchanges[name] = args
	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if _, found := ch.queues[name]; !found {
		ch.queues[name] = nil
	}
	return amqp.Queue{Name: name, Messages: ch.ready(name)}, nil
}

func (ch *fakeChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if _, found := ch.queues[name]; !found {
		return amqp.Queue{}, &amqp.Error{Code: amqp.NotFound, Reason: "no queue " + name}
	}
	return amqp.Queue{Name: name, Messages: ch.ready(name)}, nil
}

func (ch *fakeChannel) ready(queue string) int {
	n := 0
	for _, m := range ch.queues[queue] {
		if !m.visibleAt.After(ch.now) {
			n++
		}
	}
	return n
}

func (ch *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if _, found := ch.kinds[exchange]; !found {
		return fmt.Errorf("no exchange %s", exchange)
	}
	ch.bindings[exchange+"/"+key] = name
	return nil
}

func (ch *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.qos = prefetchCount
	return nil
}

func (ch *fakeChannel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.Delivery{}, false, amqp.ErrClosed
	}
	list := ch.queues[queue]
	for i, m := range list {
		if m.visibleAt.After(ch.now) {
			continue
		}
		ch.queues[queue] = append(list[:i:i], list[i+1:]...)
		ch.nextTag++
		if !autoAck {
			ch.unacked[ch.nextTag] = m
		}
		return amqp.Delivery{
			DeliveryTag: ch.nextTag,
			Headers:     m.publishing.Headers,
			MessageId:   m.publishing.MessageId,
			Body:        m.publishing.Body,
		}, true, nil
	}
	return amqp.Delivery{}, false, nil
}

func (ch *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	queue, found := ch.bindings[exchange+"/"+key]
	if !found {
		return fmt.Errorf("no binding for %s/%s", exchange, key)
	}
	visibleAt := ch.now
	if v, ok := msg.Headers["x-delay"].(int64); ok {
		visibleAt = visibleAt.Add(time.Duration(v) * time.Millisecond)
	}
	ch.published = append(ch.published, msg)
	ch.queues[queue] = append(ch.queues[queue], fakeMessage{publishing: msg, visibleAt: visibleAt})
	return nil
}

func (ch *fakeChannel) Ack(tag uint64, multiple bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if _, found := ch.unacked[tag]; !found {
		return fmt.Errorf("unknown delivery tag %d", tag)
	}
	delete(ch.unacked, tag)
	ch.acks = append(ch.acks, tag)
	return nil
}

func (ch *fakeChannel) Acks() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.acks)
}

func (ch *fakeChannel) LastPublished() amqp.Publishing {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.published[len(ch.published)-1]
}
