// Copyright 2026 Quay Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package event provides the in-process event bus used for governance
// observability notifications.
package event

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const EventQueueSize = 20

type EventType string

type SubscriberID int

type HandlerFunc func(Event)

type Event struct {
	Timestamp time.Time
	Data      any
	Type      EventType
}

func New(eventType EventType, eventData any) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      eventData,
	}
}

type subscriber struct {
	ch     chan Event
	closed bool
}

// Bus delivers governance events to channel subscribers. Delivery blocks on
// a full subscriber channel, so slow consumers backpressure publishers.
type Bus struct {
	subscribers map[EventType]map[SubscriberID]*subscriber
	lastSubID   SubscriberID
	logger      *slog.Logger
	handlerWg   sync.WaitGroup
	mu          sync.Mutex
	metrics     struct {
		eventsTotal *prometheus.CounterVec
		subscribers *prometheus.GaugeVec
	}
}

func NewBus(promRegistry prometheus.Registerer, logger *slog.Logger) *Bus {
	b := &Bus{
		subscribers: make(map[EventType]map[SubscriberID]*subscriber),
		logger:      logger,
	}
	if promRegistry != nil {
		promautoFactory := promauto.With(promRegistry)
		b.metrics.eventsTotal = promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pylon_events_total",
				Help: "total events published by type",
			},
			[]string{"type"},
		)
		b.metrics.subscribers = promautoFactory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pylon_event_subscribers",
				Help: "current event subscribers by type",
			},
			[]string{"type"},
		)
	}
	return b
}

// Subscribe allows a consumer to receive events of a particular type via a channel
func (b *Bus) Subscribe(eventType EventType) (SubscriberID, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &subscriber{
		ch: make(chan Event, EventQueueSize),
	}
	b.lastSubID++
	subID := b.lastSubID
	if _, ok := b.subscribers[eventType]; !ok {
		b.subscribers[eventType] = make(map[SubscriberID]*subscriber)
	}
	b.subscribers[eventType][subID] = sub
	if b.metrics.subscribers != nil {
		b.metrics.subscribers.WithLabelValues(string(eventType)).Inc()
	}
	return subID, sub.ch
}

// SubscribeFunc allows a consumer to receive events of a particular type via a callback function
func (b *Bus) SubscribeFunc(
	eventType EventType,
	handlerFunc HandlerFunc,
) SubscriberID {
	subID, evtCh := b.Subscribe(eventType)
	b.handlerWg.Add(1)
	go func() {
		defer b.handlerWg.Done()
		for evt := range evtCh {
			handlerFunc(evt)
		}
	}()
	return subID
}

// Unsubscribe stops delivery of events for a particular type for an existing subscriber
func (b *Bus) Unsubscribe(eventType EventType, subID SubscriberID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeSubscriber(eventType, subID)
}

// removeSubscriber must be called with the bus lock held
func (b *Bus) removeSubscriber(eventType EventType, subID SubscriberID) {
	typeSubs, ok := b.subscribers[eventType]
	if !ok {
		return
	}
	sub, ok := typeSubs[subID]
	if !ok {
		return
	}
	delete(typeSubs, subID)
	if len(typeSubs) == 0 {
		delete(b.subscribers, eventType)
	}
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	if b.metrics.subscribers != nil {
		b.metrics.subscribers.WithLabelValues(string(eventType)).Dec()
	}
}

// Publish sends an event of a particular type to all subscribers
func (b *Bus) Publish(eventType EventType, evt Event) {
	// Gather subscriber channels inside the lock, send outside it so a slow
	// consumer cannot block Subscribe/Unsubscribe
	b.mu.Lock()
	chans := make([]chan Event, 0, len(b.subscribers[eventType]))
	for _, sub := range b.subscribers[eventType] {
		if !sub.closed {
			chans = append(chans, sub.ch)
		}
	}
	b.mu.Unlock()
	for _, ch := range chans {
		func() {
			// A subscriber may have been closed between the snapshot above
			// and the send; treat a send on a closed channel as a dropped
			// delivery rather than a fault
			defer func() {
				if r := recover(); r != nil && b.logger != nil {
					b.logger.Debug(
						"event delivery to closed subscriber",
						"type", eventType,
					)
				}
			}()
			ch <- evt
		}()
	}
	if b.metrics.eventsTotal != nil {
		b.metrics.eventsTotal.WithLabelValues(string(eventType)).Inc()
	}
}

// Stop closes all subscriber channels and waits for SubscribeFunc handlers
// to drain. The bus can be reused afterwards.
func (b *Bus) Stop() {
	b.mu.Lock()
	for eventType, typeSubs := range b.subscribers {
		for subID := range typeSubs {
			b.removeSubscriber(eventType, subID)
		}
	}
	b.mu.Unlock()
	b.handlerWg.Wait()
}
