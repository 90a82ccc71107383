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

package event_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/quaylabs-io/pylon/event"
)

func TestBusSingleSubscriber(t *testing.T) {
	var testEvtData int = 42
	var testEvtType event.EventType = "test.event"
	b := event.NewBus(nil, nil)
	_, subCh := b.Subscribe(testEvtType)
	b.Publish(testEvtType, event.New(testEvtType, testEvtData))
	select {
	case evt, ok := <-subCh:
		if !ok {
			t.Fatalf("event channel closed unexpectedly")
		}
		switch v := evt.Data.(type) {
		case int:
			if v != testEvtData {
				t.Fatalf("did not get expected event")
			}
		default:
			t.Fatalf("event data was not of expected type, expected int, got %T", evt.Data)
		}
	case <-time.After(1 * time.Second):
		t.Fatalf("timeout waiting for event")
	}
}

func TestBusMultipleSubscribers(t *testing.T) {
	var testEvtType event.EventType = "test.event"
	b := event.NewBus(nil, nil)
	_, sub1Ch := b.Subscribe(testEvtType)
	_, sub2Ch := b.Subscribe(testEvtType)
	b.Publish(testEvtType, event.New(testEvtType, 7))
	for _, ch := range []<-chan event.Event{sub1Ch, sub2Ch} {
		select {
		case evt, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed unexpectedly")
			}
			if evt.Data.(int) != 7 {
				t.Fatalf("did not get expected event")
			}
		case <-time.After(1 * time.Second):
			t.Fatalf("timeout waiting for event")
		}
	}
}

func TestBusUnsubscribe(t *testing.T) {
	var testEvtType event.EventType = "test.event"
	b := event.NewBus(nil, nil)
	subID, subCh := b.Subscribe(testEvtType)
	b.Unsubscribe(testEvtType, subID)
	// Channel should be closed
	select {
	case _, ok := <-subCh:
		if ok {
			t.Fatalf("received event after unsubscribe")
		}
	case <-time.After(1 * time.Second):
		t.Fatalf("timeout waiting for channel close")
	}
	// Publish after unsubscribe should be a no-op
	b.Publish(testEvtType, event.New(testEvtType, 1))
}

func TestBusSubscribeFunc(t *testing.T) {
	var testEvtType event.EventType = "test.event"
	var counter atomic.Int64
	b := event.NewBus(nil, nil)
	b.SubscribeFunc(testEvtType, func(evt event.Event) {
		counter.Add(int64(evt.Data.(int)))
	})
	b.Publish(testEvtType, event.New(testEvtType, 3))
	b.Publish(testEvtType, event.New(testEvtType, 4))
	// Stop waits for handler goroutines to drain
	b.Stop()
	if counter.Load() != 7 {
		t.Fatalf("expected handler sum 7, got %d", counter.Load())
	}
}

func TestBusStopClosesSubscribers(t *testing.T) {
	var testEvtType event.EventType = "test.event"
	b := event.NewBus(nil, nil)
	_, subCh := b.Subscribe(testEvtType)
	b.Stop()
	select {
	case _, ok := <-subCh:
		if ok {
			t.Fatalf("expected closed channel after Stop")
		}
	case <-time.After(1 * time.Second):
		t.Fatalf("timeout waiting for channel close")
	}
	// Bus remains usable after Stop
	_, subCh2 := b.Subscribe(testEvtType)
	b.Publish(testEvtType, event.New(testEvtType, 1))
	select {
	case <-subCh2:
	case <-time.After(1 * time.Second):
		t.Fatalf("timeout waiting for event after restart")
	}
	b.Stop()
}
