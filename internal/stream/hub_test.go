package stream

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func recv(t *testing.T, ch <-chan int) int {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed")
		}
		return v
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for value")
	}
	return 0
}

func TestHub_TopicAndWildcard(t *testing.T) {
	hub := NewHub[int]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.Start(ctx)
	defer hub.Stop()

	g1 := hub.Subscribe("g1")
	all := hub.Subscribe(AllTopics)

	hub.Publish("g1", 1)
	hub.Publish("g2", 2)

	if v := recv(t, g1); v != 1 {
		t.Fatalf("g1 got %d, want 1", v)
	}
	if v := recv(t, all); v != 1 {
		t.Fatalf("wildcard got %d, want 1", v)
	}
	if v := recv(t, all); v != 2 {
		t.Fatalf("wildcard got %d, want 2", v)
	}
	select {
	case v := <-g1:
		t.Fatalf("g1 received foreign topic value %d", v)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHub_SlowSubscriberDrops(t *testing.T) {
	hub := NewHubWithConfig[int](HubConfig{BufferSize: 100, SubscriberBufferSize: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.Start(ctx)
	defer hub.Stop()

	slow := hub.Subscribe("g1")
	for i := 0; i < 10; i++ {
		hub.Publish("g1", i)
	}

	deadline := time.Now().Add(time.Second)
	for m := hub.Metrics(); m.Broadcast+m.Dropped < 10 && time.Now().Before(deadline); m = hub.Metrics() {
		time.Sleep(time.Millisecond)
	}
	m := hub.Metrics()
	if m.Broadcast != 1 || m.Dropped != 9 {
		t.Fatalf("metrics = %+v, want 1 delivered and 9 dropped", m)
	}
	if v := recv(t, slow); v != 0 {
		t.Fatalf("slow subscriber got %d, want first value", v)
	}
}

func TestHub_NextAndStop(t *testing.T) {
	hub := NewHub[string]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.Start(ctx)

	go func() {
		for hub.SubscriberCount("g1") == 0 {
			time.Sleep(time.Millisecond)
		}
		hub.Publish("g1", "snapshot")
	}()

	v, ok := hub.Next(ctx, "g1", time.Second)
	if !ok || v != "snapshot" {
		t.Fatalf("Next() = %q, %v", v, ok)
	}
	if hub.SubscriberCount("g1") != 0 {
		t.Fatalf("Next left a subscriber behind")
	}

	if _, ok := hub.Next(ctx, "g1", 10*time.Millisecond); ok {
		t.Fatalf("Next() without publish returned a value")
	}

	ch := hub.Subscribe("g2")
	hub.Stop()
	if _, ok := <-ch; ok {
		t.Fatalf("subscriber channel open after Stop")
	}
	if _, ok := <-hub.Subscribe("g3"); ok {
		t.Fatalf("Subscribe after Stop returned an open channel")
	}
}

// Property: every subscriber of a topic receives every value published on it,
// in order, when its buffer is large enough.
func TestProperty_FastSubscribersReceiveAll(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	parameters.Rng.Seed(time.Now().UnixNano())
	properties := gopter.NewProperties(parameters)

	properties.Property("fast subscribers receive all values in order", prop.ForAll(
		func(subscribers, values int) bool {
			hub := NewHubWithConfig[int](HubConfig{BufferSize: 100, SubscriberBufferSize: 100})
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			hub.Start(ctx)
			defer hub.Stop()

			chans := make([]<-chan int, subscribers)
			for i := range chans {
				chans[i] = hub.Subscribe("g")
			}
			for v := 0; v < values; v++ {
				hub.Publish("g", v)
			}
			for _, ch := range chans {
				for want := 0; want < values; want++ {
					select {
					case got := <-ch:
						if got != want {
							return false
						}
					case <-time.After(time.Second):
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(1, 5),
		gen.IntRange(1, 50),
	))

	properties.TestingRun(t)
}
