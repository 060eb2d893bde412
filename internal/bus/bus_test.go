package bus

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/conductor/pkg/models"
)

func setupBus(t *testing.T, capacity int) *Bus {
	t.Helper()
	b := New(capacity, zap.NewNop())
	b.Start()
	t.Cleanup(b.Stop)
	return b
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPublishDelivers(t *testing.T) {
	b := setupBus(t, 10)

	var xFirst, xSecond, y atomic.Int32
	b.Subscribe("x", func(models.Event) { xFirst.Add(1) })
	b.Subscribe("x", func(models.Event) { xSecond.Add(1) })
	b.Subscribe("y", func(models.Event) { y.Add(1) })

	if err := b.Publish(models.Event{Type: "x"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor(t, func() bool { return xFirst.Load() == 1 && xSecond.Load() == 1 })
	if y.Load() != 0 {
		t.Errorf("y subscriber invoked %d times, want 0", y.Load())
	}
}

func TestDeliveryOrderIsFIFO(t *testing.T) {
	b := setupBus(t, 10)

	var mu sync.Mutex
	var got []string
	b.Subscribe("seq", func(e models.Event) {
		mu.Lock()
		got = append(got, e.Data.(string))
		mu.Unlock()
	})

	// High priority does not jump the queue.
	b.Publish(models.Event{Type: "seq", Data: "first", Priority: models.EventPriorityLow})
	b.Publish(models.Event{Type: "seq", Data: "second", Priority: models.EventPriorityCritical})
	b.Publish(models.Event{Type: "seq", Data: "third", Priority: models.EventPriorityNormal})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "second", "third"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delivery[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	b := setupBus(t, 10)

	var count atomic.Int32
	cb := func(models.Event) { count.Add(1) }
	b.Subscribe("x", cb)
	b.Subscribe("x", cb)

	if got := b.SubscriberCount("x"); got != 1 {
		t.Errorf("SubscriberCount = %d, want 1", got)
	}

	b.Publish(models.Event{Type: "x"})
	waitFor(t, func() bool { return count.Load() == 1 })

	// Give the consumer a beat to prove no second delivery arrives.
	time.Sleep(20 * time.Millisecond)
	if count.Load() != 1 {
		t.Errorf("callback invoked %d times, want 1", count.Load())
	}
}

func TestUnsubscribe(t *testing.T) {
	b := setupBus(t, 10)

	var count atomic.Int32
	cb := func(models.Event) { count.Add(1) }
	b.Subscribe("x", cb)
	b.Unsubscribe("x", cb)

	if got := b.SubscriberCount("x"); got != 0 {
		t.Errorf("SubscriberCount = %d, want 0", got)
	}

	// Unsubscribing an unknown callback is a no-op.
	b.Unsubscribe("x", func(models.Event) {})
	b.Unsubscribe("never-seen", cb)

	b.Publish(models.Event{Type: "x"})
	time.Sleep(20 * time.Millisecond)
	if count.Load() != 0 {
		t.Errorf("unsubscribed callback invoked %d times", count.Load())
	}
}

func TestPublishAssignsIDAndTimestamp(t *testing.T) {
	b := setupBus(t, 10)

	received := make(chan models.Event, 1)
	b.Subscribe("x", func(e models.Event) { received <- e })

	if err := b.Publish(models.Event{Type: "x"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case e := <-received:
		if e.ID == "" {
			t.Error("event ID not assigned")
		}
		if e.Timestamp.IsZero() {
			t.Error("event timestamp not assigned")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishQueueFull(t *testing.T) {
	// Not started, so nothing drains the queue.
	b := New(2, zap.NewNop())

	if err := b.Publish(models.Event{Type: "x"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := b.Publish(models.Event{Type: "x"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := b.Publish(models.Event{Type: "x"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Publish over capacity = %v, want ErrQueueFull", err)
	}
	if got := b.QueueDepth(); got != 2 {
		t.Errorf("QueueDepth = %d, want 2", got)
	}
}

func TestClear(t *testing.T) {
	b := New(10, zap.NewNop())

	var count atomic.Int32
	b.Subscribe("x", func(models.Event) { count.Add(1) })

	b.Publish(models.Event{Type: "x"})
	b.Publish(models.Event{Type: "x"})

	if cleared := b.Clear(); cleared != 2 {
		t.Errorf("Clear = %d, want 2", cleared)
	}
	if got := b.QueueDepth(); got != 0 {
		t.Errorf("QueueDepth after Clear = %d, want 0", got)
	}

	b.Start()
	defer b.Stop()
	time.Sleep(20 * time.Millisecond)
	if count.Load() != 0 {
		t.Errorf("cleared events were delivered %d times", count.Load())
	}
}

func TestPanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	b := setupBus(t, 10)

	var survived atomic.Int32
	b.Subscribe("x", func(models.Event) { panic("bad subscriber") })
	b.Subscribe("x", func(models.Event) { survived.Add(1) })

	b.Publish(models.Event{Type: "x"})
	b.Publish(models.Event{Type: "x"})

	waitFor(t, func() bool { return survived.Load() == 2 })
}

func TestConcurrentPublish(t *testing.T) {
	b := setupBus(t, 200)

	var count atomic.Int32
	b.Subscribe("x", func(models.Event) { count.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if err := b.Publish(models.Event{Type: "x"}); err != nil {
					t.Errorf("Publish failed: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	waitFor(t, func() bool { return count.Load() == 100 })
}
