package streaming

import "testing"

func TestPublish_DropsOnFullQueueWithoutBlocking(t *testing.T) {
	b := New(2, defaultTenantCap)
	sub, err := b.Subscribe("T1", Filter{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := 0; i < 5; i++ {
		b.Publish(Event{TenantID: "T1", DeviceID: "D1", MetricName: "temp_c"})
	}

	got := 0
	for {
		select {
		case <-sub.Events():
			got++
		default:
			if got != 2 {
				t.Fatalf("expected queue to cap at 2 buffered events, got %d", got)
			}
			return
		}
	}
}

func TestSubscribe_RejectsOverTenantCap(t *testing.T) {
	b := New(defaultQueueSize, 1)
	if _, err := b.Subscribe("T1", Filter{}); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	if _, err := b.Subscribe("T1", Filter{}); err == nil {
		t.Fatal("expected second subscribe to be rejected at tenant cap")
	}
}

func TestFilter_DeviceIDsRestrictsDelivery(t *testing.T) {
	b := New(defaultQueueSize, defaultTenantCap)
	sub, _ := b.Subscribe("T1", Filter{DeviceIDs: []string{"D1"}})

	b.Publish(Event{TenantID: "T1", DeviceID: "D2", MetricName: "temp_c"})
	b.Publish(Event{TenantID: "T1", DeviceID: "D1", MetricName: "temp_c"})

	select {
	case e := <-sub.Events():
		if e.DeviceID != "D1" {
			t.Fatalf("expected only D1 event delivered, got %q", e.DeviceID)
		}
	default:
		t.Fatal("expected one event to be delivered")
	}

	select {
	case e := <-sub.Events():
		t.Fatalf("unexpected second event: %+v", e)
	default:
	}
}

func TestUnsubscribe_FreesCapacity(t *testing.T) {
	b := New(defaultQueueSize, 1)
	sub, err := b.Subscribe("T1", Filter{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	b.Unsubscribe(sub)

	if _, err := b.Subscribe("T1", Filter{}); err != nil {
		t.Fatalf("expected capacity freed after unsubscribe, got %v", err)
	}
}
