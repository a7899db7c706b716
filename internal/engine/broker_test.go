package engine_test

import (
	"testing"

	"github.com/sluiceio/sluice/internal/engine"
	"github.com/sluiceio/sluice/internal/model"
)

func snap(status string) *model.Task {
	return &model.Task{ID: "t1", Status: status}
}

func TestBrokerSingleSubscriber(t *testing.T) {
	b := engine.NewBroker()
	ch, unsub := b.Subscribe("t1")
	defer unsub()

	statuses := []string{model.StatusSubmitted, model.StatusRunning, model.StatusCompleted}
	for _, s := range statuses {
		b.Publish("t1", snap(s))
	}
	b.Close("t1")

	var got []string
	for task := range ch {
		got = append(got, task.Status)
	}

	if len(got) != len(statuses) {
		t.Fatalf("got %d snapshots, want %d", len(got), len(statuses))
	}
	for i, s := range got {
		if s != statuses[i] {
			t.Errorf("snapshot[%d] = %q, want %q", i, s, statuses[i])
		}
	}
}

func TestBrokerMultipleSubscribers(t *testing.T) {
	b := engine.NewBroker()
	ch1, unsub1 := b.Subscribe("t1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("t1")
	defer unsub2()

	b.Publish("t1", snap(model.StatusRunning))
	b.Close("t1")

	var got1, got2 []string
	for task := range ch1 {
		got1 = append(got1, task.Status)
	}
	for task := range ch2 {
		got2 = append(got2, task.Status)
	}

	if len(got1) != 1 || got1[0] != model.StatusRunning {
		t.Errorf("subscriber 1 got %v, want [running]", got1)
	}
	if len(got2) != 1 || got2[0] != model.StatusRunning {
		t.Errorf("subscriber 2 got %v, want [running]", got2)
	}
}

func TestBrokerCloseClosesChannels(t *testing.T) {
	b := engine.NewBroker()
	ch, unsub := b.Subscribe("t1")
	defer unsub()

	b.Close("t1")

	_, ok := <-ch
	if ok {
		t.Error("channel should be closed after Close()")
	}
}

func TestBrokerLateSubscriberGetsClosed(t *testing.T) {
	b := engine.NewBroker()
	b.Publish("t1", snap(model.StatusRunning))
	b.Close("t1")

	ch, unsub := b.Subscribe("t1")
	defer unsub()

	_, ok := <-ch
	if ok {
		t.Error("late subscriber should get a closed channel")
	}
}

func TestBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := engine.NewBroker()
	ch, unsub := b.Subscribe("t1")
	unsub()

	b.Publish("t1", snap(model.StatusRunning))
	b.Close("t1")

	select {
	case task, ok := <-ch:
		if ok {
			t.Errorf("got unexpected snapshot %q after unsubscribe", task.Status)
		}
	default:
		// No data is the expected outcome.
	}
}

func TestBrokerPublishToUnknownTaskIsNoop(t *testing.T) {
	b := engine.NewBroker()
	// Should not panic.
	b.Publish("nonexistent", snap(model.StatusRunning))
	b.Close("nonexistent")
}

func TestBrokerLateSubscriberMissesEarlierSnapshots(t *testing.T) {
	b := engine.NewBroker()
	ch1, unsub1 := b.Subscribe("t1")
	defer unsub1()

	b.Publish("t1", snap(model.StatusSubmitted))

	ch2, unsub2 := b.Subscribe("t1")
	defer unsub2()

	b.Publish("t1", snap(model.StatusRunning))
	b.Close("t1")

	var got1, got2 []string
	for task := range ch1 {
		got1 = append(got1, task.Status)
	}
	for task := range ch2 {
		got2 = append(got2, task.Status)
	}

	if len(got1) != 2 {
		t.Errorf("subscriber 1 got %d snapshots, want 2", len(got1))
	}
	if len(got2) != 1 || got2[0] != model.StatusRunning {
		t.Errorf("subscriber 2 got %v, want [running]", got2)
	}
}
