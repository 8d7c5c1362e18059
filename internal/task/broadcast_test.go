package task

import "testing"

func TestRedisBridgeWithNilClientIsPassthrough(t *testing.T) {
	sink := &recordingSink{}
	bridged := NewRedisBridge(sink, nil, nil)

	if bridged != Sink(sink) {
		t.Fatalf("expected NewRedisBridge with nil client to return inner sink unchanged")
	}

	bridged.Publish(Event{Type: EventQueued, TaskID: "t1"})
	if len(sink.forTask("t1")) != 1 {
		t.Fatalf("expected the passthrough sink to record the event")
	}
}
