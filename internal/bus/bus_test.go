package bus

import (
	"testing"
	"time"
)

func recvTimeout(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicHostStatusChanged)
	defer b.Unsubscribe(sub)

	b.Publish(TopicHostStatusChanged, HostStatusChangedEvent{
		HostID:    1,
		Hostname:  "lab-host-1",
		OldStatus: "Ready",
		NewStatus: "Verifying",
	})

	ev := recvTimeout(t, sub)
	payload, ok := ev.Payload.(HostStatusChangedEvent)
	if !ok {
		t.Fatalf("payload type = %T, want HostStatusChangedEvent", ev.Payload)
	}
	if payload.NewStatus != "Verifying" {
		t.Errorf("NewStatus = %q, want Verifying", payload.NewStatus)
	}
}

func TestPrefixMatching(t *testing.T) {
	b := New()

	all := b.Subscribe("")
	hostOnly := b.Subscribe("host.")
	entryOnly := b.Subscribe("entry.")
	defer b.Unsubscribe(all)
	defer b.Unsubscribe(hostOnly)
	defer b.Unsubscribe(entryOnly)

	b.Publish(TopicHostStatusChanged, HostStatusChangedEvent{HostID: 2})

	if ev := recvTimeout(t, all); ev.Topic != TopicHostStatusChanged {
		t.Errorf("all subscriber got topic %q", ev.Topic)
	}
	if ev := recvTimeout(t, hostOnly); ev.Topic != TopicHostStatusChanged {
		t.Errorf("host subscriber got topic %q", ev.Topic)
	}

	select {
	case ev := <-entryOnly.Ch():
		t.Errorf("entry subscriber unexpectedly received %q", ev.Topic)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, open := <-sub.Ch(); open {
		t.Error("channel still open after Unsubscribe")
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount = %d, want 0", got)
	}

	// Double unsubscribe is a no-op.
	b.Unsubscribe(sub)
}

func TestSlowConsumerDropsEvents(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	// Overflow the buffer; Publish must not block.
	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicEntryStatusChanged, EntryStatusChangedEvent{EntryID: int64(i)})
	}

	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			if count != defaultBufferSize {
				t.Errorf("received %d events, want %d", count, defaultBufferSize)
			}
			return
		}
	}
}
