package router

import (
	"testing"
	"time"

	"github.com/blueplane/blueplane/pkg/types"
)

func TestNotifier_PublishNoSubscribers(t *testing.T) {
	n := NewNotifier(100)
	// Should not panic and should not block
	n.Publish(Notification{
		Type:      RecordCommitted,
		SessionID: "sess-1",
		Sequence:  1,
		EventType: types.EventUserPrompt,
		Timestamp: time.Now().UnixNano(),
	})
}

func TestNotifier_SubscribeReceivesNotification(t *testing.T) {
	n := NewNotifier(100)
	sub := n.Subscribe("sub-1", nil)
	ch := sub.Ch

	done := make(chan struct{})
	go func() {
		notif := <-ch
		if notif.SessionID != "sess-1" {
			t.Errorf("expected session 'sess-1', got '%s'", notif.SessionID)
		}
		if notif.Type != RecordCommitted {
			t.Errorf("expected type RecordCommitted, got %v", notif.Type)
		}
		close(done)
	}()

	n.Publish(Notification{
		Type:      RecordCommitted,
		SessionID: "sess-1",
		Sequence:  1,
		Timestamp: time.Now().UnixNano(),
	})

	select {
	case <-done:
		// Success
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive notification within timeout")
	}
}

func TestNotifier_FilterExcludesNonMatching(t *testing.T) {
	n := NewNotifier(100)
	sub := n.Subscribe("sub-2", []string{"sess-a"})
	ch := sub.Ch

	n.Publish(Notification{
		Type:      RecordCommitted,
		SessionID: "sess-b-1",
		Sequence:  1,
		Timestamp: time.Now().UnixNano(),
	})

	select {
	case notif := <-ch:
		t.Fatalf("received unexpected notification: %v", notif)
	case <-time.After(100 * time.Millisecond):
		// Expected - notification filtered out
	}
}

func TestNotifier_FilterIncludesMatching(t *testing.T) {
	n := NewNotifier(100)
	sub := n.Subscribe("sub-3", []string{"sess-a"})
	ch := sub.Ch

	done := make(chan struct{})
	go func() {
		notif := <-ch
		if notif.SessionID != "sess-a-7" {
			t.Errorf("expected 'sess-a-7', got '%s'", notif.SessionID)
		}
		close(done)
	}()

	n.Publish(Notification{
		Type:      SessionStarted,
		SessionID: "sess-a-7",
		Timestamp: time.Now().UnixNano(),
	})

	select {
	case <-done:
		// Success
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive notification within timeout")
	}
}

func TestNotifier_FullChannelDropsNotification(t *testing.T) {
	n := NewNotifier(1) // Small buffer
	sub := n.Subscribe("sub-4", nil)
	ch := sub.Ch

	// Fill the channel
	ch <- Notification{Type: RecordCommitted, SessionID: "fill"}

	// This should not block - notification should be dropped
	done := make(chan struct{})
	go func() {
		n.Publish(Notification{
			Type:      RecordCommitted,
			SessionID: "sess-1",
			Sequence:  1,
			Timestamp: time.Now().UnixNano(),
		})
		close(done)
	}()

	select {
	case <-done:
		// Success - publish returned without blocking
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publish blocked when channel was full")
	}

	// Original notification should still be there
	select {
	case notif := <-ch:
		if notif.SessionID != "fill" {
			t.Errorf("expected 'fill', got '%s'", notif.SessionID)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("original notification was lost")
	}
}

func TestNotifier_UnsubscribeClosesChannel(t *testing.T) {
	n := NewNotifier(100)
	sub := n.Subscribe("test-sub", nil)
	ch := sub.Ch

	n.Unsubscribe("test-sub")

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("channel should be closed after unsubscribe")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("channel was not closed within timeout")
	}
}

func TestNotifier_MultipleSubscribers(t *testing.T) {
	n := NewNotifier(100)
	sub1 := n.Subscribe("sub-1", nil)
	ch1 := sub1.Ch
	sub2 := n.Subscribe("sub-2", []string{"sess-a"})
	ch2 := sub2.Ch

	// ch1 should receive both notifications (no filter)
	// ch2 should receive only the "sess-a" session

	done1 := make(chan struct{})
	go func() {
		count := 0
		for range ch1 {
			count++
			if count == 2 {
				close(done1)
				return
			}
		}
	}()

	done2 := make(chan struct{})
	go func() {
		notif := <-ch2
		if notif.SessionID != "sess-a-1" {
			t.Errorf("ch2: expected 'sess-a-1', got '%s'", notif.SessionID)
		}
		close(done2)
	}()

	// Give receivers time to start
	time.Sleep(10 * time.Millisecond)

	n.Publish(Notification{
		Type:      RecordCommitted,
		SessionID: "sess-b-1",
		Sequence:  1,
		Timestamp: time.Now().UnixNano(),
	})

	n.Publish(Notification{
		Type:      RecordCommitted,
		SessionID: "sess-a-1",
		Sequence:  2,
		Timestamp: time.Now().UnixNano(),
	})

	select {
	case <-done1:
		// Success
	case <-time.After(time.Second):
		t.Fatal("ch1 did not receive all notifications")
	}

	select {
	case <-done2:
		// Success
	case <-time.After(time.Second):
		t.Fatal("ch2 did not receive 'sess-a-1' notification")
	}
}
