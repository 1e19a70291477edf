package notifications

import (
	"context"
	"testing"
)

func TestInMemoryNotifier(t *testing.T) {
	n := NewInMemoryNotifier()

	var seen []NotificationType
	n.OnNotification(func(x Notification) { seen = append(seen, x.Type) })

	ctx := context.Background()
	_ = n.Send(ctx, Notification{Type: NotificationProviderDown, Message: "down"})
	_ = n.Send(ctx, Notification{Type: NotificationProviderUp, Message: "up"})

	got := n.GetNotifications()
	if len(got) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(got))
	}
	if got[0].Type != NotificationProviderDown || got[1].Type != NotificationProviderUp {
		t.Errorf("unexpected order: %v", got)
	}
	if len(seen) != 2 {
		t.Errorf("expected handler to run twice, got %d", len(seen))
	}
}
