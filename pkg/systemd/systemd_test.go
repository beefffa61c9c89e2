package systemd

import (
	"context"
	"testing"
)

func TestNoopWithoutSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	if err := Ready(); err != nil {
		t.Fatalf("ready: %v", err)
	}
	if err := Status("ok"); err != nil {
		t.Fatalf("status: %v", err)
	}
	if err := Stopping(); err != nil {
		t.Fatalf("stopping: %v", err)
	}
	// watchdog disabled: returns without blocking
	if err := Watchdog(context.Background(), nil); err != nil {
		t.Fatalf("watchdog: %v", err)
	}
}
