package registry

import (
	"context"
	"io"
	"log"
	"testing"
)

func TestNoopAcknowledges(t *testing.T) {
	reg := NewNoop(log.New(io.Discard, "", 0))
	ctx := context.Background()

	if err := reg.Connect(ctx, "conn-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := reg.Subscribe(ctx, "conn-1", map[string]any{"entity_types": []string{"memory"}}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := reg.Disconnect(ctx, "conn-1"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
}
