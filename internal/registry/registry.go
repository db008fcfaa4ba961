// Package registry tracks timeline push subscribers. Persistence of
// subscriptions belongs to an external store; the core only acknowledges
// lifecycle events through the ConnectionRegistry interface.
package registry

import (
	"context"
	"log"
)

// ConnectionRegistry records connection lifecycle events for push-style
// timeline subscribers.
type ConnectionRegistry interface {
	Connect(ctx context.Context, connectionID string) error
	Disconnect(ctx context.Context, connectionID string) error
	Subscribe(ctx context.Context, connectionID string, preferences map[string]any) error
}

// Noop acknowledges lifecycle events without persisting anything.
type Noop struct {
	Logger *log.Logger
}

// NewNoop builds the acknowledging registry.
func NewNoop(logger *log.Logger) *Noop {
	if logger == nil {
		logger = log.New(log.Writer(), "[TIMELINE] ", log.LstdFlags)
	}
	return &Noop{Logger: logger}
}

func (n *Noop) Connect(_ context.Context, connectionID string) error {
	n.Logger.Printf("new connection: %s", connectionID)
	return nil
}

func (n *Noop) Disconnect(_ context.Context, connectionID string) error {
	n.Logger.Printf("disconnection: %s", connectionID)
	return nil
}

func (n *Noop) Subscribe(_ context.Context, connectionID string, _ map[string]any) error {
	n.Logger.Printf("subscribe request from %s", connectionID)
	return nil
}
