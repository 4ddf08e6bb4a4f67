package service

import (
	"context"

	"github.com/timmy/jobpulse/internal/domain"
)

// Broadcaster fans job events out to live observers.
// SubscriptionRegistry is the in-process implementation; realtime.RedisBroadcaster
// relays through Redis so observers on other instances see the same events.
type Broadcaster interface {
	Broadcast(ctx context.Context, jobID string, ev domain.JobEvent)
	CloseAll(ctx context.Context, jobID string)
}

// TerminalNotifier is told about every job that reaches COMPLETED or FAILED.
// Implementations must not block the caller.
type TerminalNotifier interface {
	NotifyTerminal(ctx context.Context, ev domain.JobEvent)
}

// NopBroadcaster drops every event. Used by one-shot tools that have no observers.
type NopBroadcaster struct{}

func (NopBroadcaster) Broadcast(context.Context, string, domain.JobEvent) {}

func (NopBroadcaster) CloseAll(context.Context, string) {}
