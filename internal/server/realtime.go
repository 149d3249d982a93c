package server

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/questsync/internal/fanout"
	"github.com/MarcoPoloResearchLab/questsync/internal/graph"
)

const (
	RealtimeEventRowsChanged    = "rows-changed"
	RealtimeEventClosureFlagged = "closure-flagged"
	realtimeEventHeartbeat      = "heartbeat"
	realtimeSourceRemote        = "questsync-remote"
)

// RealtimeMessage tells the devices of one profile that remote rows changed.
type RealtimeMessage struct {
	ProfileID string
	EventType string
	Table     string
	RowIDs    []string
	Root      *graph.Ref
	Timestamp time.Time
}

// RealtimeDispatcher routes messages to the event streams of their profile.
type RealtimeDispatcher struct {
	fanout *fanout.Dispatcher[string, RealtimeMessage]
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{fanout: fanout.New[string, RealtimeMessage](0)}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, profileID string) (<-chan RealtimeMessage, func()) {
	return d.fanout.Subscribe(ctx, profileID)
}

// Publish delivers message to the subscribers of its profile. Slow subscribers miss it.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.ProfileID == "" || message.EventType == "" {
		return
	}
	d.fanout.Publish(message.ProfileID, message)
}
