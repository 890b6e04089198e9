// ABOUTME: Event kinds emitted by connections and re-emitted by the manager.
// ABOUTME: Permission events carry a single-use resolver.

package agent

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/2389/coven-acp/internal/acp"
	"github.com/2389/coven-acp/internal/events"
)

// SessionUpdateEvent forwards a session/update notification verbatim.
type SessionUpdateEvent struct {
	ConnectionID string
	SessionID    string
	Update       json.RawMessage
}

// ConfirmEvent is a generic "operation needs confirmation" notice. Nothing
// in the orchestration core emits it; hosts may publish it on a
// connection's bus and the manager forwards it like the other kinds.
type ConfirmEvent struct {
	ConnectionID string
	SessionID    string
	Kind         string
	Payload      json.RawMessage
}

// PermissionEvent asks the host to decide on a tool call. Exactly one
// Resolve call takes effect.
type PermissionEvent struct {
	ConnectionID string
	SessionID    string
	ToolCall     acp.ToolCall
	Options      []acp.PermissionOption

	once    sync.Once
	outcome chan acp.RequestPermissionOutcome
}

// NewPermissionEvent builds an unresolved event for req.
func NewPermissionEvent(connectionID string, req *acp.RequestPermissionRequest) *PermissionEvent {
	return &PermissionEvent{
		ConnectionID: connectionID,
		SessionID:    req.SessionID,
		ToolCall:     req.ToolCall,
		Options:      req.Options,
		outcome:      make(chan acp.RequestPermissionOutcome, 1),
	}
}

// Resolve delivers the outcome. It returns false if the event was already
// resolved, in which case o is discarded.
func (e *PermissionEvent) Resolve(o acp.RequestPermissionOutcome) bool {
	won := false
	e.once.Do(func() {
		e.outcome <- o
		won = true
	})
	return won
}

// Outcome yields the resolved outcome once.
func (e *PermissionEvent) Outcome() <-chan acp.RequestPermissionOutcome {
	return e.outcome
}

// Bus groups the four event topics. Subscribers run on the publishing
// goroutine and must not call lifecycle methods of the publishing
// connection synchronously.
type Bus struct {
	Status         *events.Topic[StatusInfo]
	SessionUpdates *events.Topic[SessionUpdateEvent]
	Permissions    *events.Topic[*PermissionEvent]
	Confirms       *events.Topic[ConfirmEvent]
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		Status:         events.NewTopic[StatusInfo]("status", logger),
		SessionUpdates: events.NewTopic[SessionUpdateEvent]("session_update", logger),
		Permissions:    events.NewTopic[*PermissionEvent]("permission", logger),
		Confirms:       events.NewTopic[ConfirmEvent]("confirm", logger),
	}
}
