// ABOUTME: Permission arbiter applying the approval policy to agent requests.
// ABOUTME: Tracks escalated requests until the UI or a fallback resolves them.

package permission

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-acp/internal/acp"
	"github.com/2389/coven-acp/internal/agent"
	"github.com/2389/coven-acp/internal/dedupe"
	"github.com/2389/coven-acp/internal/store"
)

// DefaultRaceWindow is how long resolved request ids are remembered.
const DefaultRaceWindow = 10 * time.Minute

// Prompt is what the UI receives for an escalated request.
type Prompt struct {
	RequestID    string                 `json:"requestId"`
	ConnectionID string                 `json:"connectionId"`
	SessionID    string                 `json:"sessionId"`
	ToolCall     acp.ToolCall           `json:"toolCall"`
	Options      []acp.PermissionOption `json:"options"`
	CreatedAt    time.Time              `json:"createdAt"`
}

// Prompter is the UI surface for escalated requests. PermissionNeeded must
// not block on the user; the answer comes back through Arbiter.Resolve.
type Prompter interface {
	Reachable() bool
	PermissionNeeded(p Prompt) error
}

// Withdrawer is implemented by prompters that want to hear about requests
// settled without them.
type Withdrawer interface {
	PermissionWithdrawn(requestID string)
}

// Options configures an Arbiter.
type Options struct {
	Policy   Policy
	Prompter Prompter
	// Decisions, when set, receives one record per resolved request.
	Decisions  store.DecisionStore
	RaceWindow time.Duration
	Logger     *slog.Logger
}

type pending struct {
	prompt   Prompt
	event    *agent.PermissionEvent
	mode     Mode
	toolName string
	command  string
}

// Arbiter decides permission requests.
type Arbiter struct {
	policy    Policy
	decisions store.DecisionStore
	resolved  *dedupe.Cache
	logger    *slog.Logger

	mu       sync.Mutex
	prompter Prompter
	pending  map[string]*pending
}

// NewArbiter creates an Arbiter.
func NewArbiter(opts Options) *Arbiter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	window := opts.RaceWindow
	if window <= 0 {
		window = DefaultRaceWindow
	}
	return &Arbiter{
		policy:    opts.Policy,
		decisions: opts.Decisions,
		resolved:  dedupe.New(window, 4096),
		logger:    logger.With("component", "permission"),
		prompter:  opts.Prompter,
		pending:   make(map[string]*pending),
	}
}

// SetPrompter swaps the UI surface. nil means no UI is reachable.
func (a *Arbiter) SetPrompter(p Prompter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prompter = p
}

// Attach subscribes the arbiter to bus and returns a detach func.
// Pending requests of a connection are dropped when it disconnects.
func (a *Arbiter) Attach(bus *agent.Bus) func() {
	permID := bus.Permissions.Subscribe(func(ev *agent.PermissionEvent) {
		a.HandleRequest(context.Background(), ev)
	})
	statusID := bus.Status.Subscribe(func(s agent.StatusInfo) {
		if s.Status == agent.StatusDisconnected || s.Status == agent.StatusError {
			a.DropConnection(s.ConnectionID)
		}
	})
	return func() {
		bus.Permissions.Unsubscribe(permID)
		bus.Status.Unsubscribe(statusID)
	}
}

// SelectAutoApprove picks allow_once, else allow_always, else the first
// option, else cancels.
func SelectAutoApprove(options []acp.PermissionOption) acp.RequestPermissionOutcome {
	for _, kind := range []string{acp.OptionAllowOnce, acp.OptionAllowAlways} {
		for _, o := range options {
			if o.Kind == kind {
				return acp.Selected(o.OptionID)
			}
		}
	}
	if len(options) > 0 {
		return acp.Selected(options[0].OptionID)
	}
	return acp.Cancelled()
}

// HandleRequest applies the policy to ev. It returns once ev is resolved
// or parked.
func (a *Arbiter) HandleRequest(ctx context.Context, ev *agent.PermissionEvent) {
	p := &pending{
		prompt: Prompt{
			RequestID:    uuid.New().String(),
			ConnectionID: ev.ConnectionID,
			SessionID:    ev.SessionID,
			ToolCall:     ev.ToolCall,
			Options:      ev.Options,
			CreatedAt:    time.Now(),
		},
		event:    ev,
		mode:     a.policy.ApprovalMode(ctx),
		toolName: ToolName(ev.ToolCall),
		command:  CommandToken(ev.ToolCall.RawInput),
	}

	switch p.mode {
	case ModeManual:
		a.escalate(ctx, p)
	case ModeDefault:
		if a.whitelisted(ctx, p) {
			a.settle(ctx, p, SelectAutoApprove(p.prompt.Options), store.SourceWhitelist)
			return
		}
		a.escalate(ctx, p)
	default:
		a.settle(ctx, p, SelectAutoApprove(p.prompt.Options), store.SourceAuto)
	}
}

func (a *Arbiter) whitelisted(ctx context.Context, p *pending) bool {
	if p.toolName != "" && slices.Contains(a.policy.ToolWhitelist(ctx), p.toolName) {
		return true
	}
	return p.command != "" && slices.Contains(a.policy.CommandWhitelist(ctx), p.command)
}

func (a *Arbiter) escalate(ctx context.Context, p *pending) {
	a.mu.Lock()
	a.pending[p.prompt.RequestID] = p
	prompter := a.prompter
	a.mu.Unlock()

	log := a.logger.With(
		"request_id", p.prompt.RequestID,
		"connection_id", p.prompt.ConnectionID,
		"session_id", p.prompt.SessionID,
		"tool_name", p.toolName,
	)

	if prompter == nil || !prompter.Reachable() {
		log.Info("no UI reachable, applying auto-approve")
		a.fallback(ctx, p.prompt.RequestID)
		return
	}
	if err := prompter.PermissionNeeded(p.prompt); err != nil {
		log.Warn("permission prompt failed, applying auto-approve", "error", err)
		a.fallback(ctx, p.prompt.RequestID)
		return
	}
	log.Debug("permission escalated")
}

func (a *Arbiter) take(requestID string) *pending {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pending[requestID]
	if !ok {
		return nil
	}
	delete(a.pending, requestID)
	return p
}

func (a *Arbiter) fallback(ctx context.Context, requestID string) {
	p := a.take(requestID)
	if p == nil {
		return
	}
	a.settle(ctx, p, SelectAutoApprove(p.prompt.Options), store.SourceFallback)
}

// Resolve applies a UI decision to a parked request. Unknown or already
// settled ids are ignored and reported as false.
func (a *Arbiter) Resolve(requestID string, outcome acp.RequestPermissionOutcome) bool {
	p := a.take(requestID)
	if p == nil {
		if source, ok := a.resolved.Seen(requestID); ok {
			a.logger.Debug("decision arrived after request was settled",
				"request_id", requestID, "settled_by", source)
		} else {
			a.logger.Debug("decision for unknown request", "request_id", requestID)
		}
		return false
	}
	a.settle(context.Background(), p, outcome, store.SourceUser)
	return true
}

// DropConnection cancels every parked request of connectionID.
func (a *Arbiter) DropConnection(connectionID string) int {
	a.mu.Lock()
	var dropped []*pending
	for id, p := range a.pending {
		if p.prompt.ConnectionID == connectionID {
			dropped = append(dropped, p)
			delete(a.pending, id)
		}
	}
	prompter := a.prompter
	a.mu.Unlock()

	for _, p := range dropped {
		a.settle(context.Background(), p, acp.Cancelled(), store.SourceCancelled)
		if w, ok := prompter.(Withdrawer); ok {
			w.PermissionWithdrawn(p.prompt.RequestID)
		}
	}
	if len(dropped) > 0 {
		a.logger.Info("dropped pending permission requests", "connection_id", connectionID, "count", len(dropped))
	}
	return len(dropped)
}

// Pending lists parked requests, oldest first.
func (a *Arbiter) Pending() []Prompt {
	a.mu.Lock()
	out := make([]Prompt, 0, len(a.pending))
	for _, p := range a.pending {
		out = append(out, p.prompt)
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (a *Arbiter) settle(ctx context.Context, p *pending, outcome acp.RequestPermissionOutcome, source string) {
	if !p.event.Resolve(outcome) {
		a.logger.Debug("permission event already resolved", "request_id", p.prompt.RequestID)
	}
	a.resolved.Mark(p.prompt.RequestID, source)

	a.logger.Debug("permission settled",
		"request_id", p.prompt.RequestID,
		"connection_id", p.prompt.ConnectionID,
		"session_id", p.prompt.SessionID,
		"source", source,
		"outcome", outcome.Outcome,
		"option_id", outcome.OptionID)

	if a.decisions == nil {
		return
	}
	d := &store.Decision{
		RequestID:    p.prompt.RequestID,
		ConnectionID: p.prompt.ConnectionID,
		SessionID:    p.prompt.SessionID,
		ToolCallID:   p.prompt.ToolCall.ToolCallID,
		ToolName:     p.toolName,
		Command:      p.command,
		Mode:         string(p.mode),
		Source:       source,
		Outcome:      outcome.Outcome,
		OptionID:     outcome.OptionID,
	}
	if err := a.decisions.RecordDecision(ctx, d); err != nil {
		a.logger.Warn("failed to record permission decision", "error", err)
	}
}
