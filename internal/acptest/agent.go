// ABOUTME: Agent-side JSON-RPC loop with scripted ACP behavior.
// ABOUTME: Echoes prompts, issues permission requests, and honors cancellation.

package acptest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/2389/coven-acp/internal/acp"
)

// Agent is a scripted ACP agent. Configure fields before calling Serve.
type Agent struct {
	Name        string
	LoadSession bool
	AuthMethods []acp.AuthMethod
	// InitializeError, when set, is returned from initialize.
	InitializeError *acp.RPCError
	Logger          *slog.Logger

	mu        sync.Mutex
	sessions  map[string]*session
	order     []string
	nextSess  int
	calls     []string
	w         io.Writer
	writeMu   sync.Mutex
	closeFn   func()
	nextID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan json.RawMessage
}

type session struct {
	id       string
	cwd      string
	mode     string
	model    string
	options  map[string]json.RawMessage
	cancelCh chan struct{}
}

// NewAgent returns an agent with the given display name.
func NewAgent(name string) *Agent {
	return &Agent{Name: name}
}

// Calls returns the methods received so far, in arrival order.
func (a *Agent) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

// Session reports the mode and model last set on a session.
func (a *Agent) Session(id string) (mode, model string, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[id]
	if !ok {
		return "", "", false
	}
	return s.mode, s.model, true
}

type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *acp.RPCError   `json:"error,omitempty"`
}

// Serve runs the agent until r is exhausted. closeFn, if non-nil, is
// called by the !exit command to drop the transport.
func (a *Agent) Serve(r io.Reader, w io.Writer, closeFn func()) error {
	a.mu.Lock()
	if a.sessions == nil {
		a.sessions = make(map[string]*session)
	}
	a.pending = make(map[int64]chan json.RawMessage)
	a.w = w
	a.closeFn = closeFn
	if a.Logger == nil {
		a.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	a.mu.Unlock()

	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if len(strings.TrimSpace(string(line))) > 0 {
			a.handleLine(line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
	}
}

func (a *Agent) handleLine(line []byte) {
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		a.Logger.Warn("fake agent got bad frame", "error", err)
		return
	}

	if f.Method == "" {
		id, err := strconv.ParseInt(string(f.ID), 10, 64)
		if err != nil {
			return
		}
		a.pendingMu.Lock()
		ch := a.pending[id]
		delete(a.pending, id)
		a.pendingMu.Unlock()
		if ch != nil {
			ch <- f.Result
		}
		return
	}

	a.mu.Lock()
	a.calls = append(a.calls, f.Method)
	a.mu.Unlock()

	if len(f.ID) == 0 {
		a.handleNotification(f.Method, f.Params)
		return
	}
	go func() {
		result, rpcErr := a.handleRequest(f.Method, f.Params)
		if rpcErr != nil {
			a.send(map[string]any{"jsonrpc": "2.0", "id": f.ID, "error": rpcErr})
			return
		}
		a.send(map[string]any{"jsonrpc": "2.0", "id": f.ID, "result": result})
	}()
}

func (a *Agent) handleNotification(method string, params json.RawMessage) {
	if method != acp.MethodSessionCancel {
		return
	}
	var n acp.CancelNotification
	if err := json.Unmarshal(params, &n); err != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.sessions[n.SessionID]; ok {
		select {
		case <-s.cancelCh:
		default:
			close(s.cancelCh)
		}
	}
}

func (a *Agent) handleRequest(method string, params json.RawMessage) (any, *acp.RPCError) {
	switch method {
	case acp.MethodInitialize:
		if a.InitializeError != nil {
			return nil, a.InitializeError
		}
		return acp.InitializeResponse{
			ProtocolVersion:   acp.ProtocolVersion,
			AgentCapabilities: acp.AgentCapabilities{LoadSession: a.LoadSession},
			AgentInfo:         &acp.Implementation{Name: a.Name, Version: "0.0.1"},
			AuthMethods:       a.AuthMethods,
		}, nil

	case acp.MethodAuthenticate:
		var req acp.AuthenticateRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, invalidParams(err)
		}
		for _, m := range a.AuthMethods {
			if m.ID == req.MethodID {
				return map[string]any{}, nil
			}
		}
		return nil, &acp.RPCError{Code: acp.CodeInvalidParams, Message: "unknown auth method " + req.MethodID}

	case acp.MethodSessionNew:
		var req acp.NewSessionRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, invalidParams(err)
		}
		a.mu.Lock()
		a.nextSess++
		id := fmt.Sprintf("%s-sess-%d", a.Name, a.nextSess)
		a.addSessionLocked(id, req.Cwd)
		a.mu.Unlock()
		return acp.NewSessionResponse{SessionID: id}, nil

	case acp.MethodSessionLoad:
		if !a.LoadSession {
			return nil, &acp.RPCError{Code: acp.CodeMethodNotFound, Message: "session/load not supported"}
		}
		var req acp.LoadSessionRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, invalidParams(err)
		}
		a.mu.Lock()
		if _, ok := a.sessions[req.SessionID]; !ok {
			a.addSessionLocked(req.SessionID, req.Cwd)
		}
		a.mu.Unlock()
		return map[string]any{}, nil

	case acp.MethodSessionList:
		a.mu.Lock()
		infos := make([]acp.SessionInfo, 0, len(a.order))
		for _, id := range a.order {
			infos = append(infos, acp.SessionInfo{SessionID: id, Cwd: a.sessions[id].cwd})
		}
		a.mu.Unlock()
		return acp.ListSessionsResponse{Sessions: infos}, nil

	case acp.MethodSessionPrompt:
		var req acp.PromptRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, invalidParams(err)
		}
		return a.prompt(&req)

	case acp.MethodSessionSetMode:
		var req acp.SetSessionModeRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, invalidParams(err)
		}
		return a.withSession(req.SessionID, func(s *session) { s.mode = req.ModeID })

	case acp.MethodSessionSetModel:
		var req acp.SetSessionModelRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, invalidParams(err)
		}
		return a.withSession(req.SessionID, func(s *session) { s.model = req.ModelID })

	case acp.MethodSessionSetConfigOption:
		var req acp.SetSessionConfigOptionRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, invalidParams(err)
		}
		return a.withSession(req.SessionID, func(s *session) { s.options[req.ConfigID] = req.Value })
	}

	return nil, &acp.RPCError{Code: acp.CodeMethodNotFound, Message: "method not found: " + method}
}

func (a *Agent) addSessionLocked(id, cwd string) {
	a.sessions[id] = &session{
		id:       id,
		cwd:      cwd,
		options:  make(map[string]json.RawMessage),
		cancelCh: make(chan struct{}),
	}
	a.order = append(a.order, id)
}

func (a *Agent) withSession(id string, fn func(*session)) (any, *acp.RPCError) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[id]
	if !ok {
		return nil, &acp.RPCError{Code: acp.CodeInvalidParams, Message: "unknown session " + id}
	}
	fn(s)
	return map[string]any{}, nil
}

func (a *Agent) prompt(req *acp.PromptRequest) (any, *acp.RPCError) {
	a.mu.Lock()
	s, ok := a.sessions[req.SessionID]
	if ok {
		// Each turn gets a fresh cancel signal.
		select {
		case <-s.cancelCh:
			s.cancelCh = make(chan struct{})
		default:
		}
	}
	a.mu.Unlock()
	if !ok {
		return nil, &acp.RPCError{Code: acp.CodeInvalidParams, Message: "unknown session " + req.SessionID}
	}

	var text strings.Builder
	for _, block := range req.Prompt {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	input := strings.TrimSpace(text.String())

	switch {
	case input == "!fail":
		data, _ := json.Marshal(map[string]string{"message": "prompt failed on purpose"})
		return nil, &acp.RPCError{Code: acp.CodeInternalError, Message: "Internal error", Data: data}

	case input == "!exit":
		if a.closeFn != nil {
			a.closeFn()
		}
		return nil, &acp.RPCError{Code: acp.CodeInternalError, Message: "exiting"}

	case input == "!hang":
		a.mu.Lock()
		cancelCh := s.cancelCh
		a.mu.Unlock()
		<-cancelCh
		return acp.PromptResponse{StopReason: "cancelled"}, nil

	case strings.HasPrefix(input, "!perm "):
		raw, _ := json.Marshal(map[string]string{"command": strings.TrimPrefix(input, "!perm ")})
		return a.askPermission(s, "Run shell command", "execute", raw)

	case strings.HasPrefix(input, "!tool "):
		raw, _ := json.Marshal(map[string]string{"toolName": strings.TrimPrefix(input, "!tool ")})
		return a.askPermission(s, strings.TrimPrefix(input, "!tool "), "other", raw)
	}

	a.sendUpdate(s.id, map[string]any{
		"sessionUpdate": "agent_message_chunk",
		"content":       map[string]string{"type": "text", "text": "echo: " + input},
	})
	return acp.PromptResponse{StopReason: "end_turn"}, nil
}

func (a *Agent) askPermission(s *session, title, kind string, rawInput json.RawMessage) (any, *acp.RPCError) {
	toolCallID := fmt.Sprintf("call-%d", a.nextID.Load()+1)
	req := acp.RequestPermissionRequest{
		SessionID: s.id,
		ToolCall:  acp.ToolCall{ToolCallID: toolCallID, Title: title, Kind: kind, RawInput: rawInput},
		Options: []acp.PermissionOption{
			{OptionID: "allow", Name: "Allow", Kind: acp.OptionAllowOnce},
			{OptionID: "always", Name: "Always allow", Kind: acp.OptionAllowAlways},
			{OptionID: "reject", Name: "Reject", Kind: acp.OptionRejectOnce},
		},
	}

	result, err := a.call(context.Background(), acp.MethodRequestPermission, req)
	if err != nil {
		return nil, &acp.RPCError{Code: acp.CodeInternalError, Message: err.Error()}
	}

	var resp acp.RequestPermissionResponse
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, invalidParams(err)
	}

	status := "failed"
	text := "permission cancelled"
	if resp.Outcome.Outcome == acp.OutcomeSelected {
		text = "permission " + resp.Outcome.OptionID
		if resp.Outcome.OptionID != "reject" {
			status = "completed"
		}
	}
	a.sendUpdate(s.id, map[string]any{
		"sessionUpdate": "tool_call_update",
		"toolCallId":    toolCallID,
		"status":        status,
	})
	a.sendUpdate(s.id, map[string]any{
		"sessionUpdate": "agent_message_chunk",
		"content":       map[string]string{"type": "text", "text": text},
	})
	if resp.Outcome.Outcome == acp.OutcomeCancelled {
		return acp.PromptResponse{StopReason: "cancelled"}, nil
	}
	return acp.PromptResponse{StopReason: "end_turn"}, nil
}

func (a *Agent) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := a.nextID.Add(1)
	ch := make(chan json.RawMessage, 1)
	a.pendingMu.Lock()
	a.pending[id] = ch
	a.pendingMu.Unlock()

	if err := a.send(map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": params}); err != nil {
		return nil, err
	}
	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Agent) sendUpdate(sessionID string, update any) {
	a.send(map[string]any{
		"jsonrpc": "2.0",
		"method":  acp.MethodSessionUpdate,
		"params":  map[string]any{"sessionId": sessionID, "update": update},
	})
}

func (a *Agent) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_, err = a.w.Write(data)
	return err
}

func invalidParams(err error) *acp.RPCError {
	return &acp.RPCError{Code: acp.CodeInvalidParams, Message: err.Error()}
}
