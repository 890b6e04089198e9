// ABOUTME: Typed ACP calls layered on Conn.
// ABOUTME: One method per outbound protocol operation.

package acp

import "context"

func (c *Conn) Initialize(ctx context.Context, req *InitializeRequest) (*InitializeResponse, error) {
	var resp InitializeResponse
	if err := c.Call(ctx, MethodInitialize, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Conn) Authenticate(ctx context.Context, req *AuthenticateRequest) error {
	return c.Call(ctx, MethodAuthenticate, req, nil)
}

func (c *Conn) NewSession(ctx context.Context, req *NewSessionRequest) (*NewSessionResponse, error) {
	if req.McpServers == nil {
		req.McpServers = []McpServer{}
	}
	var resp NewSessionResponse
	if err := c.Call(ctx, MethodSessionNew, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Conn) LoadSession(ctx context.Context, req *LoadSessionRequest) (*LoadSessionResponse, error) {
	if req.McpServers == nil {
		req.McpServers = []McpServer{}
	}
	var resp LoadSessionResponse
	if err := c.Call(ctx, MethodSessionLoad, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Conn) ListSessions(ctx context.Context, req *ListSessionsRequest) (*ListSessionsResponse, error) {
	var resp ListSessionsResponse
	if err := c.Call(ctx, MethodSessionList, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Prompt blocks until the agent finishes the turn. Progress arrives as
// session updates.
func (c *Conn) Prompt(ctx context.Context, req *PromptRequest) (*PromptResponse, error) {
	var resp PromptResponse
	if err := c.Call(ctx, MethodSessionPrompt, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel is a best-effort notification. The pending prompt is not aborted
// locally.
func (c *Conn) Cancel(req *CancelNotification) error {
	return c.Notify(MethodSessionCancel, req)
}

func (c *Conn) SetSessionMode(ctx context.Context, req *SetSessionModeRequest) error {
	return c.Call(ctx, MethodSessionSetMode, req, nil)
}

func (c *Conn) SetSessionModel(ctx context.Context, req *SetSessionModelRequest) error {
	return c.Call(ctx, MethodSessionSetModel, req, nil)
}

func (c *Conn) SetSessionConfigOption(ctx context.Context, req *SetSessionConfigOptionRequest) error {
	return c.Call(ctx, MethodSessionSetConfigOption, req, nil)
}
