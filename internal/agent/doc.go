// Package agent manages connections to ACP agent subprocesses.
//
// # Overview
//
// The agent package owns the lifecycle of spawned agents: process launch,
// protocol handshake, session bookkeeping, and teardown. Many agents run
// side by side, each under a caller-assigned connection id.
//
// # Connection
//
// A Connection drives one agent through its states:
//
//	disconnected -> connecting -> connected -> initializing -> ready
//
// with error reachable from connecting, initializing, or from any active
// state when the transport closes on its own. Disconnect is always allowed
// and always succeeds.
//
// Every transition publishes a full StatusInfo snapshot on the
// connection's Bus. Status() returns the same snapshot synchronously.
//
// Session operations (new, load, list, prompt, cancel, set mode/model/
// config option) require ready. Authenticate requires at least connected.
// LoadSession fails fast when the agent did not advertise loadSession.
//
// # Manager
//
// The Manager is the registry of connections:
//
//	mgr := agent.NewManager(agent.Options{Logger: logger})
//	err := mgr.Connect(ctx, "claude", process.Spec{Command: "claude-code-acp"})
//	_, err = mgr.Initialize(ctx, "claude", agent.InitializeOptions{})
//	sess, err := mgr.NewSession(ctx, "claude", acp.NewSessionRequest{Cwd: dir})
//	resp, err := mgr.Prompt(ctx, sess.SessionID, []acp.ContentBlock{acp.TextBlock("hi")})
//
// Connecting over an existing id disconnects the old connection first.
// NewSession and LoadSession record which connection owns the session so
// that Prompt, Cancel and the SetSession* calls can be addressed by session
// id alone. Routes for a connection are dropped when it disconnects.
//
// # Events
//
// The Manager re-publishes every connection's events on its own Bus.
// Status events carry the connection id. Permission events carry a
// single-use resolver; if nobody is subscribed the request is cancelled.
//
// # Thread Safety
//
// Manager, Connection and Router are safe for concurrent use. Bus
// subscribers run on the publishing goroutine and must not block.
package agent
