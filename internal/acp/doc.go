// ABOUTME: Package acp implements the host side of the Agent Client Protocol.
// ABOUTME: Newline-delimited JSON-RPC 2.0 over an agent's stdin/stdout.

// Package acp frames JSON-RPC 2.0 messages over a pair of byte streams,
// correlates responses with in-flight requests, and dispatches agent-initiated
// notifications and calls to a Handler.
package acp
