// ABOUTME: Package process spawns agent subprocesses and owns their stdio pipes.
// ABOUTME: Detects agents that exit during a short startup grace window.

// Package process launches an agent command with piped stdin/stdout and
// inherited stderr, and provides idempotent termination.
package process
