// ABOUTME: Package acptest provides a scripted ACP agent for tests and demos.
// ABOUTME: Runs in-process over pipes or as a stdio binary.

// Package acptest implements the agent side of ACP with deterministic
// behavior. Prompts are echoed back as message chunks; a few text commands
// trigger permission requests, failures, hangs and crashes.
//
// Prompt commands:
//
//	!perm <command>   request permission for a shell command, then report the outcome
//	!tool <name>      request permission for a named tool
//	!fail             answer with a structured error
//	!hang             block until session/cancel arrives
//	!exit             close the transport mid-turn
package acptest
