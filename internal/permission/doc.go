// ABOUTME: Package permission decides agent tool-call permission requests.
// ABOUTME: Applies the approval policy and parks escalations until the UI answers.

// Package permission arbitrates permission requests raised by agents.
//
// The approval mode comes from the policy store:
//
//   - auto: pick allow_once, else allow_always, else the first option,
//     else cancel. Never asks the UI.
//   - manual: always ask the UI.
//   - default: approve automatically when the tool name or the command's
//     first word is whitelisted, otherwise ask the UI.
//
// Escalated requests are parked under a generated request id until Resolve
// is called with that id. When no UI is reachable the auto rule is applied
// immediately instead.
package permission
