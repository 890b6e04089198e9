// Package dedupe remembers recently seen keys for a bounded time.
//
// The permission arbiter uses it to recognise a decision that arrives for a
// request already settled by fallback, and to log it as a race instead of
// an unknown id.
package dedupe
