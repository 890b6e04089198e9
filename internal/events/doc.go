// ABOUTME: Package events provides typed in-memory publish/subscribe.
// ABOUTME: A panicking subscriber never prevents the others from running.

// Package events implements Topic, a typed fan-out of values to callback
// subscribers, plus a buffered channel adapter for consumers that prefer
// to range over events.
package events
