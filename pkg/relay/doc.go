// Package relay drives one pooled session through one prompt/response
// cycle, turning the session's event sequence into ordered wire messages.
//
// Invariants:
// - Wire messages keep the order of the events that produced them.
// - A session_created message precedes anything that depends on the new key.
// - At most one error message per request; an error is never followed by complete.
// - The pooled entry is released exactly once on every exit path.
//
// Usage:
//
//	r := relay.New(mgr, 5*time.Minute, logger)
//	var buf relay.Buffer
//	result, err := r.Run(ctx, relay.Request{Prompt: "hello"}, &buf)
//	_, _ = result, err
package relay
