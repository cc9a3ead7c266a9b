// Package runtime adapts LLM backends into poolable conversation handles.
//
// Invariants:
// - Send returns the turn's event channel before any event can be produced.
// - Producers never block on an abandoned channel; every send honors ctx.
// - Conversation history commits only after a turn's clean terminal event.
//
// Usage:
//
//	provider, _ := runtime.New(runtime.Config{Provider: "anthropic", APIKey: key, Model: model})
//	handle, _ := provider.Open(ctx)
//	events, _ := handle.Send(ctx, "hello")
//	for evt := range events {
//		_ = evt
//	}
package runtime
