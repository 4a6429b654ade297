// Package gateway wires the deepstudy server together: configuration,
// store, model provider, conversation service, and the HTTP surface in
// front of them.
//
// # Construction and Lifecycle
//
// New builds every component from a validated config. Run listens,
// locally or on a tailnet, and serves until the context is canceled,
// then drains in-flight requests:
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx)
//
// Run returns after a clean drain. Shutdown can also be driven directly
// when the caller owns the lifecycle.
//
// # HTTP API
//
// All handlers live in api.go:
//
//   - POST /api/chat - Ask a question, blocking (JSON response)
//   - POST /api/chat/stream - Ask a question (SSE streaming response)
//   - POST /api/fragments/resolve - Map a text selection to a fragment
//   - GET /api/conversation/{id} - Conversation tree rooted at a node
//   - GET /api/mindmap/{id} - Knowledge graph along a node's ancestor path
//   - GET /api/events?session=S - Session activity feed (SSE)
//   - GET /api/me - Authenticated identity
//   - POST /api/auth/register, /api/auth/login - Accounts (when auth enabled)
//   - GET /health - Liveness check
//
// # SSE Streaming
//
// A streaming ask emits Server-Sent Events:
//
//	event: meta
//	data: {"conversation_id": "..."}
//
//	event: delta
//	data: {"text": "Photosynthesis is"}
//
//	event: full
//	data: {"conversation_id": "...", "answer": "..."}
//
// Every stream opens with exactly one meta event and ends with a terminal
// full or error event. Concatenating the delta texts reproduces the
// finalized answer.
//
// # Session Feed
//
// GET /api/events relays the session activity feed so multiple clients of
// one session can follow along without polling: node_created,
// node_completed, and node_failed events, preceded by a subscribed
// confirmation.
//
// # Tailscale
//
// When tailscale.enabled is set the gateway joins the tailnet through
// tsnet instead of binding a local TCP port. The https and funnel
// variants serve on :443 with certificates issued by the tailnet.
package gateway
