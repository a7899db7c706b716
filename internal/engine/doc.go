// Package engine drives tasks through their execution lifecycle. A single
// monitor goroutine submits pending tasks and polls active handlers at a
// fixed interval; the engine owns status transitions, the resume cache and
// the run ledger, while executors only report what their backend says.
package engine
