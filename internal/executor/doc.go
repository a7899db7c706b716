// Package executor defines the contract between the scheduling engine and
// execution backends: the Executor/Handler lifecycle pair, the canonical
// queue states, submission directives, and the registry backends are wired
// through.
package executor
