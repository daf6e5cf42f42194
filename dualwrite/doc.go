// Package dualwrite is the entry point for event producers.
//
// An Orchestrator writes chat messages synchronously to the hot store and
// publishes every event to the durable channel without waiting for it. The
// boolean returned by WriteEvent and WriteToolInvocation is the outcome of
// the hot write alone; nothing on the publish side can change it.
package dualwrite
