// Package engine drives the task lifecycle. A dispatcher loop matches queued
// tasks to online agents and hands the envelopes to the transport, a
// correlator applies inbound result envelopes exactly once, and a supervisor
// sweep recovers tasks whose deadline passed or whose agent went silent.
package engine
