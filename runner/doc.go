// Package runner executes individual tests and aggregates their outcomes.
//
// The main components are:
//   - Runner: Drives one test through its lifecycle state machine
//     (pending, setup, running, retrying, passed/failed/timed out, teardown, done)
//   - RunHooks: Calls lifecycle hooks in registration order with panic recovery
//   - Collector: Aggregates outcomes arriving in any order into a deterministic RunSummary
//
// Every path through the state machine passes the teardown state, so after_each
// hooks and per-test fixture release run exactly once per test regardless of
// whether attempts passed, failed, timed out or the run was aborted.
package runner
