// Package harness runs declarative store scenarios for conformance tests
// and the CLI.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: counter
//	description: "Counter with a derived subscription"
//	config:
//	  initial_state: {count: 0}
//	events:
//	  inc:
//	    db:
//	      - {op: add, path: [count], value: $payload}
//	  inc-later:
//	    fx:
//	      dispatch-later: [{ms: 100, event: inc, payload: 1}]
//	subscriptions:
//	  count: {path: [count]}
//	  total: {deps: [count], combine: sum}
//	steps:
//	  - dispatch: inc
//	    payload: 2
//	  - dispatch: inc-later
//	  - advance: 100ms
//	  - expect_query: {key: total, value: 3}
//	assertions:
//	  - type: trace_order
//	    events: [inc, inc-later]
//	  - type: final_state
//	    expect: {count: 3}
//
// # Handlers
//
// A db handler applies ops in order: assoc sets the value at path, add
// adds a number, append appends to a list, dissoc removes a key. An fx
// handler returns its effect map. In both, strings "$payload" and "$db",
// optionally followed by a dotted path, are replaced by the payload or
// state value. The "record" effect appends its config to Result.Records and
// the "fail" effect fails with its config as the message.
//
// # Assertion Types
//
//   - trace_contains: Verifies an event appears in the trace with matching payload
//   - trace_order: Verifies events first appear in the specified order
//   - trace_count: Verifies an event appears exactly N times
//   - final_state: Verifies fields of the map at a state path
//
// # Deterministic Testing
//
// Every run uses a manual notification scheduler flushed after each step,
// a virtual clock for dispatch-later timers, and sequential trace IDs, so a
// scenario yields identical snapshots across runs for golden comparison.
package harness
