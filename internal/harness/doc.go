// Package harness replays cart synchronization scenarios against the real
// engine and compares the resulting traces with golden files.
//
// # Scenario Format
//
// Scenarios are YAML files with the following structure:
//
//	name: add_then_remove
//	description: "What this scenario validates"
//	identity: {id: u1, role: customer}
//	remote: '{"items":[]}'
//	steps:
//	  - op: add
//	    product: {id: P1, name: Shirt, price: "19.99"}
//	    size: M
//	  - op: add
//	    product: {id: P1}
//	    fail: {status: 409, body: '{"message":"Product already exists in cart"}'}
//	    expect: {success: false, kind: DuplicateLine}
//	  - op: remove
//	    line: P1@M
//	assertions:
//	  - type: call_order
//	    ops: [getCart, add, remove]
//	final:
//	  item_count: 0
//	  total: "0"
//
// Step ops are add, remove, update, clear, identity, and hydrate. A step
// may replace the served cart (remote), script a failure for its backend
// call (fail), or script the backend's confirmation message (ack). A step
// without expect must succeed.
//
// # Assertion Types
//
//   - call_contains: some backend call matches op (and id, when given)
//   - call_order: the first call of each op appears in the given order
//   - call_count: op was called exactly count times
//
// # Determinism
//
// Each scenario gets a fresh engine, a FakeTransport, and sequential
// request tokens. Steps run one at a time and Observe waits for
// hydration, so the trace is identical across runs.
package harness
