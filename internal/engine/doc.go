// Package engine implements the cart synchronization engine.
//
// The engine keeps a client-held mirror (cart.Store) of a server-owned cart
// consistent across identity changes and concurrent user mutations, while
// tolerating a slow or failing backend.
//
// ARCHITECTURE:
//
// Synchronization Controller:
// Identity signals are enqueued to a FIFO queue and processed by a single
// Run loop goroutine (or synchronously via Observe).
// 1. Loading signals are ignored
// 2. Every other signal draws a new generation from the Clock and advances
// the store to it
// 3. Anonymous identities and non-purchasing roles clear the store without
// contacting the backend
// 4. Purchasing identities start a fetch; the previous fetch is cancelled
// 5. The fetched envelope is normalized (NormalizeEnvelope) and applied with
// DispatchAt, so a fetch that finishes after a newer identity arrived is
// discarded
//
// Mutation Gateway:
// Add, Remove, UpdateQuantity and Clear are confirm-then-apply. The backend
// call happens first; the reducer action is dispatched only on success, and
// only if the identity generation has not moved. Failures are normalized by
// the fault package and returned as a Result, never as an error.
//
// Ordering:
// Mutations on the same line run one at a time in arrival order. Clear and
// hydration are exclusive: they wait for in-flight mutations and block new
// ones. This closes the add/remove race on a single line where a slow add
// confirmation would otherwise resurrect a removed line.
//
// CRITICAL PATTERNS:
//
// Generations:
// All store writes are stamped with the generation current when the work
// started. NEVER dispatch unconditionally from engine code.
//
// Confirm-then-apply:
// No store write precedes a successful backend call. There is no optimistic
// local mutation and no automatic retry.
package engine
