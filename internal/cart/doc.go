// Package cart holds the client-side mirror of a server-owned shopping cart.
//
// The package has two layers:
//
//   - Reduce: a pure state transition function over a closed set of actions
//     (AddItem, RemoveItem, UpdateQuantity, Clear, Hydrate). It never performs
//     I/O and always re-derives Total and ItemCount from the lines.
//   - Store: the single mutable cell that owns the current State. Every write
//     goes through an Action; readers get deep copies.
//
// # Generations
//
// The Store carries an identity generation. The sync engine advances it each
// time the signed-in identity changes, and applies remote results with
// DispatchAt so that a response issued for an older identity can never
// overwrite state hydrated for a newer one.
//
// # Merge Key
//
// Lines are unique by (product id, size, color). Size and color are NFC
// normalized before comparison, so visually identical variant labels merge.
package cart
