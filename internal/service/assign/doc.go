// Package assign implements the suffix assignment engine.
//
// The engine decides, per reported click increment, whether a campaign
// deserves a new tracking suffix (APPLY) or not (NOOP), leases one pool item
// atomically when it does, and guarantees idempotency across client retries.
// It also records write-outcome reports and frees pool items when a write
// failed.
//
// The service layer depends on the Repository interface defined in this
// package and should never import from api/. Repository implementations live
// in repository/postgres/.
package assign
