// Package campaign manages per-tenant campaign metadata: the explicit sync
// surface that upserts rows from the customer's ad account, plus stock
// lookups for the admin UI. Lazy hydration on first assignment lives in the
// assignment engine; this package owns the administrative path.
//
// Repository implementations live in repository/postgres/.
package campaign
