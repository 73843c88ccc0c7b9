// Package mongo provides a MongoDB-backed implementation of session.Store.
// Build the low-level client via features/session/mongo/clients/mongo and pass
// it to NewStore so the crafting service can persist conversations outside the
// process.
package mongo
