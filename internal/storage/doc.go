// Package storage defines the persistence boundary shared by every server
// instance: two whole-record keys (collective choices and current stage),
// composite read-modify-write helpers, and a per-key change watch.
//
// Backends live in subpackages. The memory backend serves single-instance
// deployments; the sqlite backend gives multiple instances a shared durable
// store whose committed writes fan back out through Watch.
package storage
