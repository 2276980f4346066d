// Package redis provides Redis-backed adapters: a cross-replica exclusivity
// lock and a session snapshot store.
package redis
