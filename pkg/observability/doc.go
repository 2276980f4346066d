/*
Package observability exposes session lifecycle as Prometheus metrics and
structured log records.

Both are plain domain.LifecycleHooks, so they compose with the page's own
callbacks through LifecycleHooks.Merge.
*/
package observability
