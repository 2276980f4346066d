/*
Package session implements the avatar session lifecycle.

A Controller drives one avatar through Idle, Activating, Active, Error and
Deactivating. At most one controller holds the shared exclusivity lock at a
time; the others are refused with domain.ErrDuplicateSession. Errors reported
by the widget are classified by the router and either recorded (TTS) or end
the session (everything else). Recovery from Error is an explicit, single
Retry after a short backoff.

The Manager registers controllers, keeps their message channels unique and
persists a snapshot of each one to a ports.SnapshotStore.
*/
package session
