/*
Package ports defines the driven ports (interfaces) for the Parley session core.

These interfaces decouple the session controllers from external
implementations, allowing the same lifecycle logic to run in one process or
across replicas sharing Redis.

# Key Interfaces

  - ExclusivityLock: The single-owner cell enforcing one active avatar at a time.
  - ScriptFetcher / ScriptLoader: Fetching the shared widget script once.
  - Mounter / Widget: Placing and removing a widget on the embedding page.
  - SnapshotStore: Persisting session status snapshots.
*/
package ports
