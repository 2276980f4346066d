/*
Package domain contains the core domain models of the Parley avatar host.

It defines the session lifecycle states, the error taxonomy shared by the
classifier and the controllers, and the events emitted to observers. This
package is kept pure and free of external dependencies like I/O or
persistence, following Hexagonal Architecture principles.

# Key Entities

  - SessionParams: What the embedding page supplies to mount one avatar.
  - SessionState: Idle, Activating, Active, Error, Deactivating.
  - Classification / SessionError: A normalized widget error and its kind.
  - Snapshot: A serializable view of a session for status surfaces.
  - LifecycleHooks: Observer callbacks (transitions, messages, errors).
*/
package domain
