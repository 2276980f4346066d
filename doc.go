/*
Package parley hosts embedded "talking avatar" widgets on behalf of a web page.

A page may carry several avatars, but only one avatar session may be live at a
time. Parley drives each avatar through its activation lifecycle, loads the
shared widget script once, routes the notifications the widgets publish and
classifies their errors into a small set of recoverable and fatal kinds.

# Architecture

The core lives in pkg/session (the per-avatar state machine and the manager
that owns them). Everything it depends on is a port:

  - ports.ExclusivityLock: pkg/lock.Local in-process, or the Redis lock when
    several replicas serve the same page.
  - ports.ScriptLoader: pkg/loader, single-flight over a ports.ScriptFetcher.
  - ports.Mounter: pkg/widget renders the declarative widget element.
  - pkg/router over pkg/bus: widget notifications on a watermill bus, in
    memory or on Redis Streams.

Hub wires these from an internal/config.Config; the HTTP and MCP adapters in
pkg/adapters expose a Hub to pages and agents.

# Usage

	cfg, _ := config.Load()
	hub, err := parley.New(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer hub.Close(ctx)

	_, _ = hub.Sessions.Register(ctx, domain.SessionParams{
		ID:       "support",
		Token:    os.Getenv("SUPPORT_TOKEN"),
		AgentID:  "agent-123",
		Position: domain.PositionRight,
		Channel:  "support",
	})
	if err := hub.Sessions.Activate(ctx, "support"); errors.Is(err, domain.ErrDuplicateSession) {
		// another avatar is live
	}
*/
package parley
