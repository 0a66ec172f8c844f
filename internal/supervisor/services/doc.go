// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

/*
Package services adapts fanout components to suture's Serve pattern.

# Available Services

HTTPServerService:
  - Wraps an HTTPServer (ListenAndServe / Shutdown)
  - Runs a drain hook before Shutdown so SSE streams and hijacked
    WebSocket connections are closed instead of holding Shutdown open

RelayConsumerService:
  - Builds a fresh relay consumer through a factory on every start
  - Reports a router that exits on its own as a failure so the supervisor
    restarts it with backoff

CleanupService:
  - Calls the dispatcher's CleanUp on a fixed interval

# Return Values

	ctx.Err()   -> shutdown requested, normal termination
	error       -> failure, the supervisor restarts the service
	nil         -> stopped cleanly, not restarted

All services implement fmt.Stringer; suture uses the name in its events.
*/
package services
