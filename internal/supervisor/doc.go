// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

/*
Package supervisor provides process supervision for the fanout server using
suture v4.

# Overview

Long-running services are organized into three layers:

	RootSupervisor ("fanout")
	├── WorkerSupervisor ("worker-layer")
	│   └── executor.Pool
	├── RelaySupervisor ("relay-layer")
	│   ├── RelayConsumerService (if NATS_ENABLED)
	│   └── CleanupService
	└── DeliverySupervisor ("delivery-layer")
	    └── HTTPServerService

Each layer counts failures independently, so a broker outage that keeps the
relay consumer restarting never tears down the HTTP server and the streams
it holds.

# Usage

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
	    return err
	}
	tree.AddWorkerService(pool)
	tree.AddRelayService(services.NewRelayConsumerService(factory))
	tree.AddRelayService(services.NewCleanupService(dispatcher, interval))
	tree.AddDeliveryService(services.NewHTTPServerService(srv, timeout, registry.CloseAll))

	errCh := tree.ServeBackground(ctx)

# Configuration

TreeConfig zero values take suture's defaults: 5 failures before backoff,
30 second decay, 15 second backoff, 10 second shutdown timeout.

Supervisor events (service start, failure, restart, backoff) are logged
through the sutureslog hook.

# What Is NOT Supervised

The embedded NATS server is started before the tree and shut down after it,
because the relay layer and the publisher both depend on it being up for the
whole lifetime of the tree. Presence stores and the publisher are closed by
main after the tree returns.

# Debugging Shutdown

UnstoppedServiceReport lists services that did not return from Serve within
ShutdownTimeout. The usual cause is a blocking call that ignores ctx.
*/
package supervisor
