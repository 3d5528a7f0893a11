/*
Package runtime provides the supervision kernel behind unitkernel.

# Architecture Overview

The Kernel composes an in-memory publish/subscribe bus with the components
that boot, monitor, restart, schedule and resource-govern a fixed set of
units. Units are independently built components that only talk to each
other and to the kernel through the bus.

# Package Structure

## Kernel (kernel.go)

The Kernel wires together:
  - Bus, Validator, Router and ChannelRouter (bus/)
  - Registry holding the unit manifest (registry/)
  - Lifecycle starting units in boot order (lifecycle/)
  - Watchdog restarting silent units (watchdog/)
  - Scheduler running deferred work by priority (scheduler/)
  - Allocator, Quota, Throttle and the governance loop (governance/)
  - Handshake, RPC, Stream and Event helpers (protocol/)
  - An optional Watermill mirror of every emission (bridge/)

Init builds all of it and loads the manifest, Wake starts the units and
announces system.ready, Shutdown unwinds in reverse.

## Workers (workers.go, compute.go)

Workers run jobs on their own goroutines. They are addressed only through
worker.<id> requests and report failures as worker.error events.

## Introspection (introspect.go)

Read-only JSON endpoints for unit states, bus history and route resolution,
plus the Prometheus /metrics endpoint.

# Sub-packages

  - bridge/: Watermill mirror, in-process and file sinks
  - bus/: message bus, validator, router, channel lanes
  - clock/: real and fake time sources
  - config/: kernel configuration with validation
  - errors/: sentinel errors and error types
  - events/: topic names and payloads the kernel publishes
  - governance/: budgets, storage quota, rate ceiling, governance loop
  - ids/: ULID and UUID helpers
  - jsoncodec/: JSON marshaling utilities
  - lifecycle/: unit supervision and factory registry
  - logging/: logger interface and adapters
  - metrics/: Prometheus collectors
  - protocol/: handshake, RPC, streams and events over the bus
  - registry/: unit manifest
  - scheduler/: priority task queue
  - watchdog/: heartbeat monitoring

# Usage Example

	cfg, err := config.Load("unitkernel.toml")
	if err != nil {
		return err
	}
	k := runtime.NewKernel(cfg, logger, runtime.KernelDependencies{})
	if err := k.Init(ctx); err != nil {
		return err
	}
	if err := k.Wake(ctx); err != nil {
		logger.Warn("some units failed to start", nil)
	}
	defer k.Shutdown(context.Background())
*/
package runtime
