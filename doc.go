// Package unitkernel hosts a set of independent units on an in-process
// message bus and supervises them the way a small operating system would.
// Units are described by a manifest (YAML, JSON or TOML) listing their
// dependencies, topic routes and payload schemas; the kernel resolves a
// boot order from it, starts units one at a time, waits for each to
// announce readiness, and stops them in reverse order on shutdown.
//
// Around the bus the kernel runs a watchdog that restarts units which stop
// heartbeating, a priority scheduler for deferred work, a governance loop
// that enforces per-unit CPU and memory budgets and warns on storage
// pressure, and a pool of workers addressed through bus requests. Every
// emission can be mirrored into a Watermill publisher, and the kernel's
// state is readable over a small JSON HTTP API.
//
// A minimal setup fills Config (or loads it with LoadConfig), registers
// unit factories with RegisterUnit, and calls Boot:
//
//	k, err := unitkernel.Boot(ctx, unitkernel.DefaultConfig(), logger, unitkernel.KernelDependencies{
//		Manifest: &manifest,
//	})
//	defer k.Shutdown(context.Background())
//
// # Units
//
// A Unit implements Init and optionally Destroy. Init receives nothing but
// the context; everything else (bus, logger, clock, heartbeat interval)
// arrives through the Env handed to its Factory. The bundled homeostasis
// unit is registered in DefaultFactories under HomeostasisUnitID and turns
// storage alerts into memory.prune and learning.pause requests.
//
// # Configuration
//
// LoadConfig reads an optional TOML file and then UNITKERNEL_* environment
// variables. Metrics are exported through Prometheus when MetricsEnabled is
// set or a Registerer is supplied in KernelDependencies.
package unitkernel
