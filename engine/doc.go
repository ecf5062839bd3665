// Package engine wires the conduit subsystems together: the queue over a
// store backend, the worker loop with its middleware chain, the maintenance
// scheduler and, when an upstream source is configured, the connection
// supervisor that feeds the queue.
//
// The engine package sits above every subsystem package and below the
// application layer, so the subsystems never import each other through it.
//
// # Building an Engine
//
//	eng, err := engine.New(pgStore,
//	    engine.WithConfig(cfg),
//	    engine.WithHandlers(handler.New(...).Handlers()),
//	    engine.WithSource(upstream.NewWebSocketSource()),
//	    engine.WithCredentials(creds),
//	    engine.WithExtension(myExtension),
//	)
//
// # Running
//
//	if err := eng.Start(ctx); err != nil { ... }
//	report := eng.ConnectTenants(ctx, tenants)
//	...
//	eng.Stop(shutdownCtx)
//
// Stop shuts the supervisor down first so no new work arrives, then drains
// the worker loop and stops the maintenance scheduler.
package engine
