// Package observability provides an extension that turns conduit lifecycle
// hooks into OpenTelemetry metrics.
//
// Register it with the engine:
//
//	eng, _ := engine.New(cfg, engine.WithExtension(observability.NewMetricsExtension()))
//
// Instruments are created on the global MeterProvider unless
// WithMeterProvider is given.
package observability
