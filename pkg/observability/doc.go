// Package observability provides OpenTelemetry tracing and metrics for the
// kernel. Traces and RED metrics export over OTLP gRPC; service level
// objectives are tracked in-process per kernel operation.
//
// # Provider
//
// Initialize once at boot and shut down on exit:
//
//	p, err := observability.New(ctx, &observability.Config{
//		OTLPEndpoint: "otel-collector:4317",
//		Enabled:      true,
//	}, logger)
//	defer p.Shutdown(ctx)
//
// Wrap any unit of work to get a span plus rate, error and duration
// metrics in one call:
//
//	ctx, finish := p.TrackOperation(ctx, "task.execute",
//		observability.AttrTaskID.String(taskID))
//	err := work(ctx)
//	finish(err)
//
// # Service level objectives
//
// SLOTracker aggregates per-operation latency and success observations
// inside a rolling window and reports burn rate against declared targets:
//
//	slo := observability.NewSLOTracker()
//	for _, t := range observability.DefaultTargets() {
//		slo.SetTarget(t)
//	}
//	slo.Record(observability.SLOObservation{
//		Operation: observability.OpGate, Latency: 12 * time.Millisecond, Success: true,
//	})
package observability
