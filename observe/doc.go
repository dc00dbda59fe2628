// Package observe provides observability primitives for the aggregation core.
//
// It is a pure instrumentation library: no transport and no I/O beyond
// exporter setup. The aggregator records request outcomes through Metrics
// and spans through Tracer; the coalescer wraps each upstream fetch with
// Middleware. Logger output is JSON with credential-like fields redacted.
package observe
