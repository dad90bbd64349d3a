// Package observe provides observability primitives for the object cache.
//
// It bundles OpenTelemetry tracing and metrics with a JSON structured
// logger. Queries describe themselves with a QueryMeta; the Middleware
// wraps every remote fetch with a span, fetch metrics and a log line.
// Nothing in this package performs I/O beyond exporter setup.
package observe
