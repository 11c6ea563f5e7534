// Package telemetry bootstraps the process-wide OpenTelemetry tracer
// provider and records admission metrics through the global meter. When no
// provider is configured every call is a cheap no-op, so the governor can
// record unconditionally.
package telemetry
