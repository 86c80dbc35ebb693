// Package telemetry wires OpenTelemetry exporters and meters for the
// governance core.
//
// It centralises trace provider setup and records governance decisions as
// counters and span attributes so operators can correlate rejections with the
// policy that produced them.
package telemetry
