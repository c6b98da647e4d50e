// Package api exposes the management HTTP surface: attachment lifecycle
// (create, inspect, update, pause, resume, suspend, delete), a synchronous
// execute endpoint for staff tooling, and worker pool status.
//
// Execution faults map onto HTTP status codes so callers can tell their own
// template misbehaving (4xx) apart from engine failures (5xx).
package api
