// Package server implements the realtime HTTP and WebSocket service for Harmony.
//
// The implementation is organized into specialized files for configuration,
// the hub and its indices, session drivers, routing, and HTTP handlers to
// keep the codebase maintainable and testable as the project grows.
package server
