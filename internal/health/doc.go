// ABOUTME: Package health exposes connection readiness over the gRPC health protocol.
// ABOUTME: Each connection id is a service; the empty service reports liveness.

// Package health maps connection status snapshots onto a standard
// grpc.health.v1 server.
//
// A connection's service is SERVING only while the connection is ready;
// every other status reports NOT_SERVING. The empty service name stays
// SERVING for as long as the process is up and flips to NOT_SERVING on
// shutdown.
package health
