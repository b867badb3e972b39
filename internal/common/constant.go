// Package common contains shared constants and sentinel errors used across
// the sync client and the reference server.
package common

// Header names carried on every sync request.
const (
	AuthorizationHeader = "Authorization"
	DeviceIDHeader      = "X-Device-ID"
	ContentEncoding     = "Content-Encoding"

	// SnappyEncoding marks a request body compressed with snappy block format.
	SnappyEncoding = "snappy"

	bearerPrefix = "Bearer "
)

// HealthService is the gRPC health service name of the sync API.
const HealthService = "possync.sync"
