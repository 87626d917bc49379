// Package security authenticates the two parties allowed onto the
// ConnectionGateway's WebSocket endpoint. See GatewayAuth for the shared-
// secret and mTLS modes.
package security
