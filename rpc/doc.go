// Package rpc exposes the bridge over gRPC. The Call method moves opaque
// byte payloads, so the service is registered with a hand-written service
// descriptor and a pass-through codec instead of generated stubs; framework
// messages such as health checks still marshal as protobuf.
package rpc
