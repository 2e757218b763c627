// Package serialization provides the envelope codec used on the broker
// boundary. The envelope frame is JSON; request and reply payloads inside
// it remain opaque byte slices, so business encodings never leak into the
// bridge.
package serialization
