// Package pending holds the in-flight correlation table that joins the RPC
// side of a call to its eventual queue reply. Every call registers a
// correlation id and blocks on the returned handle; the reply consumer, the
// expiry sweeper, publish failure handling, and shutdown all race to
// complete it, and the table guarantees exactly one of them wins.
package pending
