// Package bridge is the facade that turns a blocking request call into a
// published queue message and a correlated asynchronous reply. It owns the
// pending table, the expiry sweeper, and the in-flight admission cap, and
// composes the connection manager, channel pool, publisher, and reply
// consumer into a single lifecycle.
package bridge
