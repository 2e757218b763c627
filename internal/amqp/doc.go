// Package amqp implements the broker side of the bridge: a connection
// manager with an explicit admission state machine, a capacity-bounded
// channel pool, a confirming publisher with retry, and the long-lived
// reply consumer loops that feed the pending-request table.
package amqp
