// Package contracts defines the wire-level data model shared by the
// publisher, the reply consumer, and the bridge facade: the Envelope that
// carries an opaque payload together with its correlation identifier and
// reply-to destination, and the errors produced when wire bytes cannot be
// decoded back into one.
package contracts
