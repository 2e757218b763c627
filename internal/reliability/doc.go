// Package reliability provides the retry policies and circuit breaker used
// around broker publishes. Retry handles transient faults with bounded
// exponential backoff; the breaker fails fast once the broker is known to
// be down so callers do not burn their deadline windows.
package reliability
