// Package kvstore wraps the pooled key-value client used to mirror
// pending-request metadata. The mirror is best effort and never the source
// of truth: completion handles live in process memory, the store only keeps
// a TTL-bounded shadow so crashed processes leave nothing behind.
package kvstore
