// Package sequence issues the per-stream monotonic sequence numbers that
// order every event in the sync core. The Redis-backed generator is the
// production implementation; the in-memory one backs tests.
package sequence
