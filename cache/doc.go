// Package cache is the shared key/value cache reachable from every instance.
//
// # Architecture boundaries
//
// Callers build keys with [Client.Key] or [Client.UserKey] and never talk to
// Redis directly for data operations. Every call carries its own deadline;
// failures surface as [ErrUnavailable] and absent keys as [ErrMiss].
//
// # What this package must NOT do
//
//   - Keep an in-process copy of any value.
//   - Retry on its own; retry policy belongs to the caller.
package cache
