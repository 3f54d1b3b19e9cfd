// Package idempotency makes retried mutating requests safe across instances.
//
// A client-supplied key, scoped to an operation signature (method, route
// template and user), is reserved with SET NX. The reservation holder runs the
// request and records its outcome; duplicates that arrive meanwhile wait for
// the outcome and replay it. Keys reused with a different payload are
// rejected.
//
// Only definitive outcomes are recorded. Server errors and retryable
// statuses release the reservation so the client may try again.
package idempotency
