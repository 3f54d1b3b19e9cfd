// Package geo turns client IP addresses into coarse, human-readable
// locations for session listings.
//
// Lookups are best effort. Loopback and private ranges never leave the
// process; everything else goes through an HTTP provider, usually wrapped in
// a [CachingLocator].
package geo
