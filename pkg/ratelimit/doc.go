/*
Package ratelimit provides the per-tenant token buckets consulted before a
dispatch request is admitted to the worker pool.

Every tenant gets an independent bucket, created lazily on first use and
pruned when idle, so one tenant exhausting its quota never delays another.
Checks are strictly non-blocking: a denial returns immediately with a
retry-after hint and the admission layer decides what to do with it.
*/
package ratelimit
