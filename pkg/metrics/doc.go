/*
Package metrics exposes Prometheus collectors for the veldt engine.

Collectors are package-level variables registered in init, updated directly
by the components that own the measured state: the pool manager maintains
worker, queue, and in-flight gauges; the dispatcher counts outcomes; the
sweeper counts sweeps. The master serves them via Handler on the configured
metrics address.
*/
package metrics
