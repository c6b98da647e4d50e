/*
Package events provides the in-memory broker that carries normalized gateway
events into the engine.

The gateway proxy collaborator publishes Event values (one name, one tenant,
one payload); the dispatcher subscribes and turns matching events into
dispatch requests. The broker also carries engine-originated events such as
EXECUTION_FAULT so operator surfaces can observe template errors without the
engine knowing about them.

Publish never blocks the publisher: events flow through a buffered channel
and slow subscribers are skipped rather than back-pressuring the gateway.
Event delivery is therefore best effort; the engine's correctness
never depends on a broker event arriving.
*/
package events
