// Package attach persists template attachments: the binding of a template
// to a tenant with its event subscriptions, capability grants, and
// lifecycle state.
//
// Capability grants are validated against the system whitelist when the
// attachment is created or updated, never at dispatch time, so a persisted
// grant is always a valid one. Content and grant changes bump the
// attachment version and fire change hooks, which the compiled-template
// cache uses for invalidation.
package attach
