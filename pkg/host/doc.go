/*
Package host defines the closed set of actions a template can invoke and the
collaborator interfaces those actions delegate to.

The action table is fixed at registry construction: each Action names the
single capability string that gates it, and scripts can only reach actions
through the sandbox's call() entry point, which checks the request's grant
against Action.Capability before Invoke runs. There is no reflection and no
way for script content to register actions, so the capability surface is
auditable by reading NewRegistry.

Collaborators are interfaces with production implementations alongside: the
chat gateway proxy bridge (HTTPChatSender), the capped outbound fetcher
(HTTPFetcher), and filesystem object storage (FSObjectStore). The tenant
key/value store (bbolt, one bucket per tenant) lives here too because the
original system kept tenant KV inside the worker, including per-key TTLs
that feed KEY_EXPIRY events back through the sweeper.
*/
package host
