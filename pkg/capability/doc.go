/*
Package capability defines the closed permission vocabulary that gates every
host action a template can perform.

A capability is a string of the form "domain:action", e.g.
"discord:create_message" or "kv:read". Grants are sets of capability strings;
a grant may use the wildcard form "domain:*" to cover every action in a
domain. The vocabulary is closed: attach-time validation rejects any
capability that is not part of the system whitelist, so the set of things a
template could ever be allowed to do is statically auditable.

Checks happen in two places:

  - At attach time, an attachment's allowed_caps list is validated against
    the whitelist (Validate).
  - At dispatch time, the effective grant for one execution is resolved once
    (Intersect with any event-scoped restriction) and then consulted by the
    sandbox for every host call (Set.Allows). The effective grant is never
    wider than allowed_caps.
*/
package capability
