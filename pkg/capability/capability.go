package capability

import (
	"fmt"
	"sort"
	"strings"
)

// Whitelist is the system-wide set of capabilities that may ever be granted
// to a template attachment. Attach-time validation rejects anything outside
// this list.
var Whitelist = []string{
	"discord:create_message",
	"discord:ban",
	"discord:kick",
	"discord:*",
	"kv:read",
	"kv:write",
	"kv:*",
	"http:fetch",
	"object:read",
	"object:write",
	"object:*",
}

// Set is a normalized capability grant. The zero value is an empty grant
// that allows nothing.
type Set struct {
	caps map[string]struct{}
}

// NewSet builds a Set from capability strings. Duplicates are collapsed;
// strings are not validated here (see Validate).
func NewSet(caps ...string) Set {
	s := Set{caps: make(map[string]struct{}, len(caps))}
	for _, c := range caps {
		s.caps[strings.TrimSpace(c)] = struct{}{}
	}
	return s
}

// Allows reports whether the grant covers the given capability, either by
// exact match or by a "domain:*" wildcard grant.
func (s Set) Allows(cap string) bool {
	if len(s.caps) == 0 {
		return false
	}
	if _, ok := s.caps[cap]; ok {
		return true
	}
	domain, _, found := strings.Cut(cap, ":")
	if !found {
		return false
	}
	_, ok := s.caps[domain+":*"]
	return ok
}

// Intersect returns the grant restricted to capabilities also allowed by
// other. Wildcards narrow correctly: "kv:*" ∩ {"kv:read"} = {"kv:read"}.
func (s Set) Intersect(other Set) Set {
	out := Set{caps: make(map[string]struct{})}
	for c := range s.caps {
		if other.Allows(c) {
			out.caps[c] = struct{}{}
			continue
		}
		// A wildcard on our side survives as the narrower concrete
		// capabilities the other side holds in the same domain.
		if strings.HasSuffix(c, ":*") {
			domain := strings.TrimSuffix(c, ":*")
			for oc := range other.caps {
				if strings.HasPrefix(oc, domain+":") {
					out.caps[oc] = struct{}{}
				}
			}
		}
	}
	return out
}

// Strings returns the grant as a sorted slice, suitable for persistence and
// stable wire encoding.
func (s Set) Strings() []string {
	out := make([]string, 0, len(s.caps))
	for c := range s.caps {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of capability strings in the grant.
func (s Set) Len() int { return len(s.caps) }

// Validate checks each capability string against the system whitelist.
// It returns an error naming the first unknown capability.
func Validate(caps []string) error {
	allowed := make(map[string]struct{}, len(Whitelist))
	for _, c := range Whitelist {
		allowed[c] = struct{}{}
	}
	for _, c := range caps {
		if _, ok := allowed[strings.TrimSpace(c)]; !ok {
			return fmt.Errorf("capability %q is not in the system whitelist", c)
		}
	}
	return nil
}
