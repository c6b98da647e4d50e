package host

import (
	"context"
	"fmt"
	"time"

	"github.com/veldtbot/veldt/pkg/types"
)

// ChatSender is the chat collaborator boundary. Implementations talk to the
// Discord API through the gateway proxy; the engine only sees this interface.
type ChatSender interface {
	CreateMessage(ctx context.Context, tenant types.Tenant, channelID string, content string) error
	Ban(ctx context.Context, tenant types.Tenant, userID string, reason string) error
	Kick(ctx context.Context, tenant types.Tenant, userID string, reason string) error
}

// Fetcher is the outbound HTTP collaborator boundary.
type Fetcher interface {
	Fetch(ctx context.Context, tenant types.Tenant, url string) (status int, body string, err error)
}

// ObjectStore is the object/content storage collaborator boundary.
type ObjectStore interface {
	GetObject(ctx context.Context, tenant types.Tenant, path string) ([]byte, error)
	PutObject(ctx context.Context, tenant types.Tenant, path string, data []byte) error
}

// Collaborators bundles the external systems host actions delegate to. Nil
// members disable the corresponding actions: invoking one returns an error
// to the script, not a fault.
type Collaborators struct {
	Chat    ChatSender
	KV      *KVStore
	HTTP    Fetcher
	Objects ObjectStore
}

// Action is one entry in the closed host-action table. Capability is checked
// by the executor before Invoke is called; Invoke never runs for a request
// whose grant lacks it.
type Action struct {
	Name       string
	Capability string
	Invoke     func(ctx context.Context, tenant types.Tenant, args map[string]any) (any, error)
}

// Registry is the closed dispatch table of host actions. It is built once
// per worker process; scripts cannot extend it.
type Registry struct {
	actions map[string]Action
}

// Resolve looks an action up by name.
func (r *Registry) Resolve(name string) (Action, bool) {
	a, ok := r.actions[name]
	return a, ok
}

// Names returns the registered action names, for diagnostics.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.actions))
	for n := range r.actions {
		names = append(names, n)
	}
	return names
}

func argString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return s, nil
}

// NewRegistry builds the action table over the given collaborators. The set
// of actions is fixed here and nowhere else, so capability coverage is
// exhaustive by inspection: every action names the single capability that
// gates it.
func NewRegistry(c Collaborators) *Registry {
	r := &Registry{actions: make(map[string]Action)}

	add := func(a Action) { r.actions[a.Name] = a }

	add(Action{
		Name:       "discord:create_message",
		Capability: "discord:create_message",
		Invoke: func(ctx context.Context, tenant types.Tenant, args map[string]any) (any, error) {
			if c.Chat == nil {
				return nil, fmt.Errorf("chat collaborator not configured")
			}
			channelID, err := argString(args, "channel_id")
			if err != nil {
				return nil, err
			}
			content, err := argString(args, "content")
			if err != nil {
				return nil, err
			}
			if err := c.Chat.CreateMessage(ctx, tenant, channelID, content); err != nil {
				return nil, err
			}
			return true, nil
		},
	})

	add(Action{
		Name:       "discord:ban",
		Capability: "discord:ban",
		Invoke: func(ctx context.Context, tenant types.Tenant, args map[string]any) (any, error) {
			if c.Chat == nil {
				return nil, fmt.Errorf("chat collaborator not configured")
			}
			userID, err := argString(args, "user_id")
			if err != nil {
				return nil, err
			}
			reason, _ := args["reason"].(string)
			if err := c.Chat.Ban(ctx, tenant, userID, reason); err != nil {
				return nil, err
			}
			return true, nil
		},
	})

	add(Action{
		Name:       "discord:kick",
		Capability: "discord:kick",
		Invoke: func(ctx context.Context, tenant types.Tenant, args map[string]any) (any, error) {
			if c.Chat == nil {
				return nil, fmt.Errorf("chat collaborator not configured")
			}
			userID, err := argString(args, "user_id")
			if err != nil {
				return nil, err
			}
			reason, _ := args["reason"].(string)
			if err := c.Chat.Kick(ctx, tenant, userID, reason); err != nil {
				return nil, err
			}
			return true, nil
		},
	})

	add(Action{
		Name:       "kv:read",
		Capability: "kv:read",
		Invoke: func(ctx context.Context, tenant types.Tenant, args map[string]any) (any, error) {
			if c.KV == nil {
				return nil, fmt.Errorf("kv collaborator not configured")
			}
			key, err := argString(args, "key")
			if err != nil {
				return nil, err
			}
			value, found, err := c.KV.Get(tenant, key)
			if err != nil {
				return nil, err
			}
			if !found {
				return nil, nil
			}
			return value, nil
		},
	})

	add(Action{
		Name:       "kv:write",
		Capability: "kv:write",
		Invoke: func(ctx context.Context, tenant types.Tenant, args map[string]any) (any, error) {
			if c.KV == nil {
				return nil, fmt.Errorf("kv collaborator not configured")
			}
			key, err := argString(args, "key")
			if err != nil {
				return nil, err
			}
			if del, _ := args["delete"].(bool); del {
				return true, c.KV.Delete(tenant, key)
			}
			var ttl time.Duration
			if secs, ok := args["ttl_seconds"].(int64); ok && secs > 0 {
				ttl = time.Duration(secs) * time.Second
			} else if secs, ok := args["ttl_seconds"].(float64); ok && secs > 0 {
				ttl = time.Duration(secs * float64(time.Second))
			}
			return true, c.KV.Set(tenant, key, args["value"], ttl)
		},
	})

	add(Action{
		Name:       "http:fetch",
		Capability: "http:fetch",
		Invoke: func(ctx context.Context, tenant types.Tenant, args map[string]any) (any, error) {
			if c.HTTP == nil {
				return nil, fmt.Errorf("http collaborator not configured")
			}
			url, err := argString(args, "url")
			if err != nil {
				return nil, err
			}
			status, body, err := c.HTTP.Fetch(ctx, tenant, url)
			if err != nil {
				return nil, err
			}
			return map[string]any{"status": status, "body": body}, nil
		},
	})

	add(Action{
		Name:       "object:read",
		Capability: "object:read",
		Invoke: func(ctx context.Context, tenant types.Tenant, args map[string]any) (any, error) {
			if c.Objects == nil {
				return nil, fmt.Errorf("object store collaborator not configured")
			}
			path, err := argString(args, "path")
			if err != nil {
				return nil, err
			}
			data, err := c.Objects.GetObject(ctx, tenant, path)
			if err != nil {
				return nil, err
			}
			return string(data), nil
		},
	})

	add(Action{
		Name:       "object:write",
		Capability: "object:write",
		Invoke: func(ctx context.Context, tenant types.Tenant, args map[string]any) (any, error) {
			if c.Objects == nil {
				return nil, fmt.Errorf("object store collaborator not configured")
			}
			path, err := argString(args, "path")
			if err != nil {
				return nil, err
			}
			data, err := argString(args, "data")
			if err != nil {
				return nil, err
			}
			return true, c.Objects.PutObject(ctx, tenant, path, []byte(data))
		},
	})

	return r
}
