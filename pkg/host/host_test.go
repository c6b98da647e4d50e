package host

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veldtbot/veldt/pkg/types"
)

// fakeChat records sent messages for assertions.
type fakeChat struct {
	messages []string
}

func (f *fakeChat) CreateMessage(_ context.Context, _ types.Tenant, channelID, content string) error {
	f.messages = append(f.messages, channelID+":"+content)
	return nil
}

func (f *fakeChat) Ban(context.Context, types.Tenant, string, string) error  { return nil }
func (f *fakeChat) Kick(context.Context, types.Tenant, string, string) error { return nil }

var testTenant = types.Tenant{OwnerType: types.OwnerTypeGuild, OwnerID: 42}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry(Collaborators{})

	a, ok := r.Resolve("discord:create_message")
	require.True(t, ok)
	assert.Equal(t, "discord:create_message", a.Capability)

	_, ok = r.Resolve("filesystem:delete")
	assert.False(t, ok)
}

func TestEveryActionDeclaresItsOwnCapability(t *testing.T) {
	r := NewRegistry(Collaborators{})
	for _, name := range r.Names() {
		a, ok := r.Resolve(name)
		require.True(t, ok)
		assert.Equal(t, name, a.Capability, "action %s must be gated by its own capability string", name)
	}
}

func TestCreateMessageAction(t *testing.T) {
	chat := &fakeChat{}
	r := NewRegistry(Collaborators{Chat: chat})

	a, _ := r.Resolve("discord:create_message")
	out, err := a.Invoke(context.Background(), testTenant, map[string]any{
		"channel_id": "c1",
		"content":    "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)
	assert.Equal(t, []string{"c1:hello"}, chat.messages)
}

func TestActionMissingArgument(t *testing.T) {
	r := NewRegistry(Collaborators{Chat: &fakeChat{}})

	a, _ := r.Resolve("discord:create_message")
	_, err := a.Invoke(context.Background(), testTenant, map[string]any{"content": "hello"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel_id")
}

func TestActionWithoutCollaborator(t *testing.T) {
	r := NewRegistry(Collaborators{})

	a, _ := r.Resolve("discord:create_message")
	_, err := a.Invoke(context.Background(), testTenant, map[string]any{
		"channel_id": "c1",
		"content":    "hello",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func newTestKV(t *testing.T) *KVStore {
	t.Helper()
	kv, err := OpenKV(t.TempDir(), DefaultKVConstraints())
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return kv
}

func TestKVRoundtrip(t *testing.T) {
	kv := newTestKV(t)

	require.NoError(t, kv.Set(testTenant, "greeting", "hello", 0))

	value, found, err := kv.Get(testTenant, "greeting")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "hello", value)

	require.NoError(t, kv.Delete(testTenant, "greeting"))
	_, found, err = kv.Get(testTenant, "greeting")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestKVTenantIsolation(t *testing.T) {
	kv := newTestKV(t)
	other := types.Tenant{OwnerType: types.OwnerTypeGuild, OwnerID: 43}

	require.NoError(t, kv.Set(testTenant, "shared-name", "mine", 0))

	_, found, err := kv.Get(other, "shared-name")
	require.NoError(t, err)
	assert.False(t, found, "another tenant must never see this key")
}

func TestKVConstraints(t *testing.T) {
	kv, err := OpenKV(t.TempDir(), KVConstraints{MaxKeyLength: 4, MaxValueBytes: 32})
	require.NoError(t, err)
	defer kv.Close()

	assert.Error(t, kv.Set(testTenant, "too-long-key", "v", 0))
	assert.Error(t, kv.Set(testTenant, "k", string(make([]byte, 64)), 0))
	assert.Error(t, kv.Set(testTenant, "", "v", 0))
	assert.NoError(t, kv.Set(testTenant, "ok", "v", 0))
}

func TestKVExpiry(t *testing.T) {
	kv := newTestKV(t)

	require.NoError(t, kv.Set(testTenant, "ephemeral", "x", time.Millisecond))
	require.NoError(t, kv.Set(testTenant, "durable", "y", time.Hour))
	time.Sleep(10 * time.Millisecond)

	// Expired keys read as absent before the sweeper runs.
	_, found, err := kv.Get(testTenant, "ephemeral")
	require.NoError(t, err)
	assert.False(t, found)

	expired, err := kv.Expired(time.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "ephemeral", expired[0].Key)
	assert.Equal(t, testTenant, expired[0].Tenant)

	require.NoError(t, kv.Remove(expired[0]))
	expired, err = kv.Expired(time.Now())
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestKVWriteActionWithTTL(t *testing.T) {
	kv := newTestKV(t)
	r := NewRegistry(Collaborators{KV: kv})

	write, _ := r.Resolve("kv:write")
	_, err := write.Invoke(context.Background(), testTenant, map[string]any{
		"key":         "counter",
		"value":       float64(7),
		"ttl_seconds": float64(3600),
	})
	require.NoError(t, err)

	read, _ := r.Resolve("kv:read")
	out, err := read.Invoke(context.Background(), testTenant, map[string]any{"key": "counter"})
	require.NoError(t, err)
	assert.Equal(t, float64(7), out)
}
