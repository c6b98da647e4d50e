package host

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, testTenant.String(), r.Header.Get("X-Veldt-Tenant"))
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(time.Second, 1024)
	status, body, err := f.Fetch(context.Background(), testTenant, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, status)
	assert.Equal(t, "short and stout", body)
}

func TestHTTPFetcherBodyCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(time.Second, 64)
	_, _, err := f.Fetch(context.Background(), testTenant, srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestHTTPFetcherRejectsScheme(t *testing.T) {
	f := NewHTTPFetcher(time.Second, 1024)
	_, _, err := f.Fetch(context.Background(), testTenant, "file:///etc/passwd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheme")
}

func TestFSObjectStoreRoundtrip(t *testing.T) {
	store, err := NewFSObjectStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.PutObject(ctx, testTenant, "notes/today.txt", []byte("hello")))

	data, err := store.GetObject(ctx, testTenant, "notes/today.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = store.GetObject(ctx, testTenant, "notes/missing.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestFSObjectStoreTenantIsolation(t *testing.T) {
	store, err := NewFSObjectStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.PutObject(ctx, testTenant, "secret.txt", []byte("mine")))

	other := testTenant
	other.OwnerID = 43
	_, err = store.GetObject(ctx, other, "secret.txt")
	require.Error(t, err)
}

func TestFSObjectStoreRejectsTraversal(t *testing.T) {
	store, err := NewFSObjectStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	err = store.PutObject(ctx, testTenant, "", []byte("x"))
	require.Error(t, err)

	// filepath.Clean resolves the traversal inside the tenant partition, so
	// a hostile path cannot reach past it either way.
	require.NoError(t, store.PutObject(ctx, testTenant, "a/../../../b.txt", []byte("x")))
	data, err := store.GetObject(ctx, testTenant, "/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

func TestShopContent(t *testing.T) {
	root := t.TempDir()
	store, err := NewFSObjectStore(root)
	require.NoError(t, err)

	_, err = store.GetShopContent("greeter-v2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	// Shop content is published out of band; the engine only reads it.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "shop"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(root, "shop", "greeter-v2"), []byte(`function handle(e) {}`), 0600))

	data, err := store.GetShopContent("greeter-v2")
	require.NoError(t, err)
	assert.Contains(t, string(data), "handle")
}

func TestHTTPChatSender(t *testing.T) {
	var gotPath, gotTenant string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotTenant = r.Header.Get("X-Veldt-Tenant")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewHTTPChatSender(srv.URL, time.Second)
	require.NoError(t, s.CreateMessage(context.Background(), testTenant, "c1", "hi"))
	assert.Equal(t, "/v1/chat/messages", gotPath)
	assert.Equal(t, testTenant.String(), gotTenant)
	assert.Equal(t, "c1", gotBody["channel_id"])
	assert.Equal(t, "hi", gotBody["content"])
}

func TestHTTPChatSenderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing permissions", http.StatusForbidden)
	}))
	defer srv.Close()

	s := NewHTTPChatSender(srv.URL, time.Second)
	err := s.Ban(context.Background(), testTenant, "u1", "spam")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
