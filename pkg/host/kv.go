package host

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/veldtbot/veldt/pkg/types"
)

// KVConstraints bound what a template may store.
type KVConstraints struct {
	MaxKeyLength  int
	MaxValueBytes int
}

// DefaultKVConstraints mirror the limits templates were written against:
// 512-byte keys, 256 KiB values.
func DefaultKVConstraints() KVConstraints {
	return KVConstraints{MaxKeyLength: 512, MaxValueBytes: 256 * 1024}
}

// kvEntry is the persisted shape of one key.
type kvEntry struct {
	Value     any        `json:"value"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ExpiredKey names a key whose TTL lapsed, reported by Expired for the
// sweeper to turn into KEY_EXPIRY events.
type ExpiredKey struct {
	Tenant types.Tenant
	Key    string
}

// KVStore is the bbolt-backed key/value store exposed to templates through
// the kv:read and kv:write host actions. Each tenant gets its own bucket;
// nothing a template stores is ever visible to another tenant.
type KVStore struct {
	db          *bolt.DB
	constraints KVConstraints
}

// OpenKV opens (or creates) the tenant KV database in dataDir.
func OpenKV(dataDir string, constraints KVConstraints) (*KVStore, error) {
	dbPath := filepath.Join(dataDir, "tenant-kv.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open tenant kv database: %w", err)
	}
	return &KVStore{db: db, constraints: constraints}, nil
}

// Close closes the database
func (s *KVStore) Close() error {
	return s.db.Close()
}

func (s *KVStore) checkKey(key string) error {
	if key == "" {
		return fmt.Errorf("key must not be empty")
	}
	if len(key) > s.constraints.MaxKeyLength {
		return fmt.Errorf("key exceeds maximum length of %d bytes", s.constraints.MaxKeyLength)
	}
	return nil
}

// Set stores value under (tenant, key), optionally with a TTL. Values are
// JSON-encoded; anything a script can return is storable.
func (s *KVStore) Set(tenant types.Tenant, key string, value any, ttl time.Duration) error {
	if err := s.checkKey(key); err != nil {
		return err
	}

	entry := kvEntry{Value: value}
	if ttl > 0 {
		expires := time.Now().Add(ttl)
		entry.ExpiresAt = &expires
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}
	if len(data) > s.constraints.MaxValueBytes {
		return fmt.Errorf("value exceeds maximum size of %d bytes", s.constraints.MaxValueBytes)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(tenant.String()))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// Get returns the value stored under (tenant, key). Expired keys read as
// absent; the sweeper removes them lazily.
func (s *KVStore) Get(tenant types.Tenant, key string) (any, bool, error) {
	if err := s.checkKey(key); err != nil {
		return nil, false, err
	}

	var entry kvEntry
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(tenant.String()))
		if b == nil {
			return nil
		}
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &entry); err != nil {
			return fmt.Errorf("failed to decode value for key %q: %w", key, err)
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	if entry.ExpiresAt != nil && entry.ExpiresAt.Before(time.Now()) {
		return nil, false, nil
	}
	return entry.Value, true, nil
}

// Delete removes (tenant, key). Deleting an absent key is not an error.
func (s *KVStore) Delete(tenant types.Tenant, key string) error {
	if err := s.checkKey(key); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(tenant.String()))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// Expired scans all tenants for keys whose TTL lapsed before now.
func (s *KVStore) Expired(now time.Time) ([]ExpiredKey, error) {
	var expired []ExpiredKey
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			tenant, err := parseTenant(string(name))
			if err != nil {
				return fmt.Errorf("malformed tenant bucket %q: %w", name, err)
			}
			return b.ForEach(func(k, v []byte) error {
				var entry kvEntry
				if err := json.Unmarshal(v, &entry); err != nil {
					return err
				}
				if entry.ExpiresAt != nil && entry.ExpiresAt.Before(now) {
					expired = append(expired, ExpiredKey{Tenant: tenant, Key: string(k)})
				}
				return nil
			})
		})
	})
	return expired, err
}

// Remove deletes an expired key after its KEY_EXPIRY event was dispatched.
func (s *KVStore) Remove(ek ExpiredKey) error {
	return s.Delete(ek.Tenant, ek.Key)
}

func parseTenant(s string) (types.Tenant, error) {
	var ownerID uint64
	if n, err := fmt.Sscanf(s, "guild/%d", &ownerID); err == nil && n == 1 {
		return types.Tenant{OwnerType: types.OwnerTypeGuild, OwnerID: ownerID}, nil
	}
	if n, err := fmt.Sscanf(s, "user/%d", &ownerID); err == nil && n == 1 {
		return types.Tenant{OwnerType: types.OwnerTypeUser, OwnerID: ownerID}, nil
	}
	return types.Tenant{}, fmt.Errorf("unrecognized tenant key %q", s)
}
