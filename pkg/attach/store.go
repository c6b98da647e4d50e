package attach

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/veldtbot/veldt/pkg/capability"
	"github.com/veldtbot/veldt/pkg/types"
)

var bucketAttachments = []byte("attachments")

// ErrNotFound is returned when no attachment exists for the given key.
var ErrNotFound = fmt.Errorf("attachment not found")

// Store persists template attachments. Keys are
// "owner_type/owner_id/attachment_id", so one tenant's attachments are a
// contiguous prefix scan.
type Store struct {
	db *bolt.DB

	mu    sync.Mutex
	hooks []func(attachmentID string)
}

// Open opens (or creates) the attachment database under dataDir.
func Open(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, "attachments.db")
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open attachment store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAttachments)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create attachments bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// OnChange registers a hook invoked after any mutation of an attachment's
// content or grants. The compiled-template cache subscribes here.
func (s *Store) OnChange(hook func(attachmentID string)) {
	s.mu.Lock()
	s.hooks = append(s.hooks, hook)
	s.mu.Unlock()
}

func (s *Store) notify(attachmentID string) {
	s.mu.Lock()
	hooks := make([]func(string), len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()
	for _, hook := range hooks {
		hook(attachmentID)
	}
}

func storeKey(tenant types.Tenant, id string) []byte {
	return []byte(tenant.String() + "/" + id)
}

// Attach validates and persists a new attachment. The capability grant is
// checked against the system whitelist here and never re-expanded later.
func (s *Store) Attach(att *types.TemplateAttachment) error {
	if err := capability.Validate(att.AllowedCaps); err != nil {
		return fmt.Errorf("invalid capability grant: %w", err)
	}
	if len(att.Events) == 0 {
		return fmt.Errorf("attachment must subscribe to at least one event")
	}
	if att.Language == "" {
		att.Language = types.TemplateLanguageJS
	}
	if att.Language != types.TemplateLanguageJS {
		return fmt.Errorf("unsupported template language %q", att.Language)
	}
	switch att.Source.Kind {
	case types.TemplateSourceInline:
		if att.Source.Content == "" {
			return fmt.Errorf("inline attachment has no content")
		}
	case types.TemplateSourceShop:
		if att.Source.ShopRef == "" {
			return fmt.Errorf("shop attachment has no ref")
		}
	default:
		return fmt.Errorf("unknown source kind %q", att.Source.Kind)
	}

	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	if att.State == "" {
		att.State = types.TemplateStateActive
	}
	att.Version = 1
	now := time.Now().UTC()
	att.CreatedAt = now
	att.UpdatedAt = now

	return s.put(att)
}

// Get loads one attachment.
func (s *Store) Get(tenant types.Tenant, id string) (*types.TemplateAttachment, error) {
	var att *types.TemplateAttachment
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAttachments).Get(storeKey(tenant, id))
		if data == nil {
			return ErrNotFound
		}
		att = &types.TemplateAttachment{}
		return json.Unmarshal(data, att)
	})
	if err != nil {
		return nil, err
	}
	return att, nil
}

// Update applies fn to an attachment inside the transaction, bumps its
// version, and notifies change hooks. fn returning an error aborts without
// writing.
func (s *Store) Update(tenant types.Tenant, id string, fn func(*types.TemplateAttachment) error) (*types.TemplateAttachment, error) {
	var updated *types.TemplateAttachment
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketAttachments)
		key := storeKey(tenant, id)
		data := bucket.Get(key)
		if data == nil {
			return ErrNotFound
		}
		att := &types.TemplateAttachment{}
		if err := json.Unmarshal(data, att); err != nil {
			return fmt.Errorf("failed to decode attachment: %w", err)
		}
		if err := fn(att); err != nil {
			return err
		}
		if err := capability.Validate(att.AllowedCaps); err != nil {
			return fmt.Errorf("invalid capability grant: %w", err)
		}
		att.Version++
		att.UpdatedAt = time.Now().UTC()
		encoded, err := json.Marshal(att)
		if err != nil {
			return fmt.Errorf("failed to encode attachment: %w", err)
		}
		updated = att
		return bucket.Put(key, encoded)
	})
	if err != nil {
		return nil, err
	}
	s.notify(id)
	return updated, nil
}

// SetState transitions an attachment's lifecycle state. State changes do
// not bump the content version; the compiled program is unchanged.
func (s *Store) SetState(tenant types.Tenant, id string, state types.TemplateState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketAttachments)
		key := storeKey(tenant, id)
		data := bucket.Get(key)
		if data == nil {
			return ErrNotFound
		}
		att := &types.TemplateAttachment{}
		if err := json.Unmarshal(data, att); err != nil {
			return fmt.Errorf("failed to decode attachment: %w", err)
		}
		att.State = state
		att.UpdatedAt = time.Now().UTC()
		encoded, err := json.Marshal(att)
		if err != nil {
			return fmt.Errorf("failed to encode attachment: %w", err)
		}
		return bucket.Put(key, encoded)
	})
}

// Delete removes an attachment and notifies change hooks so cached programs
// are dropped.
func (s *Store) Delete(tenant types.Tenant, id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketAttachments)
		key := storeKey(tenant, id)
		if bucket.Get(key) == nil {
			return ErrNotFound
		}
		return bucket.Delete(key)
	})
	if err != nil {
		return err
	}
	s.notify(id)
	return nil
}

// ListByTenant returns all of one tenant's attachments.
func (s *Store) ListByTenant(tenant types.Tenant) ([]*types.TemplateAttachment, error) {
	prefix := []byte(tenant.String() + "/")
	var result []*types.TemplateAttachment
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAttachments).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			att := &types.TemplateAttachment{}
			if err := json.Unmarshal(v, att); err != nil {
				return fmt.Errorf("failed to decode attachment %s: %w", k, err)
			}
			result = append(result, att)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListActiveByEvent returns every active attachment of the given tenant
// subscribed to the event. Paused and suspended attachments never match.
func (s *Store) ListActiveByEvent(tenant types.Tenant, event string) ([]*types.TemplateAttachment, error) {
	all, err := s.ListByTenant(tenant)
	if err != nil {
		return nil, err
	}
	var result []*types.TemplateAttachment
	for _, att := range all {
		if att.State == types.TemplateStateActive && att.SubscribedTo(event) {
			result = append(result, att)
		}
	}
	return result, nil
}

// ActiveByEventAllTenants scans every tenant for active attachments
// subscribed to the event. Used for synthetic engine events like STARTUP.
func (s *Store) ActiveByEventAllTenants(event string) ([]*types.TemplateAttachment, error) {
	var result []*types.TemplateAttachment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAttachments).ForEach(func(k, v []byte) error {
			att := &types.TemplateAttachment{}
			if err := json.Unmarshal(v, att); err != nil {
				return fmt.Errorf("failed to decode attachment %s: %w", k, err)
			}
			if att.State == types.TemplateStateActive && att.SubscribedTo(event) {
				result = append(result, att)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Expired returns attachments whose ExpiresAt has passed and that are not
// yet suspended. The sweeper suspends them.
func (s *Store) Expired(now time.Time) ([]*types.TemplateAttachment, error) {
	var result []*types.TemplateAttachment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAttachments).ForEach(func(k, v []byte) error {
			att := &types.TemplateAttachment{}
			if err := json.Unmarshal(v, att); err != nil {
				return fmt.Errorf("failed to decode attachment %s: %w", k, err)
			}
			if att.ExpiresAt != nil && att.ExpiresAt.Before(now) && att.State != types.TemplateStateSuspended {
				result = append(result, att)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) put(att *types.TemplateAttachment) error {
	encoded, err := json.Marshal(att)
	if err != nil {
		return fmt.Errorf("failed to encode attachment: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAttachments).Put(storeKey(att.Tenant, att.ID), encoded)
	})
}
