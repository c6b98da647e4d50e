package host

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/veldtbot/veldt/pkg/types"
)

// FSObjectStore is the production object storage collaborator: a directory
// tree under root, partitioned per tenant. Shop template content lives here
// too, under the shop/ prefix outside any tenant partition.
type FSObjectStore struct {
	root string
}

// NewFSObjectStore creates the object root if needed.
func NewFSObjectStore(root string) (*FSObjectStore, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create object root: %w", err)
	}
	return &FSObjectStore{root: root}, nil
}

// resolve maps (tenant, path) onto the filesystem, rejecting anything that
// would escape the tenant's partition.
func (s *FSObjectStore) resolve(tenant types.Tenant, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("object path must not be empty")
	}
	clean := filepath.Clean("/" + path)
	if strings.Contains(clean, "..") {
		return "", fmt.Errorf("invalid object path %q", path)
	}
	return filepath.Join(s.root, tenant.String(), clean), nil
}

// GetObject reads one object.
func (s *FSObjectStore) GetObject(ctx context.Context, tenant types.Tenant, path string) ([]byte, error) {
	full, err := s.resolve(tenant, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("object %q not found", path)
		}
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return data, nil
}

// PutObject writes one object, creating intermediate directories.
func (s *FSObjectStore) PutObject(ctx context.Context, tenant types.Tenant, path string, data []byte) error {
	full, err := s.resolve(tenant, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0700); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}
	if err := os.WriteFile(full, data, 0600); err != nil {
		return fmt.Errorf("failed to write object: %w", err)
	}
	return nil
}

// GetShopContent reads published shop template content by ref. Shop content
// is global, not tenant-partitioned; refs are validated the same way paths
// are.
func (s *FSObjectStore) GetShopContent(ref string) ([]byte, error) {
	if ref == "" {
		return nil, fmt.Errorf("shop ref must not be empty")
	}
	clean := filepath.Clean("/" + ref)
	if strings.Contains(clean, "..") {
		return nil, fmt.Errorf("invalid shop ref %q", ref)
	}
	data, err := os.ReadFile(filepath.Join(s.root, "shop", clean))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("shop content %q not found", ref)
		}
		return nil, fmt.Errorf("failed to read shop content: %w", err)
	}
	return data, nil
}
