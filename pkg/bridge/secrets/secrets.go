// Package secrets resolves configuration values that may name a Secret
// Manager secret instead of holding the value itself.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
)

// AccessFunc fetches the payload of a fully qualified secret version.
type AccessFunc func(ctx context.Context, name string) ([]byte, error)

// Resolver turns "projects/..." values into secret payloads. The Secret
// Manager client is created on first use.
type Resolver struct {
	access AccessFunc

	mu     sync.Mutex
	client *secretmanager.Client
}

func NewResolver() *Resolver {
	return &Resolver{}
}

// NewResolverWithAccess uses fn instead of a Secret Manager client.
func NewResolverWithAccess(fn AccessFunc) *Resolver {
	return &Resolver{access: fn}
}

// IsSecretPath reports whether v names a secret rather than holding a value.
func IsSecretPath(v string) bool {
	return strings.HasPrefix(v, "projects/")
}

// VersionPath pins a secret path to its latest version unless a version is
// already named.
func VersionPath(path string) string {
	if strings.Contains(path, "/versions/") {
		return path
	}
	return strings.TrimSuffix(path, "/") + "/versions/latest"
}

// Resolve returns value unchanged unless it is a secret path, in which case it
// returns the trimmed payload of that secret.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	if !IsSecretPath(value) {
		return value, nil
	}
	data, err := r.Access(ctx, VersionPath(value))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (r *Resolver) Access(ctx context.Context, name string) ([]byte, error) {
	if r == nil {
		return nil, errors.New("secrets: nil resolver")
	}
	if r.access != nil {
		data, err := r.access(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("access secret %s: %w", name, err)
		}
		return data, nil
	}

	client, err := r.smClient(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return nil, fmt.Errorf("access secret %s: %w", name, err)
	}
	return resp.GetPayload().GetData(), nil
}

func (r *Resolver) smClient(ctx context.Context) (*secretmanager.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create secret manager client: %w", err)
	}
	r.client = client
	return client, nil
}

func (r *Resolver) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}
