package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_PlainValuePassesThrough(t *testing.T) {
	r := NewResolverWithAccess(func(context.Context, string) ([]byte, error) {
		t.Fatal("access must not be called for plain values")
		return nil, nil
	})
	got, err := r.Resolve(context.Background(), "my-api-key")
	require.NoError(t, err)
	assert.Equal(t, "my-api-key", got)

	got, err = r.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResolve_SecretPath(t *testing.T) {
	var names []string
	r := NewResolverWithAccess(func(_ context.Context, name string) ([]byte, error) {
		names = append(names, name)
		return []byte("  s3cret\n"), nil
	})

	got, err := r.Resolve(context.Background(), "projects/p/secrets/genesys-key")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)

	_, err = r.Resolve(context.Background(), "projects/p/secrets/genesys-key/versions/3")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"projects/p/secrets/genesys-key/versions/latest",
		"projects/p/secrets/genesys-key/versions/3",
	}, names)
}

func TestResolve_AccessErrorIsWrapped(t *testing.T) {
	boom := errors.New("permission denied")
	r := NewResolverWithAccess(func(context.Context, string) ([]byte, error) { return nil, boom })

	_, err := r.Resolve(context.Background(), "projects/p/secrets/x")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "projects/p/secrets/x/versions/latest")
}

func TestVersionPath(t *testing.T) {
	assert.Equal(t, "projects/p/secrets/s/versions/latest", VersionPath("projects/p/secrets/s/"))
	assert.Equal(t, "projects/p/secrets/s/versions/7", VersionPath("projects/p/secrets/s/versions/7"))
	assert.True(t, IsSecretPath("projects/p/secrets/s"))
	assert.False(t, IsSecretPath("plain"))
}

func TestResolver_CloseWithoutClient(t *testing.T) {
	assert.NoError(t, NewResolver().Close())
	var r *Resolver
	assert.NoError(t, r.Close())
}
