package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/auth"
	"cloud.google.com/go/auth/credentials"
)

// CloudPlatformScope is the OAuth scope requested for upstream access tokens.
const CloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// DefaultTokenCacheTTL bounds how long a token read from Secret Manager is
// reused.
const DefaultTokenCacheTTL = 5 * time.Minute

// TokenProvider supplies the bearer token and quota project for the upstream
// handshake.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	ProjectID(ctx context.Context) (string, error)
}

// ADCTokenProvider uses Application Default Credentials. Credentials are
// detected once; the library caches and refreshes the token.
type ADCTokenProvider struct {
	detect func(*credentials.DetectOptions) (*auth.Credentials, error)

	once  sync.Once
	creds *auth.Credentials
	err   error
}

func NewADCTokenProvider() *ADCTokenProvider {
	return &ADCTokenProvider{detect: credentials.DetectDefault}
}

func (p *ADCTokenProvider) credentials() (*auth.Credentials, error) {
	p.once.Do(func() {
		p.creds, p.err = p.detect(&credentials.DetectOptions{Scopes: []string{CloudPlatformScope}})
		if p.err != nil {
			p.err = fmt.Errorf("detect default credentials: %w", p.err)
		}
	})
	return p.creds, p.err
}

func (p *ADCTokenProvider) Token(ctx context.Context) (string, error) {
	creds, err := p.credentials()
	if err != nil {
		return "", err
	}
	tok, err := creds.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("refresh adc token: %w", err)
	}
	return tok.Value, nil
}

func (p *ADCTokenProvider) ProjectID(ctx context.Context) (string, error) {
	creds, err := p.credentials()
	if err != nil {
		return "", err
	}
	if quota, err := creds.QuotaProjectID(ctx); err == nil && quota != "" {
		return quota, nil
	}
	return creds.ProjectID(ctx)
}

// SecretTokenProvider reads a pre-minted bearer token from Secret Manager and
// reuses it for TTL.
type SecretTokenProvider struct {
	path   string
	ttl    time.Duration
	access func(ctx context.Context, name string) ([]byte, error)
	now    func() time.Time

	// project supplies the quota project; nil or empty falls back to the
	// project in path.
	project func(ctx context.Context) (string, error)

	mu      sync.Mutex
	token   string
	fetched time.Time
}

// NewSecretTokenProvider reads the token at path through access, which is
// normally (*secrets.Resolver).Access.
func NewSecretTokenProvider(path string, ttl time.Duration, access func(ctx context.Context, name string) ([]byte, error)) (*SecretTokenProvider, error) {
	if !strings.HasPrefix(path, "projects/") {
		return nil, fmt.Errorf("auth token secret path must start with projects/, got %q", path)
	}
	if access == nil {
		return nil, errors.New("auth token secret provider needs an access function")
	}
	if ttl <= 0 {
		ttl = DefaultTokenCacheTTL
	}
	if !strings.Contains(path, "/versions/") {
		path += "/versions/latest"
	}
	return &SecretTokenProvider{path: path, ttl: ttl, access: access, now: time.Now}, nil
}

func (p *SecretTokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" && p.now().Sub(p.fetched) < p.ttl {
		return p.token, nil
	}
	data, err := p.access(ctx, p.path)
	if err != nil {
		return "", fmt.Errorf("read auth token secret: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", errors.New("auth token secret is empty")
	}
	p.token = token
	p.fetched = p.now()
	return token, nil
}

// UseProjectFrom makes ProjectID consult src first, normally the ADC provider.
func (p *SecretTokenProvider) UseProjectFrom(src interface {
	ProjectID(ctx context.Context) (string, error)
}) {
	if src == nil {
		p.project = nil
		return
	}
	p.project = src.ProjectID
}

// ProjectID is the ADC project when one is configured and resolves, else the
// project that owns the token secret.
func (p *SecretTokenProvider) ProjectID(ctx context.Context) (string, error) {
	if p.project != nil {
		if id, err := p.project(ctx); err == nil && id != "" {
			return id, nil
		}
	}
	parts := strings.Split(p.path, "/")
	if len(parts) < 2 || parts[1] == "" {
		return "", nil
	}
	return parts[1], nil
}
