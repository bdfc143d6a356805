package identity

import (
	"context"
	"fmt"
	"time"

	"blockverse/internal/observability"
)

// Provider is the external login-flow collaborator the session manager drives.
type Provider interface {
	IsAuthenticated(ctx context.Context) bool
	GetIdentity(ctx context.Context) (Credential, error)
	// Login suspends until the flow yields a credential or fails.
	Login(ctx context.Context) (Credential, error)
	Logout(ctx context.Context) error
}

// Client implements Provider over a LoginFlow and a Store.
type Client struct {
	store      Store
	flow       LoginFlow
	signingKey []byte
	maxTTL     time.Duration
	now        func() time.Time
	logger     *observability.SessionLogger
}

// NewClient builds a provider. maxTTL caps credential lifetime; zero keeps
// whatever expiry the token carries.
func NewClient(store Store, flow LoginFlow, signingKey []byte, maxTTL time.Duration) *Client {
	return &Client{
		store:      store,
		flow:       flow,
		signingKey: signingKey,
		maxTTL:     maxTTL,
		now:        time.Now,
		logger:     observability.NewSessionLogger(),
	}
}

func (c *Client) IsAuthenticated(ctx context.Context) bool {
	_, err := c.GetIdentity(ctx)
	return err == nil
}

// GetIdentity returns the stored credential if it is still valid. Expired
// credentials are discarded.
func (c *Client) GetIdentity(ctx context.Context) (Credential, error) {
	cred, err := c.store.Load(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("identity: load credential: %w", err)
	}
	if cred == nil {
		return Credential{}, ErrNoCredential
	}
	if !cred.Valid(c.now()) {
		if err := c.store.Delete(ctx); err != nil {
			c.logger.LogError(ctx, "discard_credential", err)
		}
		return Credential{}, ErrCredentialExpired
	}
	return *cred, nil
}

func (c *Client) Login(ctx context.Context) (Credential, error) {
	raw, err := c.flow.Authenticate(ctx)
	if err != nil {
		return Credential{}, err
	}

	cred, err := ParseToken(raw, c.signingKey)
	if err != nil {
		return Credential{}, err
	}

	now := c.now()
	if c.maxTTL > 0 {
		limit := now.Add(c.maxTTL)
		if cred.ExpiresAt.IsZero() || cred.ExpiresAt.After(limit) {
			cred.ExpiresAt = limit
		}
	}
	if !cred.Valid(now) {
		return Credential{}, ErrCredentialExpired
	}

	if err := c.store.Save(ctx, cred); err != nil {
		return Credential{}, fmt.Errorf("identity: save credential: %w", err)
	}
	return cred, nil
}

func (c *Client) Logout(ctx context.Context) error {
	return c.store.Delete(ctx)
}
