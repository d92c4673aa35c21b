package service

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/neodb-bridge/internal/crypto"
	"github.com/and161185/neodb-bridge/internal/errs"
	"github.com/and161185/neodb-bridge/internal/model"
	"github.com/and161185/neodb-bridge/internal/remote"
	"github.com/and161185/neodb-bridge/internal/repository"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	clientCacheSize = 256
	clientCacheTTL  = 10 * time.Minute
)

// AppRegistrar performs dynamic client registration on an instance.
type AppRegistrar interface {
	RegisterApp(ctx context.Context, origin, redirectURI string) (*remote.App, error)
}

// SecretSealer encrypts client secrets at rest.
type SecretSealer interface {
	Seal(plaintext, aad string) (string, error)
	Open(sealed, aad string) (string, error)
}

// ClientRegistry keeps exactly one registered OAuth client per instance origin.
type ClientRegistry struct {
	repo      repository.ClientRepository
	registrar AppRegistrar
	sealer    SecretSealer
	cache     *expirable.LRU[string, model.RemoteClient]
	group     singleflight.Group
	log       *zap.Logger
}

// NewClientRegistry constructs a registry. A nil sealer stores secrets as given.
func NewClientRegistry(repo repository.ClientRepository, registrar AppRegistrar, sealer SecretSealer, log *zap.Logger) *ClientRegistry {
	if log == nil {
		log = zap.NewNop()
	}
	return &ClientRegistry{
		repo:      repo,
		registrar: registrar,
		sealer:    sealer,
		cache:     expirable.NewLRU[string, model.RemoteClient](clientCacheSize, nil, clientCacheTTL),
		log:       log,
	}
}

// GetOrCreate returns the client for origin, registering a new one when none
// exists or the stored redirect URI differs from redirectURI.
func (r *ClientRegistry) GetOrCreate(ctx context.Context, origin, redirectURI string) (model.RemoteClient, error) {
	if c, ok := r.cache.Get(origin); ok && c.RedirectURI == redirectURI {
		return c, nil
	}
	v, err, _ := r.group.Do(origin+"\x00"+redirectURI, func() (any, error) {
		c, err := r.load(ctx, origin)
		switch {
		case err == nil && c.RedirectURI == redirectURI:
			return c, nil
		case err != nil && !errors.Is(err, errs.ErrNotFound):
			return model.RemoteClient{}, errs.E(errs.DatabaseUnavailable, err)
		}
		return r.register(ctx, origin, redirectURI)
	})
	if err != nil {
		return model.RemoteClient{}, err
	}
	return v.(model.RemoteClient), nil
}

// Lookup returns the stored client for origin or errs.ErrNotFound.
func (r *ClientRegistry) Lookup(ctx context.Context, origin string) (model.RemoteClient, error) {
	if c, ok := r.cache.Get(origin); ok {
		return c, nil
	}
	return r.load(ctx, origin)
}

func (r *ClientRegistry) register(ctx context.Context, origin, redirectURI string) (model.RemoteClient, error) {
	app, err := r.registrar.RegisterApp(ctx, origin, redirectURI)
	if err != nil {
		return model.RemoteClient{}, errs.E(errs.AppRegistrationFailed, err)
	}
	if app.ClientID == "" || app.ClientSecret == "" {
		return model.RemoteClient{}, errs.E(errs.InvalidAppResponse, nil)
	}

	stored := model.RemoteClient{
		Instance:     origin,
		ClientID:     app.ClientID,
		ClientSecret: app.ClientSecret,
		RedirectURI:  redirectURI,
	}
	if r.sealer != nil {
		sealed, err := r.sealer.Seal(app.ClientSecret, origin)
		if err != nil {
			return model.RemoteClient{}, errs.E(errs.Internal, err)
		}
		stored.ClientSecret = sealed
	}
	if err := r.repo.Upsert(ctx, &stored); err != nil {
		return model.RemoteClient{}, errs.E(errs.DatabaseUnavailable, err)
	}
	r.log.Info("registered client", zap.String("instance", origin))

	stored.ClientSecret = app.ClientSecret
	r.cache.Add(origin, stored)
	return stored, nil
}

func (r *ClientRegistry) load(ctx context.Context, origin string) (model.RemoteClient, error) {
	c, err := r.repo.Get(ctx, origin)
	if err != nil {
		return model.RemoteClient{}, err
	}
	if r.sealer != nil && crypto.IsSealed(c.ClientSecret) {
		plain, err := r.sealer.Open(c.ClientSecret, origin)
		if err != nil {
			return model.RemoteClient{}, err
		}
		c.ClientSecret = plain
	}
	r.cache.Add(origin, *c)
	return *c, nil
}
