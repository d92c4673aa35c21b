// Package service contains the federation, token lifecycle and harvest services.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/neodb-bridge/internal/errs"
	"github.com/and161185/neodb-bridge/internal/model"
	"github.com/and161185/neodb-bridge/internal/repository"
	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
)

// IdentityLinker resolves a remote identity to a local user and issues a session.
type IdentityLinker interface {
	// LinkOrCreateUser finds or creates the local user for identity, stores the
	// token material and returns a fresh session. Idempotent per ExternalID.
	LinkOrCreateUser(ctx context.Context, identity model.Identity, link model.AccountLink, callbackURL string, overrideExistingProfile bool) (model.LinkResult, error)
}

// Identity is the local user and session collaborator.
type Identity struct {
	users      repository.UserRepository
	accounts   repository.AccountRepository
	signKey    []byte
	sessionTTL time.Duration
	now        func() time.Time
}

// NewIdentity constructs Identity with required dependencies.
func NewIdentity(users repository.UserRepository, accounts repository.AccountRepository, signKey []byte, sessionTTL time.Duration) *Identity {
	return &Identity{users: users, accounts: accounts, signKey: signKey, sessionTTL: sessionTTL, now: time.Now}
}

// LinkOrCreateUser links by external id first, then by e-mail, then creates a user.
func (s *Identity) LinkOrCreateUser(ctx context.Context, id model.Identity, link model.AccountLink, _ string, overrideExistingProfile bool) (model.LinkResult, error) {
	if id.Email == "" {
		return model.LinkResult{}, errs.E(errs.EmailNotFound, nil)
	}
	if link.AccountID == "" {
		return model.LinkResult{}, errs.E(errs.LinkingFailed, errors.New("empty account id"))
	}

	u, isNew, err := s.resolveUser(ctx, id, link.AccountID)
	if err != nil {
		return model.LinkResult{}, err
	}
	if overrideExistingProfile && !isNew {
		if err := s.users.UpdateProfile(ctx, u.ID, id.DisplayName, id.AvatarURL); err != nil {
			return model.LinkResult{}, errs.E(errs.DatabaseUnavailable, err)
		}
		u.Name, u.Image = id.DisplayName, id.AvatarURL
	}

	acc := &model.LinkedAccount{
		UserID:       u.ID,
		Provider:     model.ProviderNeoDB,
		AccountID:    link.AccountID,
		AccessToken:  link.AccessToken,
		RefreshToken: link.RefreshToken,
		Scope:        link.Scope,
		Instance:     link.Instance,
	}
	if err := s.accounts.Upsert(ctx, acc); err != nil {
		return model.LinkResult{}, errs.E(errs.DatabaseUnavailable, err)
	}

	token, exp, err := s.issueSession(u.ID)
	if err != nil {
		return model.LinkResult{}, errs.E(errs.Internal, err)
	}
	return model.LinkResult{
		Session:   model.Session{Token: token, ExpiresAt: exp},
		User:      *u,
		IsNewUser: isNew,
	}, nil
}

func (s *Identity) resolveUser(ctx context.Context, id model.Identity, accountID string) (*model.User, bool, error) {
	acc, err := s.accounts.GetByProviderAccount(ctx, model.ProviderNeoDB, accountID)
	switch {
	case err == nil:
		u, err := s.users.GetByID(ctx, acc.UserID)
		if err != nil {
			return nil, false, errs.E(errs.DatabaseUnavailable, err)
		}
		return u, false, nil
	case !errors.Is(err, errs.ErrNotFound):
		return nil, false, errs.E(errs.DatabaseUnavailable, err)
	}

	u, err := s.users.GetByEmail(ctx, id.Email)
	switch {
	case err == nil:
		return u, false, nil
	case !errors.Is(err, errs.ErrNotFound):
		return nil, false, errs.E(errs.DatabaseUnavailable, err)
	}

	uid, err := uuid.NewV4()
	if err != nil {
		return nil, false, errs.E(errs.Internal, err)
	}
	u = &model.User{
		ID:       uid,
		Email:    id.Email,
		Name:     id.DisplayName,
		Image:    id.AvatarURL,
		Username: id.Metadata["username"],
	}
	if err := s.users.Create(ctx, u); err != nil {
		if !errors.Is(err, errs.ErrAlreadyExists) {
			return nil, false, errs.E(errs.DatabaseUnavailable, err)
		}
		// lost a race with a concurrent first login
		u, err = s.users.GetByEmail(ctx, id.Email)
		if err != nil {
			return nil, false, errs.E(errs.DatabaseUnavailable, err)
		}
		return u, false, nil
	}
	return u, true, nil
}

// issueSession creates a signed HS256 JWT for the given subject.
func (s *Identity) issueSession(userID uuid.UUID) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.sessionTTL)
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.signKey)
	return signed, exp, err
}

// VerifySession validates a session token and returns its subject.
func (s *Identity) VerifySession(token string) (uuid.UUID, error) {
	if token == "" {
		return uuid.Nil, errs.ErrUnauthorized
	}
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.signKey, nil
	}, jwt.WithLeeway(30*time.Second))
	if err != nil || !parsed.Valid {
		return uuid.Nil, errs.ErrUnauthorized
	}

	id, err := uuid.FromString(claims.Subject)
	if err != nil {
		return uuid.Nil, errs.ErrUnauthorized
	}
	return id, nil
}
