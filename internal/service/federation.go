package service

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/and161185/neodb-bridge/internal/crypto"
	"github.com/and161185/neodb-bridge/internal/errs"
	"github.com/and161185/neodb-bridge/internal/limiter"
	"github.com/and161185/neodb-bridge/internal/metrics"
	"github.com/and161185/neodb-bridge/internal/model"
	"github.com/and161185/neodb-bridge/internal/remote"
	"github.com/and161185/neodb-bridge/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// FlowState is the position of one authorization attempt.
type FlowState int

// Flow states. Linked and Failed are terminal.
const (
	FlowIdle FlowState = iota
	FlowAwaitingRemoteRedirect
	FlowCompleting
	FlowLinked
	FlowFailed
)

func (s FlowState) String() string {
	switch s {
	case FlowIdle:
		return "idle"
	case FlowAwaitingRemoteRedirect:
		return "awaiting_remote_redirect"
	case FlowCompleting:
		return "completing"
	case FlowLinked:
		return "linked"
	case FlowFailed:
		return "failed"
	}
	return "unknown"
}

// Outcome is where the browser goes next. Code is set only on failure.
type Outcome struct {
	State       FlowState
	RedirectURL string
	Code        errs.Code
	IsNewUser   bool
}

// BeginRequest starts a federation attempt.
type BeginRequest struct {
	Instance    string
	CallbackURL string
	NewUserURL  string
	ClientIP    string
}

// CompleteRequest carries the redirect parameters returned by the instance.
type CompleteRequest struct {
	Code  string
	Error string
	State string
}

// SessionSink attaches an issued session to the caller's response.
type SessionSink interface {
	IssueSession(ctx context.Context, s model.Session, u model.User) error
}

// SessionSinkFunc adapts a function to SessionSink.
type SessionSinkFunc func(ctx context.Context, s model.Session, u model.User) error

// IssueSession calls f.
func (f SessionSinkFunc) IssueSession(ctx context.Context, s model.Session, u model.User) error {
	return f(ctx, s, u)
}

// InstanceChecker validates and canonicalizes instance input.
type InstanceChecker interface {
	Validate(ctx context.Context, raw string) (*url.URL, error)
}

// ClientProvider resolves registered OAuth clients.
type ClientProvider interface {
	GetOrCreate(ctx context.Context, origin, redirectURI string) (model.RemoteClient, error)
	Lookup(ctx context.Context, origin string) (model.RemoteClient, error)
}

// OAuthRemote is the instance-facing half of the authorization-code flow.
type OAuthRemote interface {
	OAuthConfig(origin, clientID, clientSecret, redirectURI string) *oauth2.Config
	Exchange(ctx context.Context, cfg *oauth2.Config, code, verifier string) (*oauth2.Token, error)
	Me(ctx context.Context, origin, token string) (*remote.Profile, error)
}

// LoginMarker refreshes per-login account state.
type LoginMarker interface {
	MarkLoggedIn(ctx context.Context, provider, accountID, instance string) error
}

// FederationConfig holds the service's own endpoints.
type FederationConfig struct {
	RedirectURI    string
	ErrorURL       string
	TrustedOrigins []string
}

// FederationDeps groups the collaborators of Federation.
type FederationDeps struct {
	Instances InstanceChecker
	Clients   ClientProvider
	States    repository.StateRepository
	Remote    OAuthRemote
	Linker    IdentityLinker
	Accounts  LoginMarker
	Limiter   limiter.Limiter
	Metrics   *metrics.Metrics
	Log       *zap.Logger
}

// Federation runs the two-leg OAuth2 + PKCE login against a NeoDB instance.
type Federation struct {
	FederationDeps
	cfg     FederationConfig
	trusted map[string]struct{}
	now     func() time.Time
}

// NewFederation constructs the federation flow.
func NewFederation(d FederationDeps, cfg FederationConfig) *Federation {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Limiter == nil {
		d.Limiter = limiter.Nop{}
	}
	f := &Federation{FederationDeps: d, cfg: cfg, trusted: map[string]struct{}{}, now: time.Now}
	for _, o := range cfg.TrustedOrigins {
		if u, err := url.Parse(strings.TrimSpace(o)); err == nil && u.Host != "" {
			f.trusted[strings.ToLower(u.Scheme+"://"+u.Host)] = struct{}{}
		}
	}
	return f
}

// Begin validates the instance, ensures a registered client, persists a
// single-use state with a PKCE verifier and returns the authorization URL.
func (f *Federation) Begin(ctx context.Context, req BeginRequest) Outcome {
	callback := f.sanitizeCallback(req.CallbackURL)
	var newUser string
	if req.NewUserURL != "" {
		newUser = f.sanitizeCallback(req.NewUserURL)
	}

	norm, err := NormalizeInstance(req.Instance)
	if err != nil {
		return f.fail("begin", errs.CodeOf(err, errs.InvalidInstance), err)
	}
	ipHash := limiter.HashIP(req.ClientIP)
	allowed, _, err := f.Limiter.Allow(ctx, norm.Host, ipHash)
	if err != nil {
		return f.fail("begin", errs.DatabaseUnavailable, err)
	}
	if !allowed {
		return f.fail("begin", errs.RateLimited, errs.ErrRateLimited)
	}

	origin, err := f.Instances.Validate(ctx, req.Instance)
	if err != nil {
		return f.failAttempt(ctx, norm.Host, ipHash, errs.CodeOf(err, errs.InvalidInstance), err)
	}

	client, err := f.Clients.GetOrCreate(ctx, origin.String(), f.cfg.RedirectURI)
	if err != nil {
		return f.failAttempt(ctx, norm.Host, ipHash, errs.CodeOf(err, errs.AppRegistrationFailed), err)
	}

	state, err := crypto.RandToken(32)
	if err != nil {
		return f.fail("begin", errs.Internal, err)
	}
	verifier := oauth2.GenerateVerifier()
	if err := f.States.Save(ctx, model.AuthState{
		State:        state,
		Instance:     origin.String(),
		CallbackURL:  callback,
		NewUserURL:   newUser,
		CodeVerifier: verifier,
		CreatedAt:    f.now(),
	}); err != nil {
		return f.fail("begin", errs.DatabaseUnavailable, err)
	}
	if err := f.Limiter.Success(ctx, norm.Host, ipHash); err != nil {
		f.Log.Warn("reset attempt limiter", zap.String("instance", norm.Host), zap.Error(err))
	}

	cfg := f.Remote.OAuthConfig(origin.String(), client.ClientID, client.ClientSecret, f.cfg.RedirectURI)
	f.Metrics.Federation("begin", "ok")
	f.Log.Debug("federation", zap.Stringer("state", FlowAwaitingRemoteRedirect), zap.String("instance", origin.Host))
	return Outcome{
		State:       FlowAwaitingRemoteRedirect,
		RedirectURL: cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)),
	}
}

// failAttempt records a failed attempt for (host, ip) and fails with code,
// or with rate_limited once the key is blocked.
func (f *Federation) failAttempt(ctx context.Context, host string, ipHash []byte, code errs.Code, cause error) Outcome {
	blocked, _, err := f.Limiter.Failure(ctx, host, ipHash)
	if err != nil {
		f.Log.Warn("record failed attempt", zap.String("instance", host), zap.Error(err))
	}
	if blocked {
		return f.fail("begin", errs.RateLimited, cause)
	}
	return f.fail("begin", code, cause)
}

// Complete consumes the state, exchanges the code, fetches the profile,
// links the identity and hands the session to sink.
func (f *Federation) Complete(ctx context.Context, req CompleteRequest, sink SessionSink) Outcome {
	f.Log.Debug("federation", zap.Stringer("state", FlowCompleting))
	if req.Error != "" {
		return f.fail("complete", errs.FromMessage(req.Error), errors.New("instance returned error"))
	}
	if req.Code == "" {
		return f.fail("complete", errs.OAuthCodeMissing, nil)
	}
	if req.State == "" {
		return f.fail("complete", errs.StateNotFound, nil)
	}

	st, err := f.States.Pop(ctx, req.State)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return f.fail("complete", errs.StateNotFound, err)
		}
		return f.fail("complete", errs.DatabaseUnavailable, err)
	}

	origin, err := f.Instances.Validate(ctx, st.Instance)
	if err != nil {
		return f.fail("complete", errs.CodeOf(err, errs.InvalidInstance), err)
	}
	client, err := f.Clients.Lookup(ctx, origin.String())
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return f.fail("complete", errs.ClientNotFound, err)
		}
		return f.fail("complete", errs.DatabaseUnavailable, err)
	}

	cfg := f.Remote.OAuthConfig(origin.String(), client.ClientID, client.ClientSecret, client.RedirectURI)
	tok, err := f.Remote.Exchange(ctx, cfg, req.Code, st.CodeVerifier)
	if err != nil {
		if errors.Is(err, remote.ErrAccessTokenMissing) {
			return f.fail("complete", errs.AccessTokenMissing, err)
		}
		return f.fail("complete", errs.OAuthCodeVerificationFailed, err)
	}

	profile, err := f.Remote.Me(ctx, origin.String(), tok.AccessToken)
	if err != nil {
		return f.fail("complete", errs.UserInfoFailed, err)
	}
	email, ok := ContactEmail(profile)
	if !ok {
		return f.fail("complete", errs.EmailNotFound, nil)
	}

	host := origin.Host
	accountID := DeriveAccountID(profile, host)
	username := "@unknown@" + host
	if profile.Username != "" {
		username = "@" + profile.Username + "@" + host
	}
	identity := model.Identity{
		ExternalID:  accountID,
		Email:       email,
		DisplayName: DisplayName(profile, email),
		AvatarURL:   profile.Avatar,
		Metadata: map[string]string{
			"username":    username,
			"instance":    origin.String(),
			"profile_url": profile.URL,
		},
	}
	scope, _ := tok.Extra("scope").(string)
	if scope == "" {
		scope = strings.Join(cfg.Scopes, " ")
	}
	link := model.AccountLink{
		AccountID:    accountID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Scope:        scope,
		Instance:     host,
	}

	res, err := f.Linker.LinkOrCreateUser(ctx, identity, link, st.CallbackURL, false)
	if err != nil {
		return f.fail("complete", errs.CodeOf(err, errs.LinkingFailed), err)
	}
	if err := sink.IssueSession(ctx, res.Session, res.User); err != nil {
		return f.fail("complete", errs.LinkingFailed, err)
	}
	if err := f.Accounts.MarkLoggedIn(ctx, model.ProviderNeoDB, accountID, host); err != nil {
		f.Log.Warn("mark logged in", zap.String("account", accountID), zap.Error(err))
	}

	target := st.CallbackURL
	if res.IsNewUser && st.NewUserURL != "" {
		target = st.NewUserURL
	}
	f.Metrics.Federation("complete", "ok")
	f.Log.Info("federation linked",
		zap.String("instance", host),
		zap.String("user", res.User.ID.String()),
		zap.Bool("new_user", res.IsNewUser),
	)
	return Outcome{State: FlowLinked, RedirectURL: target, IsNewUser: res.IsNewUser}
}

func (f *Federation) fail(phase string, code errs.Code, cause error) Outcome {
	f.Metrics.Federation(phase, string(code))
	f.Log.Warn("federation failed",
		zap.String("phase", phase),
		zap.String("code", string(code)),
		zap.Error(cause),
	)
	return Outcome{State: FlowFailed, RedirectURL: f.errorURL(code), Code: code}
}

func (f *Federation) errorURL(code errs.Code) string {
	u, err := url.Parse(f.cfg.ErrorURL)
	if err != nil {
		u = &url.URL{Path: "/"}
	}
	q := u.Query()
	q.Set("error", string(code))
	u.RawQuery = q.Encode()
	return u.String()
}

// sanitizeCallback keeps local paths and URLs on trusted origins; anything
// else collapses to "/".
func (f *Federation) sanitizeCallback(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "/"
	}
	if strings.HasPrefix(raw, "/") {
		if strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
			return "/"
		}
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "/"
	}
	if _, ok := f.trusted[strings.ToLower(u.Scheme+"://"+u.Host)]; !ok {
		return "/"
	}
	return raw
}
