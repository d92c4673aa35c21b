// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// ProviderNeoDB is the provider value stored on linked accounts created by federation.
const ProviderNeoDB = "neodb"

// RemoteClient is the OAuth client registered on one remote instance.
type RemoteClient struct {
	Instance     string // canonical origin, unique
	ClientID     string
	ClientSecret string // plaintext in memory, sealed at rest
	RedirectURI  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AuthState correlates an authorization redirect with its completion. Single use.
type AuthState struct {
	State        string
	Instance     string // canonical origin
	CallbackURL  string
	NewUserURL   string // optional; used when the collaborator reports a first-time user
	CodeVerifier string // PKCE verifier, never sent to the remote before token exchange
	CreatedAt    time.Time
}

// LinkedAccount binds a local user to a remote account and holds its token material.
type LinkedAccount struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	Provider        string
	AccountID       string // canonical external id (profile URL or @user@host)
	AccessToken     string // may be a redaction tombstone
	RefreshToken    string
	Scope           string
	Instance        string // remote host, may be empty on legacy rows
	IsTokenRedacted bool
	TokenRevealedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasUsableToken reports whether the account carries a live access token.
func (a LinkedAccount) HasUsableToken() bool {
	return a.AccessToken != "" && !a.IsTokenRedacted
}

// User is a local account. Records are created by the identity linker.
type User struct {
	ID        uuid.UUID
	Email     string // unique
	Name      string
	Image     string
	Username  string // @user@host of the account that created it
	CreatedAt time.Time
}

// Identity is the local-identity payload derived from a remote profile.
type Identity struct {
	ExternalID  string
	Email       string
	DisplayName string
	AvatarURL   string
	Metadata    map[string]string
}

// AccountLink is the token material handed to the identity linker.
type AccountLink struct {
	AccountID    string
	AccessToken  string
	RefreshToken string
	Scope        string
	Instance     string
}

// Session is an issued local session credential.
type Session struct {
	Token     string
	ExpiresAt time.Time
}

// LinkResult is returned by the identity linker after a successful link.
type LinkResult struct {
	Session   Session
	User      User
	IsNewUser bool
}
