package service

import (
	"net/url"
	"strings"

	"github.com/and161185/neodb-bridge/internal/model"
	"github.com/and161185/neodb-bridge/internal/remote"
)

// accountIDStrategy derives an external account id from a profile, if it can.
type accountIDStrategy func(p *remote.Profile, host string) (string, bool)

// accountIDStrategies are tried in order; the last one always succeeds.
var accountIDStrategies = []accountIDStrategy{
	func(p *remote.Profile, _ string) (string, bool) {
		return p.URL, p.URL != ""
	},
	func(p *remote.Profile, host string) (string, bool) {
		if p.Username == "" {
			return "", false
		}
		return "@" + p.Username + "@" + host, true
	},
	func(_ *remote.Profile, host string) (string, bool) {
		return "@unknown@" + host, true
	},
}

// DeriveAccountID returns the canonical external id of a remote profile.
func DeriveAccountID(p *remote.Profile, host string) string {
	for _, s := range accountIDStrategies {
		if id, ok := s(p, host); ok {
			return id
		}
	}
	return ""
}

// ContactEmail returns the handle of the profile's email external account.
func ContactEmail(p *remote.Profile) (string, bool) {
	for _, ea := range p.ExternalAccounts {
		if strings.EqualFold(ea.Platform, "email") && ea.Handle != "" {
			return ea.Handle, true
		}
	}
	return "", false
}

// DisplayName picks the first non-empty of display name, username and the
// local part of email.
func DisplayName(p *remote.Profile, email string) string {
	switch {
	case p.DisplayName != "":
		return p.DisplayName
	case p.Username != "":
		return p.Username
	}
	if local, _, ok := strings.Cut(email, "@"); ok && local != "" {
		return local
	}
	return "Unknown"
}

// InstanceFromAccountID recovers an instance origin from a stored account id:
// a profile URL yields its origin, "@user@host" yields https://host.
func InstanceFromAccountID(accountID string) (string, bool) {
	if strings.HasPrefix(accountID, "http://") || strings.HasPrefix(accountID, "https://") {
		u, err := url.Parse(accountID)
		if err != nil || u.Host == "" {
			return "", false
		}
		return u.Scheme + "://" + u.Host, true
	}
	if strings.Contains(accountID, "@") {
		parts := strings.FieldsFunc(accountID, func(r rune) bool { return r == '@' })
		if len(parts) >= 2 {
			return "https://" + parts[len(parts)-1], true
		}
	}
	return "", false
}

// AccountOrigin returns the instance origin an account belongs to.
// The stored instance host wins over the account id.
func AccountOrigin(a model.LinkedAccount) (string, bool) {
	if a.Instance != "" {
		if strings.Contains(a.Instance, "://") {
			return strings.TrimRight(a.Instance, "/"), true
		}
		return "https://" + a.Instance, true
	}
	return InstanceFromAccountID(a.AccountID)
}
